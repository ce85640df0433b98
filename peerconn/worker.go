// Package peerconn implements the peer worker: a per-connection state
// machine that speaks the BitTorrent wire protocol, issues block
// requests, reassembles and hashes pieces, and writes verified pieces
// through to file-range offsets. It is grounded directly on
// original_source/async_torrent/src/engine/peers_task.rs's Peer::start,
// translated from tokio tasks/channels into goroutines and Go's
// oneshot-via-buffered-channel idiom (see coordinator.Coordinator).
package peerconn

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lvbealr/leecher/coordinator"
	"github.com/lvbealr/leecher/layout"
	"github.com/lvbealr/leecher/metainfo"
	"github.com/lvbealr/leecher/progress"
	"github.com/lvbealr/leecher/wire"
)

const (
	connectTimeout = 5 * time.Second
	bitfieldBudget = 5 * time.Second
	chokeTimeout   = 30 * time.Second
	idleGrace      = 10 * time.Second
	writeTimeout   = 30 * time.Second
	requestOnce    = 5
)

// Worker owns one peer TCP connection for the lifetime of the download.
// Its outstanding map tracks which pieces this worker has reserved
// locally, guaranteeing it never opens two pieceProgress objects for the
// same index (spec.md §4.5, "at-most-one reservation per peer per
// piece").
type Worker struct {
	addr   string
	desc   *metainfo.Descriptor
	coord  *coordinator.Coordinator
	layout *layout.Layout
	events progress.Sink

	// onFatalIO is invoked when a persist write fails; per spec.md §7 an
	// IoError is fatal to the whole engine, not just this worker.
	onFatalIO func(error)

	peerID      coordinator.PeerID
	conn        net.Conn
	outstanding map[int]*pieceProgress
}

// New constructs a worker for the peer at addr. onFatalIO is called at
// most once, from this worker's goroutine, if a verified piece fails to
// persist to disk.
func New(addr string, desc *metainfo.Descriptor, coord *coordinator.Coordinator, fileLayout *layout.Layout, events progress.Sink, onFatalIO func(error)) *Worker {
	return &Worker{
		addr:        addr,
		desc:        desc,
		coord:       coord,
		layout:      fileLayout,
		events:      events,
		onFatalIO:   onFatalIO,
		peerID:      GeneratePeerID(),
		outstanding: make(map[int]*pieceProgress),
	}
}

func (w *Worker) idString() string { return string(w.peerID[:]) }

// Run drives the full lifecycle described in spec.md §4.5: connect,
// register, handshake, await bitfield, send interested, await unchoke,
// then the main request/response loop. It always tears down via
// teardown, whatever the exit reason.
func (w *Worker) Run(ctx context.Context) {
	conn, err := (&net.Dialer{Timeout: connectTimeout}).DialContext(ctx, "tcp", w.addr)
	if err != nil {
		log.Printf("[FAIL]\tpeer %s: connect: %v\n", w.addr, err)
		w.teardown()
		return
	}

	w.runConn(ctx, conn)
}

// runConn drives the lifecycle over an already-established connection.
// Split out from Run so tests can supply a net.Pipe in place of a dialed
// TCP socket.
func (w *Worker) runConn(ctx context.Context, conn net.Conn) {
	defer w.teardown()

	w.conn = conn
	defer w.conn.Close()

	w.coord.PeerRegister(w.peerID)

	if err := w.handshake(); err != nil {
		log.Printf("[FAIL]\tpeer %s: handshake: %v\n", w.addr, err)
		return
	}

	w.awaitBitfield()

	if err := w.sendInterested(); err != nil {
		log.Printf("[FAIL]\tpeer %s: sending interested: %v\n", w.addr, err)
		return
	}

	if err := w.awaitUnchoke(); err != nil {
		log.Printf("[FAIL]\tpeer %s: awaiting unchoke: %v\n", w.addr, err)
		return
	}
	w.coord.PeerUnchoke(w.peerID)
	progress.Publish(w.events, progress.Event{Kind: progress.PeerUpdate, PeerID: w.idString(), Task: "peer connection established", Choked: false})

	w.mainLoop(ctx)
}

func (w *Worker) teardown() {
	w.coord.PeerDead(w.peerID)
	progress.Publish(w.events, progress.Event{Kind: progress.PeerDisconnected, PeerID: w.idString()})
}

func (w *Worker) handshake() error {
	w.conn.SetDeadline(time.Now().Add(connectTimeout))
	defer w.conn.SetDeadline(time.Time{})

	if err := wire.WriteHandshake(w.conn, wire.Handshake{InfoHash: w.desc.InfoHash, PeerID: w.peerID}); err != nil {
		return err
	}

	_, err := wire.ReadHandshake(w.conn, w.desc.InfoHash)
	return err
}

// awaitBitfield reads messages for up to bitfieldBudget looking for a
// bitfield. If none arrives in time, the worker proceeds anyway; the
// coordinator's record of this peer simply stays all-false until `have`
// messages populate it (spec.md §4.5 step 4).
func (w *Worker) awaitBitfield() {
	deadline := time.Now().Add(bitfieldBudget)
	defer w.conn.SetReadDeadline(time.Time{})

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		w.conn.SetReadDeadline(time.Now().Add(remaining))

		msg, err := wire.Read(w.conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue // keep-alive
		}
		if msg.ID == wire.MsgBitfield {
			bf := make(wire.Bitfield, len(msg.Payload))
			copy(bf, msg.Payload)
			w.coord.SetBitfield(w.peerID, bf)
			return
		}
	}
}

func (w *Worker) sendInterested() error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer w.conn.SetWriteDeadline(time.Time{})
	return wire.Write(w.conn, wire.Interested())
}

// awaitUnchoke blocks, with budget, until an unchoke arrives; `have`
// messages seen meanwhile are still forwarded since they're free
// information.
func (w *Worker) awaitUnchoke() error {
	deadline := time.Now().Add(chokeTimeout)
	defer w.conn.SetReadDeadline(time.Time{})

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("timed out waiting for unchoke")
		}
		w.conn.SetReadDeadline(time.Now().Add(remaining))

		msg, err := wire.Read(w.conn)
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		switch msg.ID {
		case wire.MsgUnchoke:
			return nil
		case wire.MsgHave:
			if idx, ok := wire.ParseHave(msg.Payload); ok {
				w.coord.UpdateBitfield(w.peerID, idx)
			}
		}
	}
}

func (w *Worker) mainLoop(ctx context.Context) {
	firstIdleTry := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if len(w.outstanding) == 0 {
			if w.requestNewPieces() {
				firstIdleTry = true
				continue
			}

			if !firstIdleTry {
				return
			}
			firstIdleTry = false

			select {
			case <-ctx.Done():
				return
			case <-time.After(idleGrace):
			}
			continue
		}

		w.conn.SetReadDeadline(time.Time{})
		msg, err := wire.Read(w.conn)
		if err != nil {
			log.Printf("[FAIL]\tpeer %s: %v\n", w.addr, err)
			return
		}
		if msg == nil {
			continue // keep-alive
		}

		switch msg.ID {
		case wire.MsgChoke:
			if !w.handleChoke() {
				return
			}
		case wire.MsgUnchoke:
			w.coord.PeerUnchoke(w.peerID)
		case wire.MsgHave:
			if idx, ok := wire.ParseHave(msg.Payload); ok {
				w.coord.UpdateBitfield(w.peerID, idx)
			}
		case wire.MsgRequest:
			// This client is a pure leecher; it never seeds. Respond with
			// choke and otherwise ignore (spec.md §4.5).
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			wire.Write(w.conn, wire.Choke())
			w.conn.SetWriteDeadline(time.Time{})
		case wire.MsgPiece:
			w.handlePiece(msg.Payload)
		}
	}
}

// requestNewPieces asks the coordinator for up to requestOnce fresh piece
// assignments and opens a pieceProgress + first-block request for each.
// It returns false if zero new indices were handed out.
func (w *Worker) requestNewPieces() bool {
	gotOne := false
	var requested []string

	for i := 0; i < requestOnce; i++ {
		idx := w.coord.RequestPieceIndex(w.peerID)
		if idx == nil {
			break
		}
		if _, already := w.outstanding[*idx]; already {
			break
		}

		size := w.desc.PieceSize(*idx)
		pp := newPieceProgress(*idx, size)
		w.outstanding[*idx] = pp

		if err := w.sendRequest(uint32(*idx), 0, pp.blockLength(0)); err != nil {
			delete(w.outstanding, *idx)
			log.Printf("[FAIL]\tpeer %s: requesting piece %d: %v\n", w.addr, *idx, err)
			break
		}

		progress.Publish(w.events, progress.Event{Kind: progress.PieceRequested, PieceIndex: *idx})
		requested = append(requested, strconv.Itoa(*idx))
		gotOne = true
	}

	if gotOne {
		progress.Publish(w.events, progress.Event{
			Kind:   progress.PeerUpdate,
			PeerID: w.idString(),
			Task:   "requesting index " + strings.Join(requested, ","),
			Choked: false,
		})
	}

	return gotOne
}

func (w *Worker) handleChoke() bool {
	w.coord.PeerChoked(w.peerID)
	for idx := range w.outstanding {
		w.coord.PieceFailed(w.peerID, idx)
	}
	w.outstanding = make(map[int]*pieceProgress)

	progress.Publish(w.events, progress.Event{Kind: progress.PeerUpdate, PeerID: w.idString(), Task: "choked", Choked: true})

	if err := w.awaitUnchoke(); err != nil {
		log.Printf("[FAIL]\tpeer %s: did not unchoke in time: %v\n", w.addr, err)
		return false
	}

	w.coord.PeerUnchoke(w.peerID)
	progress.Publish(w.events, progress.Event{Kind: progress.PeerUpdate, PeerID: w.idString(), Task: "unchoked", Choked: false})
	return true
}

func (w *Worker) handlePiece(payload []byte) {
	index, begin, block, ok := wire.ParsePiece(payload)
	if !ok {
		return
	}

	pp, exists := w.outstanding[int(index)]
	if !exists {
		return // cancelled, or already completed by another worker in endgame
	}

	if !pp.storeBlock(begin, block) {
		return
	}

	if pp.complete() {
		w.finishPiece(pp)
		return
	}

	w.requestNextBlock(pp)
}

func (w *Worker) finishPiece(pp *pieceProgress) {
	delete(w.outstanding, pp.index)

	if !pp.verify(w.desc.PieceHashes[pp.index]) {
		w.coord.PieceFailed(w.peerID, pp.index)
		return
	}

	if err := w.layout.WritePiece(pp.index, pp.buf); err != nil {
		if w.onFatalIO != nil {
			w.onFatalIO(err)
		}
		return
	}

	w.coord.PieceDone(w.peerID, pp.index)
	progress.Publish(w.events, progress.Event{Kind: progress.PieceCompleted, PieceIndex: pp.index})
}

// requestNextBlock re-requests the lowest still-missing block, unless
// another worker has finished this piece in the meantime (endgame),
// in which case the request is cancelled and the progress dropped.
func (w *Worker) requestNextBlock(pp *pieceProgress) {
	missing := pp.firstMissingBlock()
	if missing < 0 {
		return
	}

	begin := uint32(missing) * wire.BlockLen
	length := pp.blockLength(missing)

	if w.coord.RequestPieceStatus(pp.index) == coordinator.Done {
		w.sendCancel(uint32(pp.index), begin, length)
		delete(w.outstanding, pp.index)
		return
	}

	progress.Publish(w.events, progress.Event{Kind: progress.PieceDownloading, PieceIndex: pp.index})

	if err := w.sendRequest(uint32(pp.index), begin, length); err != nil {
		log.Printf("[FAIL]\tpeer %s: re-requesting piece %d: %v\n", w.addr, pp.index, err)
	}
}

func (w *Worker) sendRequest(index, begin, length uint32) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer w.conn.SetWriteDeadline(time.Time{})
	return wire.Write(w.conn, wire.Request(index, begin, length))
}

func (w *Worker) sendCancel(index, begin, length uint32) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer w.conn.SetWriteDeadline(time.Time{})
	return wire.Write(w.conn, wire.Cancel(index, begin, length))
}
