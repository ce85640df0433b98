// Package coordinator implements the central piece coordinator: a
// single-writer state machine, run in its own goroutine, that owns every
// piece's reservation state and hands indices out to peer workers without
// conflict. It is grounded on
// original_source/async_torrent/src/central_manager.rs's CentralManager
// actor, translated from tokio mpsc/oneshot channels into Go channels.
package coordinator

import (
	"context"

	"github.com/lvbealr/leecher/wire"
)

// PeerID is the 20-byte ephemeral identifier a peer worker generates for
// itself.
type PeerID [20]byte

// Status is a piece's place in its lifecycle: Free, Reserved, or Done.
type Status int

const (
	Free Status = iota
	Reserved
	Done
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Reserved:
		return "reserved"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// endgameThreshold is the completion fraction (spec.md §4.4) past which
// the assignment policy switches to allowing duplicate, non-exclusive
// downloads of the remaining pieces.
const endgameThreshold = 0.98

type pieceRecord struct {
	status Status
	owner  PeerID
}

type peerRecord struct {
	choked      bool
	bitfield    wire.Bitfield
	outstanding int
}

// Coordinator owns the piece-state vector and the peer-record map. All
// mutation happens inside Run's receive loop; every exported method only
// sends a command, so the type is safe to share across goroutines without
// a lock. RequestPieceIndex and RequestPieceStatus then wait for the reply;
// the other methods return as soon as the command is queued.
type Coordinator struct {
	numPieces int
	cmds      chan command
	done      chan struct{} // closed once every piece reaches Done

	pieces []pieceRecord
	peers  map[PeerID]*peerRecord
	doneN  int
}

// New constructs a coordinator for a payload of numPieces pieces. Call Run
// in its own goroutine before issuing any commands; commandBacklog sizes
// the inbound channel (spec.md §5 suggests 256).
func New(numPieces, commandBacklog int) *Coordinator {
	return &Coordinator{
		numPieces: numPieces,
		cmds:      make(chan command, commandBacklog),
		done:      make(chan struct{}),
		pieces:    make([]pieceRecord, numPieces),
		peers:     make(map[PeerID]*peerRecord),
	}
}

// Done returns a channel that's closed once done_pieces == N (spec.md §3
// invariant 5).
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run processes commands in arrival order until ctx is cancelled or the
// command channel is closed. It has no timeouts of its own (spec.md §5).
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-c.cmds:
			if !ok {
				return
			}
			cmd.execute(c)
		}
	}
}

// Close stops accepting new commands. Safe to call once, after every
// worker has torn down.
func (c *Coordinator) Close() { close(c.cmds) }

// command is the sum type of every inbound message the coordinator's Run
// loop understands; each concrete command mutates state then, if it
// carries a reply channel, sends its result before the next command is
// popped — preserving reply-after-mutation ordering (spec.md §5).
type command interface {
	execute(c *Coordinator)
}

func (c *Coordinator) send(cmd command) {
	c.cmds <- cmd
}

// --- PeerRegister ---

type peerRegisterCmd struct {
	peer PeerID
}

func (cmd peerRegisterCmd) execute(c *Coordinator) {
	c.peers[cmd.peer] = &peerRecord{
		choked:   true,
		bitfield: wire.NewBitfield(c.numPieces),
	}
}

// PeerRegister creates a PeerRecord for peer with an empty bitfield and
// choked=true.
func (c *Coordinator) PeerRegister(peer PeerID) {
	c.send(peerRegisterCmd{peer: peer})
}

// --- SetBitfield ---

type setBitfieldCmd struct {
	peer     PeerID
	bitfield wire.Bitfield
}

func (cmd setBitfieldCmd) execute(c *Coordinator) {
	if p, ok := c.peers[cmd.peer]; ok {
		p.bitfield = cmd.bitfield
	}
}

// SetBitfield replaces peer's bitfield wholesale, used on receipt of a
// full bitfield message.
func (c *Coordinator) SetBitfield(peer PeerID, bitfield wire.Bitfield) {
	c.send(setBitfieldCmd{peer: peer, bitfield: bitfield})
}

// --- UpdateBitfield ---

type updateBitfieldCmd struct {
	peer  PeerID
	index int
}

func (cmd updateBitfieldCmd) execute(c *Coordinator) {
	if p, ok := c.peers[cmd.peer]; ok {
		p.bitfield.Set(cmd.index)
	}
}

// UpdateBitfield sets one bit of peer's bitfield (for an incoming have
// message). An out-of-range index is silently dropped by wire.Bitfield.Set.
func (c *Coordinator) UpdateBitfield(peer PeerID, index int) {
	c.send(updateBitfieldCmd{peer: peer, index: index})
}

// --- PeerUnchoke / PeerChoked ---

type peerChokeCmd struct {
	peer   PeerID
	choked bool
}

func (cmd peerChokeCmd) execute(c *Coordinator) {
	p, ok := c.peers[cmd.peer]
	if !ok {
		return
	}
	p.choked = cmd.choked
	if cmd.choked {
		c.freeReservationsOf(cmd.peer)
	}
}

// PeerUnchoke records that peer has unchoked this client.
func (c *Coordinator) PeerUnchoke(peer PeerID) { c.send(peerChokeCmd{peer: peer, choked: false}) }

// PeerChoked records that peer has choked this client, resetting every
// piece it held in Reserved back to Free.
func (c *Coordinator) PeerChoked(peer PeerID) { c.send(peerChokeCmd{peer: peer, choked: true}) }

// --- PeerDead ---

type peerDeadCmd struct {
	peer PeerID
}

func (cmd peerDeadCmd) execute(c *Coordinator) {
	c.freeReservationsOf(cmd.peer)
	delete(c.peers, cmd.peer)
}

// PeerDead releases every reservation peer held and drops its record.
func (c *Coordinator) PeerDead(peer PeerID) { c.send(peerDeadCmd{peer: peer}) }

func (c *Coordinator) freeReservationsOf(peer PeerID) {
	for i := range c.pieces {
		if c.pieces[i].status == Reserved && c.pieces[i].owner == peer {
			c.pieces[i].status = Free
			c.pieces[i].owner = PeerID{}
		}
	}
}

// --- RequestPieceIndex ---

type requestPieceIndexCmd struct {
	peer  PeerID
	reply chan *int
}

func (cmd requestPieceIndexCmd) execute(c *Coordinator) {
	p, ok := c.peers[cmd.peer]
	if !ok {
		cmd.reply <- nil
		return
	}

	if float64(c.doneN) < endgameThreshold*float64(c.numPieces) {
		for i := range c.pieces {
			if c.pieces[i].status == Free && p.bitfield.Has(i) {
				c.pieces[i].status = Reserved
				c.pieces[i].owner = cmd.peer
				idx := i
				cmd.reply <- &idx
				return
			}
		}
		cmd.reply <- nil
		return
	}

	// Endgame: allow duplicate, non-exclusive assignment of any
	// not-yet-done piece the peer has, without mutating state.
	for i := range c.pieces {
		if c.pieces[i].status != Done && p.bitfield.Has(i) {
			idx := i
			cmd.reply <- &idx
			return
		}
	}
	cmd.reply <- nil
}

// RequestPieceIndex asks the coordinator to hand out a piece assignment
// for peer, per the policy in spec.md §4.4. A nil result means no
// qualifying piece exists right now.
func (c *Coordinator) RequestPieceIndex(peer PeerID) *int {
	reply := make(chan *int, 1)
	c.send(requestPieceIndexCmd{peer: peer, reply: reply})
	return <-reply
}

// --- RequestPieceStatus ---

type requestPieceStatusCmd struct {
	index int
	reply chan Status
}

func (cmd requestPieceStatusCmd) execute(c *Coordinator) {
	if cmd.index < 0 || cmd.index >= len(c.pieces) {
		cmd.reply <- Free
		return
	}
	cmd.reply <- c.pieces[cmd.index].status
}

// RequestPieceStatus reports the current status of piece index.
func (c *Coordinator) RequestPieceStatus(index int) Status {
	reply := make(chan Status, 1)
	c.send(requestPieceStatusCmd{index: index, reply: reply})
	return <-reply
}

// --- PieceDone / PieceFailed ---

type pieceDoneCmd struct {
	peer  PeerID
	index int
}

func (cmd pieceDoneCmd) execute(c *Coordinator) {
	if cmd.index < 0 || cmd.index >= len(c.pieces) {
		return
	}
	if c.pieces[cmd.index].status == Done {
		return
	}
	c.pieces[cmd.index].status = Done
	c.doneN++
	if c.doneN == c.numPieces {
		close(c.done)
	}
}

// PieceDone transitions index to Done and, once every piece has reached
// Done, closes the channel returned by Done.
func (c *Coordinator) PieceDone(peer PeerID, index int) { c.send(pieceDoneCmd{peer: peer, index: index}) }

type pieceFailedCmd struct {
	peer  PeerID
	index int
}

func (cmd pieceFailedCmd) execute(c *Coordinator) {
	if cmd.index < 0 || cmd.index >= len(c.pieces) {
		return
	}
	if c.pieces[cmd.index].status != Done {
		c.pieces[cmd.index].status = Free
		c.pieces[cmd.index].owner = PeerID{}
	}
}

// PieceFailed returns index to Free (a hash mismatch or abandoned
// reservation). The failing peer is not blacklisted.
func (c *Coordinator) PieceFailed(peer PeerID, index int) {
	c.send(pieceFailedCmd{peer: peer, index: index})
}
