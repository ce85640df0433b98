package peerconn

import (
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/leecher/coordinator"
	"github.com/lvbealr/leecher/layout"
	"github.com/lvbealr/leecher/metainfo"
	"github.com/lvbealr/leecher/progress"
	"github.com/lvbealr/leecher/wire"
)

// newPipedWorker returns a Worker wired to one end of an in-memory
// net.Pipe, and the other end for a test to script as a mock remote peer.
func newPipedWorker(t *testing.T, desc *metainfo.Descriptor, coord *coordinator.Coordinator, dir string, onFatal func(error)) (*Worker, net.Conn) {
	t.Helper()
	fl, err := layout.New(desc, dir)
	require.NoError(t, err)
	t.Cleanup(func() { fl.Close() })

	if onFatal == nil {
		onFatal = func(err error) { t.Fatalf("unexpected fatal IO error: %v", err) }
	}

	events := progress.NewSink(64)
	w := New("mock-peer", desc, coord, fl, events, onFatal)

	clientSide, peerSide := net.Pipe()

	go w.runConn(context.Background(), clientSide)

	return w, peerSide
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	total := 0
	for total < n {
		m, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += m
	}
	return buf
}

func readRemoteHandshake(t *testing.T, conn net.Conn) wire.Handshake {
	t.Helper()
	buf := readFull(t, conn, wire.HandshakeLen)
	var h wire.Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h
}

func sendRemoteHandshake(t *testing.T, conn net.Conn, infoHash [20]byte) {
	t.Helper()
	require.NoError(t, wire.WriteHandshake(conn, wire.Handshake{InfoHash: infoHash, PeerID: coordinator.PeerID{9, 9}}))
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestE1SingleFileOnePiece: a 1024-byte single-piece payload delivered in
// one piece message after bitfield+unchoke.
func TestE1SingleFileOnePiece(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 1024) // zero bytes
	hash := sha1.Sum(data)

	desc := &metainfo.Descriptor{
		Name:        "payload.bin",
		PieceLength: 1024,
		TotalSize:   1024,
		NumPieces:   1,
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.FileEntry{{Length: 1024}},
	}

	coord := coordinator.New(1, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	_, peerSide := newPipedWorker(t, desc, coord, dir, nil)
	defer peerSide.Close()

	readRemoteHandshake(t, peerSide)
	sendRemoteHandshake(t, peerSide, desc.InfoHash)

	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgBitfield, Payload: []byte{0x80}}))
	interested, err := wire.Read(peerSide)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInterested, interested.ID)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgUnchoke}))

	req, err := wire.Read(peerSide)
	require.NoError(t, err)
	require.Equal(t, wire.MsgRequest, req.ID)

	payload := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, data...)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgPiece, Payload: payload}))

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never reported done")
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestE2SingleFileMultiBlock: 40960-byte payload, piece length 40960, so
// three 16384/16384/8192 blocks; verifies request begin/length sequence
// and final content.
func TestE2SingleFileMultiBlock(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 40960)
	for i := range data {
		data[i] = byte(i % 251)
	}
	hash := sha1.Sum(data)

	desc := &metainfo.Descriptor{
		Name:        "payload.bin",
		PieceLength: 40960,
		TotalSize:   40960,
		NumPieces:   1,
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.FileEntry{{Length: 40960}},
	}

	coord := coordinator.New(1, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	_, peerSide := newPipedWorker(t, desc, coord, dir, nil)
	defer peerSide.Close()

	readRemoteHandshake(t, peerSide)
	sendRemoteHandshake(t, peerSide, desc.InfoHash)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgBitfield, Payload: []byte{0x80}}))
	interested, err := wire.Read(peerSide)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInterested, interested.ID)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgUnchoke}))

	wantBlocks := [][2]uint32{{0, 16384}, {16384, 16384}, {32768, 8192}}

	for _, wb := range wantBlocks {
		req, err := wire.Read(peerSide)
		require.NoError(t, err)
		require.Equal(t, wire.MsgRequest, req.ID)

		index, begin, length, ok := parseRequest(req.Payload)
		require.True(t, ok)
		require.Equal(t, uint32(0), index)
		require.Equal(t, wb[0], begin)
		require.Equal(t, wb[1], length)

		block := data[begin : begin+length]
		payload := make([]byte, 8+len(block))
		putU32(payload[0:4], index)
		putU32(payload[4:8], begin)
		copy(payload[8:], block)
		require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgPiece, Payload: payload}))
	}

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never reported done")
	}

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestE4HashFailureRecovery: a corrupted last block causes PieceFailed and
// the piece returns to Free while the peer worker stays alive to try
// again.
func TestE4HashFailureRecovery(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 32768)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	desc := &metainfo.Descriptor{
		Name:        "payload.bin",
		PieceLength: 32768,
		TotalSize:   32768 * 4,
		NumPieces:   4,
		PieceHashes: [][20]byte{{}, {}, {}, hash},
		Files:       []metainfo.FileEntry{{Length: 32768 * 4}},
	}

	coord := coordinator.New(4, 256)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go coord.Run(ctx)

	// Register a second peer id directly alongside the worker. It holds no
	// pieces; piece 3's status is read below through RequestPieceStatus,
	// which needs no peer.
	peerTwo := coordinator.PeerID{2}
	coord.PeerRegister(peerTwo)

	_, peerSide := newPipedWorker(t, desc, coord, dir, nil)
	defer peerSide.Close()

	readRemoteHandshake(t, peerSide)
	sendRemoteHandshake(t, peerSide, desc.InfoHash)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgBitfield, Payload: []byte{0x10}})) // only bit 3 (piece index 3)
	interested, err := wire.Read(peerSide)
	require.NoError(t, err)
	require.Equal(t, wire.MsgInterested, interested.ID)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgUnchoke}))

	req, err := wire.Read(peerSide)
	require.NoError(t, err)
	index, begin, length, ok := parseRequest(req.Payload)
	require.True(t, ok)
	require.EqualValues(t, 3, index)
	require.EqualValues(t, 0, begin)
	require.EqualValues(t, 16384, length)

	block1 := data[0:16384]
	payload1 := append(append([]byte{}, req.Payload[0:8]...), block1...)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgPiece, Payload: payload1}))

	req2, err := wire.Read(peerSide)
	require.NoError(t, err)
	_, begin2, _, _ := parseRequest(req2.Payload)
	require.EqualValues(t, 16384, begin2)

	corrupted := make([]byte, 16384) // wrong content
	payload2 := make([]byte, 8+len(corrupted))
	putU32(payload2[0:4], 3)
	putU32(payload2[4:8], 16384)
	copy(payload2[8:], corrupted)
	require.NoError(t, wire.Write(peerSide, &wire.Message{ID: wire.MsgPiece, Payload: payload2}))

	eventually(t, time.Second, func() bool {
		return coord.RequestPieceStatus(3) == coordinator.Free
	})
}

func parseRequest(payload []byte) (index, begin, length uint32, ok bool) {
	if len(payload) < 12 {
		return 0, 0, 0, false
	}
	return beU32(payload[0:4]), beU32(payload[4:8]), beU32(payload[8:12]), true
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
