package engine

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lvbealr/leecher/metainfo"
	"github.com/lvbealr/leecher/progress"
	"github.com/lvbealr/leecher/wire"
)

// servePeer accepts exactly one connection and plays the full leecher-facing
// side of an E1-shaped download: handshake, bitfield, unchoke, then answer
// whatever block requests arrive with data.
func servePeer(t *testing.T, ln net.Listener, infoHash [20]byte, data []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := wire.ReadHandshake(conn, infoHash); err != nil {
		return
	}
	if err := wire.WriteHandshake(conn, wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{1}}); err != nil {
		return
	}

	if err := wire.Write(conn, &wire.Message{ID: wire.MsgBitfield, Payload: []byte{0x80}}); err != nil {
		return
	}
	if err := wire.Write(conn, &wire.Message{ID: wire.MsgUnchoke}); err != nil {
		return
	}

	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		msg, err := wire.Read(conn)
		if err != nil {
			return
		}
		if msg == nil || msg.ID != wire.MsgRequest {
			continue
		}
		index := binary.BigEndian.Uint32(msg.Payload[0:4])
		begin := binary.BigEndian.Uint32(msg.Payload[4:8])
		length := binary.BigEndian.Uint32(msg.Payload[8:12])

		payload := make([]byte, 8+length)
		binary.BigEndian.PutUint32(payload[0:4], index)
		binary.BigEndian.PutUint32(payload[4:8], begin)
		copy(payload[8:], data[begin:begin+length])

		if err := wire.Write(conn, &wire.Message{ID: wire.MsgPiece, Payload: payload}); err != nil {
			return
		}
	}
}

// TestRunSingleFileOnePiece drives the full engine against a real HTTP
// tracker stub and a real TCP peer listener, exercising tracker announce,
// coordinator assignment, peer worker, and file persistence together.
func TestRunSingleFileOnePiece(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	hash := sha1.Sum(data)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	desc := &metainfo.Descriptor{
		Name:        "payload.bin",
		PieceLength: 1024,
		TotalSize:   1024,
		NumPieces:   1,
		PieceHashes: [][20]byte{hash},
		Files:       []metainfo.FileEntry{{Length: 1024}},
	}

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	port := uint16(portNum)

	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		compact := []byte{127, 0, 0, 1, byte(port >> 8), byte(port)}
		w.Write([]byte("d8:intervali900e5:peers6:" + string(compact) + "e"))
	}))
	defer tracker.Close()

	desc.Announce = tracker.URL

	go servePeer(t, ln, desc.InfoHash, data)

	dir := t.TempDir()
	events := progress.NewSink(64)
	go func() {
		for range events {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = Run(ctx, desc, Config{OutputDir: dir, MaxPeers: 1}, events)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}
