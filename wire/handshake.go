package wire

import (
	"fmt"
	"io"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed length of a handshake record on the wire.
const HandshakeLen = 68

// Handshake is the 68-byte record exchanged before any framed message:
// 1 byte protocol-name length, 19 bytes protocol name, 8 reserved bytes,
// 20 bytes info hash, 20 bytes peer id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake to its wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(protocolName))
	copy(buf[1:20], protocolName)
	// bytes 20:28 stay zero (reserved)
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// WriteHandshake serializes and writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Serialize())
	return err
}

// ReadHandshake reads a 68-byte handshake from r and validates it against
// wantInfoHash. The remote peer id is returned but never itself validated,
// per protocol convention.
func ReadHandshake(r io.Reader, wantInfoHash [20]byte) (Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, &ConnectionLostError{Op: "read handshake", Err: err}
	}

	if buf[0] != byte(len(protocolName)) || string(buf[1:20]) != protocolName {
		return Handshake{}, &ProtocolError{Msg: "invalid handshake protocol header"}
	}

	var h Handshake
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])

	if h.InfoHash != wantInfoHash {
		return Handshake{}, &ProtocolError{Msg: fmt.Sprintf("info hash mismatch: got %x want %x", h.InfoHash, wantInfoHash)}
	}

	return h, nil
}
