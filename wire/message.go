// Package wire implements the BitTorrent peer wire protocol: the
// handshake record, the length-prefixed message framing, and the
// MSB-first bitfield encoding. It has no knowledge of piece state,
// tracker URLs, or file layout — purely codec.
package wire

import (
	"encoding/binary"
	"io"
)

// MessageID identifies a framed peer message. Unknown ids are read and
// ignored by the caller rather than rejected here.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

// BlockLen is the fixed stride of a block request, per protocol
// convention.
const BlockLen = 16384

// Message is a single framed peer message. A nil Message (returned
// alongside a nil error) denotes a keep-alive: zero length, no id, no
// payload.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m to its length-prefixed wire form.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4) // keep-alive: length prefix of zero
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// Write frames and writes m (nil for a keep-alive) to w.
func Write(w io.Writer, m *Message) error {
	_, err := w.Write(m.Serialize())
	if err != nil {
		return &ConnectionLostError{Op: "write message", Err: err}
	}
	return nil
}

// Read deframes one message from r. It returns (nil, nil) for a
// keep-alive. Unknown message ids are returned to the caller rather than
// rejected — only framing errors are protocol errors here.
func Read(r io.Reader) (*Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, &ConnectionLostError{Op: "read length prefix", Err: err}
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}

	// A generous ceiling protects against a malicious peer claiming an
	// absurd length; legitimate pieces are bounded by BlockLen+9.
	const maxMessageLen = 1 << 20
	if length > maxMessageLen {
		return nil, &ProtocolError{Msg: "message length exceeds sane maximum"}
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &ConnectionLostError{Op: "read message body", Err: err}
	}

	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

// Interested builds an interested message.
func Interested() *Message { return &Message{ID: MsgInterested} }

// Choke builds a choke message.
func Choke() *Message { return &Message{ID: MsgChoke} }

// Request builds a block request message for (index, begin, length).
func Request(index, begin, length uint32) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], index)
	binary.BigEndian.PutUint32(payload[4:8], begin)
	binary.BigEndian.PutUint32(payload[8:12], length)
	return &Message{ID: MsgRequest, Payload: payload}
}

// Cancel builds a cancel message with the same shape as Request.
func Cancel(index, begin, length uint32) *Message {
	m := Request(index, begin, length)
	m.ID = MsgCancel
	return m
}

// ParseHave decodes a have message's 4-byte piece index payload.
func ParseHave(payload []byte) (int, bool) {
	if len(payload) < 4 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(payload[0:4])), true
}

// ParsePiece decodes a piece message's index/begin/block fields.
func ParsePiece(payload []byte) (index, begin uint32, block []byte, ok bool) {
	if len(payload) < 8 {
		return 0, 0, nil, false
	}
	index = binary.BigEndian.Uint32(payload[0:4])
	begin = binary.BigEndian.Uint32(payload[4:8])
	block = payload[8:]
	return index, begin, block, true
}
