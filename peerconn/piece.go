package peerconn

import (
	"crypto/sha1"

	"github.com/lvbealr/leecher/wire"
)

// pieceProgress tracks the in-flight reassembly of one piece: the target
// buffer, a per-block received bitmap (stride wire.BlockLen), and a
// running count used to detect completion without scanning the bitmap.
// It lives solely in the worker that opened it — the coordinator never
// sees these bytes (spec.md §9).
type pieceProgress struct {
	index    int
	size     int64
	buf      []byte
	received []bool
	count    int
}

func newPieceProgress(index int, size int64) *pieceProgress {
	numBlocks := (size + wire.BlockLen - 1) / wire.BlockLen
	return &pieceProgress{
		index:    index,
		size:     size,
		buf:      make([]byte, size),
		received: make([]bool, numBlocks),
	}
}

// blockLength returns the length of block blockIndex within this piece,
// short for the final block.
func (p *pieceProgress) blockLength(blockIndex int) uint32 {
	begin := int64(blockIndex) * wire.BlockLen
	remaining := p.size - begin
	if remaining > wire.BlockLen {
		return wire.BlockLen
	}
	return uint32(remaining)
}

// complete reports whether every block has been received.
func (p *pieceProgress) complete() bool {
	return p.count == len(p.received)
}

// storeBlock records block begin/data into the buffer. It returns false
// if blockIndex is out of range (the message is ignored by the caller).
func (p *pieceProgress) storeBlock(begin uint32, data []byte) bool {
	blockIndex := int(begin) / wire.BlockLen
	if blockIndex < 0 || blockIndex >= len(p.received) {
		return false
	}

	if !p.received[blockIndex] {
		p.received[blockIndex] = true
		p.count++
	}

	end := int(begin) + len(data)
	if end > len(p.buf) {
		end = len(p.buf)
	}
	if int(begin) < end {
		copy(p.buf[begin:end], data)
	}

	return true
}

// firstMissingBlock returns the index of the lowest unreceived block, or
// -1 if none remain.
func (p *pieceProgress) firstMissingBlock() int {
	for i, got := range p.received {
		if !got {
			return i
		}
	}
	return -1
}

// verify hashes the assembled buffer and compares it to want.
func (p *pieceProgress) verify(want [20]byte) bool {
	return sha1.Sum(p.buf) == want
}
