// Package layout maps a piece index to one or more file-byte ranges and
// performs the positioned writes that persist a verified piece to disk.
// It is grounded on the teacher's torrent.BuildFileInfo/StartDownload
// write path and on original_source/async_torrent/src/files.rs for the
// preallocation behavior.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/lvbealr/leecher/metainfo"
)

// file is one on-disk file with its offset in the logical, concatenated
// payload.
type file struct {
	path   string
	offset int64
	length int64
	handle *os.File
}

// Layout owns one open, read-write handle per file. Handles are shared
// across all peer workers: concurrent positioned writes are safe because
// the coordinator's reservation uniqueness guarantees non-overlapping
// byte ranges for a given piece (invariants I1 and I4).
type Layout struct {
	root        string
	pieceLength int64
	totalSize   int64
	files       []file
}

// IOError reports a failure to create, truncate, or write a payload file.
// Per spec.md §7 this class of error is fatal to the engine.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("layout: %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// New preallocates every file named by d under root and returns a Layout
// ready to accept piece writes.
//
// Per spec.md §9 Open Question (a), info.name denotes a containing
// directory for multi-file payloads and a bare filename for single-file
// ones.
func New(d *metainfo.Descriptor, root string) (*Layout, error) {
	l := &Layout{root: root, pieceLength: d.PieceLength, totalSize: d.TotalSize}

	baseDir := root
	if d.MultiFile {
		baseDir = filepath.Join(root, d.Name)
	}

	offset := int64(0)
	for _, fe := range d.Files {
		var path string
		if d.MultiFile {
			parts := append([]string{baseDir}, fe.Path...)
			path = filepath.Join(parts...)
		} else {
			path = filepath.Join(root, d.Name)
		}

		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &IOError{Path: path, Err: err}
			}
		}

		// Opened read-write explicitly: per spec.md §9 Open Question (b),
		// a read-only open followed by a positional write fails on some
		// platforms.
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, &IOError{Path: path, Err: err}
		}

		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return nil, &IOError{Path: path, Err: err}
		}

		l.files = append(l.files, file{path: path, offset: offset, length: fe.Length, handle: f})
		offset += fe.Length
	}

	return l, nil
}

// Close closes every open file handle.
func (l *Layout) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.handle.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WritePiece writes b, the verified bytes of piece index, into the
// underlying files at their correct byte ranges. Bytes beyond the
// declared total payload size (an over-long final piece) are silently
// discarded.
func (l *Layout) WritePiece(index int, b []byte) error {
	globalOffset := int64(index) * l.pieceLength
	remaining := b

	for i := range l.files {
		f := &l.files[i]
		fileEnd := f.offset + f.length

		if globalOffset >= fileEnd {
			continue // entirely before this file's range
		}
		if len(remaining) == 0 {
			break
		}

		writeAt := globalOffset - f.offset
		available := f.length - writeAt
		if available <= 0 {
			continue
		}

		n := int64(len(remaining))
		if n > available {
			n = available
		}

		if _, err := f.handle.WriteAt(remaining[:n], writeAt); err != nil {
			return &IOError{Path: f.path, Err: err}
		}

		remaining = remaining[n:]
		globalOffset += n
	}

	return nil
}

// ReadPiece reads back the bytes written for piece index, for use in
// round-trip verification and tests. size is the expected piece length
// (short for the last piece).
func (l *Layout) ReadPiece(index int, size int64) ([]byte, error) {
	out := make([]byte, size)
	globalOffset := int64(index) * l.pieceLength
	remaining := out

	for i := range l.files {
		f := &l.files[i]
		fileEnd := f.offset + f.length

		if globalOffset >= fileEnd {
			continue
		}
		if len(remaining) == 0 {
			break
		}

		readAt := globalOffset - f.offset
		available := f.length - readAt
		if available <= 0 {
			continue
		}

		n := int64(len(remaining))
		if n > available {
			n = available
		}

		if _, err := f.handle.ReadAt(remaining[:n], readAt); err != nil {
			return nil, &IOError{Path: f.path, Err: err}
		}

		remaining = remaining[n:]
		globalOffset += n
	}

	return out, nil
}
