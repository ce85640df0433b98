// Package metainfo decodes a .torrent file into the immutable Descriptor
// the engine consumes. Metainfo decoding is an external collaborator to
// the download engine (it does not perform announces or piece transfer),
// but the module needs one to run end to end.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// FileEntry is one file of a multi-file payload, or the synthesized single
// entry for a single-file payload.
type FileEntry struct {
	Length int64
	Path   []string // relative path components, empty for single-file
}

// Descriptor is the immutable, fully-resolved view of a .torrent file.
// It is shared by reference across all peer workers; nothing mutates it
// after Load returns.
type Descriptor struct {
	Announce     string
	AnnounceList []string // first entry of each announce-list tier, in order
	Name         string
	PieceLength  int64
	PieceHashes  [][20]byte
	NumPieces    int
	TotalSize    int64
	Files        []FileEntry
	MultiFile    bool
	InfoHash     [20]byte
}

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Load reads and decodes the .torrent file at path into a Descriptor.
func Load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locating info dict: %w", err)
	}

	if len(raw.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(raw.Info.Pieces))
	}

	numPieces := len(raw.Info.Pieces) / 20
	hashes := make([][20]byte, numPieces)
	for i := range hashes {
		copy(hashes[i][:], raw.Info.Pieces[i*20:(i+1)*20])
	}

	d := &Descriptor{
		Announce:    raw.Announce,
		Name:        raw.Info.Name,
		PieceLength: raw.Info.PieceLength,
		PieceHashes: hashes,
		NumPieces:   numPieces,
		InfoHash:    sha1.Sum(infoBytes),
	}

	for _, tier := range raw.AnnounceList {
		if len(tier) > 0 && tier[0] != "" {
			d.AnnounceList = append(d.AnnounceList, tier[0])
		}
	}

	if len(raw.Info.Files) == 0 {
		d.MultiFile = false
		d.TotalSize = raw.Info.Length
		d.Files = []FileEntry{{Length: raw.Info.Length}}
	} else {
		d.MultiFile = true
		for _, f := range raw.Info.Files {
			d.Files = append(d.Files, FileEntry{Length: f.Length, Path: f.Path})
			d.TotalSize += f.Length
		}
	}

	return d, nil
}

// PieceSize returns the length of piece i, accounting for a short last
// piece.
func (d *Descriptor) PieceSize(i int) int64 {
	if i == d.NumPieces-1 {
		size := d.TotalSize - int64(i)*d.PieceLength
		if size > 0 {
			return size
		}
	}
	return d.PieceLength
}

// extractInfoBytes locates the byte range of the bencoded "info" value in
// the raw .torrent data so its SHA-1 can be taken over the exact source
// bytes rather than a re-encoding, per the protocol's identity
// requirement.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}

	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at %d-%d", i, j)
					}
					i = j + length
				}
			}
		}
	}

	return nil, fmt.Errorf("unterminated info dict")
}
