// Package metainfo parses .torrent files and exposes the fields the rest of
// the engine needs: announce URLs, piece layout, and the file list. The
// bencode struct shape and the info-hash extraction technique follow the
// torrent/torrent.go and torrent/parse.go convention of hashing the raw
// info bytes rather than a re-encoded struct.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jackpal/bencode-go"

	"BitTorrent/logging"
	"BitTorrent/storage"
)

// ErrMalformed is wrapped into every error Load returns once the file has
// been read but fails to parse as a valid BitTorrent metainfo file.
var ErrMalformed = errors.New("metainfo: malformed metainfo file")

// FileEntry is one file inside a (possibly multi-file) torrent, with the
// path components as given by the metainfo "files" list.
type FileEntry struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

type rawInfo struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length"`
	Files       []FileEntry `bencode:"files"`
	Private     int         `bencode:"private"`
}

type rawMetainfo struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Encoding     string     `bencode:"encoding"`
	Info         rawInfo    `bencode:"info"`
}

// Metainfo is a parsed .torrent descriptor.
type Metainfo struct {
	raw      rawMetainfo
	infoHash [20]byte
}

// Load reads and parses path, computing the info hash from the raw info
// dictionary bytes rather than re-bencoding the decoded struct. Round-
// tripping through a decode/re-encode can silently reorder keys and
// change the hash, so this hashes the bytes as originally found on disk.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}

	var raw rawMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decode %s: %w: %v", path, ErrMalformed, err)
	}
	if raw.Announce == "" || raw.Info.PieceLength == 0 || raw.Info.Pieces == "" || raw.Info.Name == "" {
		return nil, fmt.Errorf("metainfo: %s is missing required announce/info fields: %w", path, ErrMalformed)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: locate info dict in %s: %w: %v", path, ErrMalformed, err)
	}

	m := &Metainfo{raw: raw, infoHash: sha1.Sum(infoBytes)}
	logging.Info("parsed %s: %d pieces, info_hash %x", raw.Info.Name, m.NumPieces(), m.infoHash)
	return m, nil
}

// extractInfoBytes locates the bencoded "info" dictionary's exact byte
// range within the original file, by scanning the "4:info" key prefix and
// then depth-counting dictionaries/lists to find the matching close. This
// mirrors torrent/parse.go's extractInfoBytes.
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
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
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
						return nil, fmt.Errorf("invalid string length at byte %d", i)
					}
					i = j + length
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dict")
}

// Announce returns the primary tracker URL.
func (m *Metainfo) Announce() string { return m.raw.Announce }

// AnnounceList returns the BEP-12 tiered tracker list, or nil if absent.
func (m *Metainfo) AnnounceList() [][]string { return m.raw.AnnounceList }

// Name returns the suggested file (single-file mode) or directory
// (multi-file mode) name.
func (m *Metainfo) Name() string { return m.raw.Info.Name }

// PieceLength returns the length in bytes of every piece except possibly
// the last.
func (m *Metainfo) PieceLength() int64 { return m.raw.Info.PieceLength }

// TotalLength returns the sum of every file's length.
func (m *Metainfo) TotalLength() int64 {
	if len(m.raw.Info.Files) == 0 {
		return m.raw.Info.Length
	}
	var total int64
	for _, f := range m.raw.Info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of pieces implied by the pieces string.
func (m *Metainfo) NumPieces() int {
	return len(m.raw.Info.Pieces) / 20
}

// PieceHash returns the expected SHA-1 hash of piece index.
func (m *Metainfo) PieceHash(index int) ([20]byte, error) {
	if index < 0 || index >= m.NumPieces() {
		return [20]byte{}, fmt.Errorf("metainfo: piece index %d out of range (%d pieces)", index, m.NumPieces())
	}
	var h [20]byte
	copy(h[:], m.raw.Info.Pieces[index*20:index*20+20])
	return h, nil
}

// PieceLengthAt returns the exact length of piece index, accounting for the
// final, possibly short, piece.
func (m *Metainfo) PieceLengthAt(index int) int64 {
	begin := int64(index) * m.PieceLength()
	end := begin + m.PieceLength()
	if total := m.TotalLength(); end > total {
		end = total
	}
	return end - begin
}

// Directory returns the top-level directory name for a multi-file torrent,
// or "" for a single-file torrent.
func (m *Metainfo) Directory() string {
	if len(m.raw.Info.Files) == 0 {
		return ""
	}
	return m.raw.Info.Name
}

// Files returns the file layout with cumulative offsets already computed,
// ready to hand to storage.Open.
func (m *Metainfo) Files() []storage.FileEntry {
	if len(m.raw.Info.Files) == 0 {
		return []storage.FileEntry{{Path: m.raw.Info.Name, Length: m.raw.Info.Length, Offset: 0}}
	}
	entries := make([]storage.FileEntry, len(m.raw.Info.Files))
	var offset int64
	for i, f := range m.raw.Info.Files {
		path := m.raw.Info.Name
		for _, p := range f.Path {
			path = filepath.Join(path, p)
		}
		entries[i] = storage.FileEntry{Path: path, Length: f.Length, Offset: offset}
		offset += f.Length
	}
	return entries
}

// InfoHash returns the 20-byte SHA-1 hash identifying this torrent.
func (m *Metainfo) InfoHash() [20]byte { return m.infoHash }

// Private reports whether the private flag is set (BEP 27); the engine
// does not act on it, but a tracker/DHT layer built on top may.
func (m *Metainfo) Private() bool { return m.raw.Info.Private != 0 }
