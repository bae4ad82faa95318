package models

import (
	"errors"
	"fmt"
)

// ErrInvalidMetainfo indicates a torrent file with missing or mistyped
// required keys.
var ErrInvalidMetainfo = errors.New("invalid metainfo")

// Metafile is the parsed .torrent description. It is built once at session
// start and read-only afterwards.
type Metafile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	URLList      []string   `bencode:"url-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string     `bencode:"comment"`
	CreatedBy    string     `bencode:"created by"`
	Info         Info       `bencode:"info"`
	InfoHash     Hash       `bencode:"-"`
}

type Info struct {
	Name         string `bencode:"name"`
	Length       int    `bencode:"length"`
	PieceLength  int    `bencode:"piece length"`
	Pieces       string `bencode:"pieces"`
	PiecesHashes []Hash `bencode:"-"`
	Files        []File `bencode:"files,omitempty"`
}

type File struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Validate checks the required metainfo keys and the piece-hash invariants.
func (m Metafile) Validate() error {
	if m.Announce == "" && len(m.AnnounceList) == 0 && len(m.WebSeedURLs()) == 0 {
		return fmt.Errorf("%w: no announce url and no web seed", ErrInvalidMetainfo)
	}
	if m.Info.Name == "" {
		return fmt.Errorf("%w: missing info.name", ErrInvalidMetainfo)
	}
	if m.Info.PieceLength <= 0 {
		return fmt.Errorf("%w: missing info.piece length", ErrInvalidMetainfo)
	}
	if len(m.Info.Pieces) == 0 {
		return fmt.Errorf("%w: missing info.pieces", ErrInvalidMetainfo)
	}
	if len(m.Info.Pieces)%20 != 0 {
		return fmt.Errorf("%w: pieces length %d is not a multiple of 20", ErrInvalidMetainfo, len(m.Info.Pieces))
	}
	if m.Info.Length == 0 && len(m.Info.Files) == 0 {
		return fmt.Errorf("%w: missing info.length and info.files", ErrInvalidMetainfo)
	}

	total := m.TotalLength()
	count := len(m.Info.Pieces) / 20
	lastPiece := total - (count-1)*m.Info.PieceLength
	if lastPiece <= 0 || lastPiece > m.Info.PieceLength {
		return fmt.Errorf("%w: total length %d does not match %d pieces of %d bytes", ErrInvalidMetainfo, total, count, m.Info.PieceLength)
	}

	return nil
}

// TotalLength is the combined byte length of all files in the torrent.
func (m Metafile) TotalLength() int {
	if m.Info.Length > 0 {
		return m.Info.Length
	}
	total := 0
	for _, f := range m.Info.Files {
		total += f.Length
	}
	return total
}

// PieceCount returns ceil(total length / piece length).
func (m Metafile) PieceCount() int {
	total := m.TotalLength()
	return (total + m.Info.PieceLength - 1) / m.Info.PieceLength
}

// PieceSize returns the byte length of the piece at index. Only the last
// piece may be shorter than the piece length.
func (m Metafile) PieceSize(index int) int {
	begin := index * m.Info.PieceLength
	left := m.TotalLength() - begin
	return min(left, m.Info.PieceLength)
}

// AnnounceTiers flattens announce and announce-list into ordered announce
// URL tiers, deduplicated, primary announce first.
func (m Metafile) AnnounceTiers() []string {
	seen := make(map[string]struct{})
	urls := make([]string, 0, 1+len(m.AnnounceList))
	if m.Announce != "" {
		urls = append(urls, m.Announce)
		seen[m.Announce] = struct{}{}
	}
	for _, tier := range m.AnnounceList {
		for _, announce := range tier {
			if _, ok := seen[announce]; ok {
				continue
			}
			urls = append(urls, announce)
			seen[announce] = struct{}{}
		}
	}
	return urls
}

// WebSeedURLs returns the usable url-list entries: HTTP servers that carry
// the complete payload and can be fetched from directly.
func (m Metafile) WebSeedURLs() []string {
	urls := make([]string, 0, len(m.URLList))
	for _, u := range m.URLList {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

type Hash struct {
	Hash []byte
}

func (h Hash) String() string {
	return string(h.Hash)
}

// Equal compares two hashes byte for byte.
func (h Hash) Equal(other Hash) bool {
	return string(h.Hash) == string(other.Hash)
}
