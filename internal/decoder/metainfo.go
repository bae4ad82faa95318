package decoder

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/callistan/riptide/internal/shared/models"
	"github.com/zeebo/bencode"
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type metafileDecoder struct{}

func NewDecoder() MetafileDecoder {
	return metafileDecoder{}
}

// serialization struct representing the structure of a .torrent file.
// Info is parsed as a RawMessage so the info-hash is computed over the
// exact bytes of the source encoding; re-encoding through our own codec
// could drift from what the tracker and peers expect.
type bencodeTorrent struct {
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	URLList      bencode.RawMessage `bencode:"url-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Info         bencode.RawMessage `bencode:"info"`
}

// decodeURLList accepts both url-list encodings in the wild: a list of
// strings or a single bare string.
func decodeURLList(raw bencode.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []string
	if err := bencode.DecodeBytes(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := bencode.DecodeBytes(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: malformed url-list", models.ErrInvalidMetainfo)
	}
	return []string{single}, nil
}

func (metafileDecoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var meta models.Metafile
	var bt bencodeTorrent
	if err := bencode.NewDecoder(torrent).Decode(&bt); err != nil {
		return meta, fmt.Errorf("%w: %w", models.ErrInvalidMetainfo, err)
	}
	if len(bt.Info) == 0 {
		return meta, fmt.Errorf("%w: missing info dictionary", models.ErrInvalidMetainfo)
	}

	meta.Announce = bt.Announce
	meta.AnnounceList = bt.AnnounceList
	urlList, err := decodeURLList(bt.URLList)
	if err != nil {
		return meta, err
	}
	meta.URLList = urlList
	meta.CreationDate = bt.CreationDate
	meta.Comment = bt.Comment
	meta.CreatedBy = bt.CreatedBy
	meta.InfoHash = calculateInfoHash(bt.Info)
	if err := bencode.DecodeBytes(bt.Info, &meta.Info); err != nil {
		return meta, fmt.Errorf("%w: %w", models.ErrInvalidMetainfo, err)
	}

	if err := meta.Validate(); err != nil {
		return meta, err
	}
	meta.Info.PiecesHashes = slicePiecesHashes(meta.Info.Pieces)

	return meta, nil
}

// calculateInfoHash is the SHA1 over the original info sub-dictionary
// bytes. It is computed once here and never recomputed.
func calculateInfoHash(info []byte) models.Hash {
	sum := sha1.Sum(info)
	return models.Hash{Hash: sum[:]}
}

// slicePiecesHashes splits the concatenated pieces field into 20-byte
// hashes. Validate already checked the length is a multiple of 20.
func slicePiecesHashes(pieces string) []models.Hash {
	hashes := make([]models.Hash, 0, len(pieces)/20)
	for off := 0; off < len(pieces); off += 20 {
		hashes = append(hashes, models.Hash{Hash: []byte(pieces[off : off+20])})
	}
	return hashes
}
