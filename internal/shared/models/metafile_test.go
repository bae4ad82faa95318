package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func validMetafile(totalLength, pieceLength, pieceCount int) Metafile {
	return Metafile{
		Announce: "http://tracker.example.com",
		Info: Info{
			Name:        "test.iso",
			Length:      totalLength,
			PieceLength: pieceLength,
			Pieces:      strings.Repeat("01234567891011121314", pieceCount),
		},
	}
}

func TestPieceIndexing(t *testing.T) {
	var tests = []struct {
		name          string
		totalLength   int
		pieceLength   int
		wantPieces    int
		wantLastPiece int
	}{
		{
			name:          "even split",
			totalLength:   1048576,
			pieceLength:   262144,
			wantPieces:    4,
			wantLastPiece: 262144,
		},
		{
			name:          "short last piece",
			totalLength:   1000000,
			pieceLength:   262144,
			wantPieces:    4,
			wantLastPiece: 213568,
		},
		{
			name:          "single piece",
			totalLength:   16384,
			pieceLength:   262144,
			wantPieces:    1,
			wantLastPiece: 16384,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := validMetafile(tt.totalLength, tt.pieceLength, tt.wantPieces)
			assert.Equal(t, tt.wantPieces, m.PieceCount())
			assert.Equal(t, tt.wantLastPiece, m.PieceSize(m.PieceCount()-1))
			assert.Equal(t, tt.pieceLength, m.PieceSize(0))
		})
	}
}

func TestValidate(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func() Metafile
		assert func(t *testing.T, err error)
	}{
		{
			name: "valid single file torrent",
			setup: func() Metafile {
				return validMetafile(90000, 32768, 3)
			},
			assert: func(t *testing.T, err error) {
				assert.Nil(t, err)
			},
		},
		{
			name: "valid multi file torrent",
			setup: func() Metafile {
				m := validMetafile(0, 32768, 3)
				m.Info.Files = []File{
					{Length: 40000, Path: []string{"subdir", "a.txt"}},
					{Length: 50000, Path: []string{"b.txt"}},
				}
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.Nil(t, err)
			},
		},
		{
			name: "missing announce",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 3)
				m.Announce = ""
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
		{
			name: "web seed only torrent",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 3)
				m.Announce = ""
				m.URLList = []string{"http://seed.example.com/files/"}
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.Nil(t, err)
			},
		},
		{
			name: "missing name",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 3)
				m.Info.Name = ""
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
		{
			name: "pieces not a multiple of 20",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 3)
				m.Info.Pieces += "x"
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
		{
			name: "missing length and files",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 3)
				m.Info.Length = 0
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
		{
			name: "total length disagrees with piece count",
			setup: func() Metafile {
				m := validMetafile(90000, 32768, 5)
				return m
			},
			assert: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrInvalidMetainfo)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tt.assert(t, tt.setup().Validate())
		})
	}
}

func TestAnnounceTiers(t *testing.T) {
	m := Metafile{
		Announce: "http://tracker.example.com",
		AnnounceList: [][]string{
			{"http://tracker.example.com", "udp://backup.example.com:6969"},
			{"http://third.example.com"},
		},
	}

	assert.Equal(t, []string{
		"http://tracker.example.com",
		"udp://backup.example.com:6969",
		"http://third.example.com",
	}, m.AnnounceTiers())
}

func TestWebSeedURLs(t *testing.T) {
	m := Metafile{
		URLList: []string{"http://seed1.example.com/", "", "http://seed2.example.com/files/"},
	}

	assert.Equal(t, []string{
		"http://seed1.example.com/",
		"http://seed2.example.com/files/",
	}, m.WebSeedURLs())
	assert.Empty(t, Metafile{}.WebSeedURLs())
}
