package p2p

import (
	"testing"

	"github.com/callistan/riptide/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

func TestParsePiece(t *testing.T) {
	block := []byte{0xde, 0xad, 0xbe, 0xef}

	parsed, err := ParsePiece(NewPiece(3, 16384, block))

	assert.Nil(t, err)
	assert.Equal(t, models.Block{Index: 3, Begin: 16384, Data: block}, parsed)
}

func TestParsePieceRejectsShortPayload(t *testing.T) {
	_, err := ParsePiece(&models.PeerMessage{ID: models.MessageIDPiece, Payload: []byte{0x00}})
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestParseRequest(t *testing.T) {
	index, begin, length, err := ParseRequest(NewRequest(2, 32768, 16384))

	assert.Nil(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 32768, begin)
	assert.Equal(t, 16384, length)
}

func TestParseRequestAcceptsCancel(t *testing.T) {
	index, begin, length, err := ParseRequest(NewCancel(2, 32768, 16384))

	assert.Nil(t, err)
	assert.Equal(t, 2, index)
	assert.Equal(t, 32768, begin)
	assert.Equal(t, 16384, length)
}

func TestParseBitfield(t *testing.T) {
	bf := NewBitfield(10)
	bf.SetPiece(0)
	bf.SetPiece(9)

	parsed, err := ParseBitfield(NewBitfieldMessage(bf), 10)

	assert.Nil(t, err)
	assert.True(t, parsed.HasPiece(0))
	assert.True(t, parsed.HasPiece(9))
	assert.False(t, parsed.HasPiece(5))
}

func TestParseBitfieldRejectsWrongLength(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "too short", payload: []byte{0x00}},
		{name: "too long", payload: []byte{0x00, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBitfield(&models.PeerMessage{ID: models.MessageIDBitfield, Payload: tt.payload}, 10)
			assert.ErrorIs(t, err, ErrProtocolViolation)
		})
	}
}

func TestParseBitfieldRejectsSpareBits(t *testing.T) {
	// 10 pieces leave 6 spare bits in the second byte, none may be set
	_, err := ParseBitfield(&models.PeerMessage{ID: models.MessageIDBitfield, Payload: []byte{0x00, 0x01}}, 10)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestBitfield(t *testing.T) {
	bf := NewBitfield(10)

	assert.Len(t, bf, 2)
	assert.False(t, bf.HasPiece(4))

	bf.SetPiece(4)
	bf.SetPiece(9)

	assert.True(t, bf.HasPiece(4))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(0))
	assert.False(t, bf.HasPiece(100), "out of range index must not panic")
}
