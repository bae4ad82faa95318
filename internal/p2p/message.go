package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/callistan/riptide/internal/shared/models"
)

// Message constructors for the fixed-layout wire messages.

func NewInterested() *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDInterested}
}

func NewNotInterested() *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDNotInterested}
}

func NewChoke() *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDChoke}
}

func NewUnchoke() *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDUnchoke}
}

func NewHave(index int) *models.PeerMessage {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &models.PeerMessage{ID: models.MessageIDHave, Payload: payload}
}

func NewRequest(index, begin, length int) *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDRequest, Payload: blockPayload(index, begin, length)}
}

func NewCancel(index, begin, length int) *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDCancel, Payload: blockPayload(index, begin, length)}
}

func NewBitfieldMessage(bf Bitfield) *models.PeerMessage {
	return &models.PeerMessage{ID: models.MessageIDBitfield, Payload: bf}
}

func NewPiece(index, begin int, block []byte) *models.PeerMessage {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	copy(payload[8:], block)
	return &models.PeerMessage{ID: models.MessageIDPiece, Payload: payload}
}

func blockPayload(index, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload, uint32(index))
	binary.BigEndian.PutUint32(payload[4:], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:], uint32(length))
	return payload
}

// ParseBitfield validates a bitfield message against the torrent's piece
// count: the payload must be exactly the expected size and the spare bits
// beyond the last piece must be zero.
func ParseBitfield(msg *models.PeerMessage, pieceCount int) (Bitfield, error) {
	if msg.ID != models.MessageIDBitfield {
		return nil, fmt.Errorf("%w: expected bitfield, got %s", ErrProtocolViolation, msg.ID)
	}
	expected := (pieceCount + 7) / 8
	if len(msg.Payload) != expected {
		return nil, fmt.Errorf("%w: bitfield length %d for %d pieces", ErrProtocolViolation, len(msg.Payload), pieceCount)
	}
	bf := Bitfield(msg.Payload)
	for i := pieceCount; i < expected*8; i++ {
		if bf.HasPiece(i) {
			return nil, fmt.Errorf("%w: spare bit %d set in bitfield", ErrProtocolViolation, i)
		}
	}
	return bf, nil
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *models.PeerMessage) (int, error) {
	if msg.ID != models.MessageIDHave {
		return 0, fmt.Errorf("%w: expected have, got %s", ErrProtocolViolation, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload length %d", ErrProtocolViolation, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParsePiece extracts (index, begin, block) from a piece message.
func ParsePiece(msg *models.PeerMessage) (models.Block, error) {
	if msg.ID != models.MessageIDPiece {
		return models.Block{}, fmt.Errorf("%w: expected piece, got %s", ErrProtocolViolation, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return models.Block{}, fmt.Errorf("%w: piece payload length %d", ErrProtocolViolation, len(msg.Payload))
	}
	return models.Block{
		Index: int(binary.BigEndian.Uint32(msg.Payload[:4])),
		Begin: int(binary.BigEndian.Uint32(msg.Payload[4:8])),
		Data:  msg.Payload[8:],
	}, nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel
// message.
func ParseRequest(msg *models.PeerMessage) (index, begin, length int, err error) {
	if msg.ID != models.MessageIDRequest && msg.ID != models.MessageIDCancel {
		return 0, 0, 0, fmt.Errorf("%w: expected request, got %s", ErrProtocolViolation, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload length %d", ErrProtocolViolation, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePort extracts the DHT listen port from a port message.
func ParsePort(msg *models.PeerMessage) (uint16, error) {
	if msg.ID != models.MessageIDPort {
		return 0, fmt.Errorf("%w: expected port, got %s", ErrProtocolViolation, msg.ID)
	}
	if len(msg.Payload) != 2 {
		return 0, fmt.Errorf("%w: port payload length %d", ErrProtocolViolation, len(msg.Payload))
	}
	return binary.BigEndian.Uint16(msg.Payload), nil
}
