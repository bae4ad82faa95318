package p2p

// Bitfield encodes which pieces a peer holds, one bit per piece, most
// significant bit first. Pieces are zero indexed.
type Bitfield []byte

// NewBitfield returns an empty bitfield sized for pieceCount pieces.
func NewBitfield(pieceCount int) Bitfield {
	return make(Bitfield, (pieceCount+7)/8)
}

func (bf Bitfield) HasPiece(index int) bool {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	return bf[byteIndex]>>(7-offset)&1 != 0
}

func (bf Bitfield) SetPiece(index int) {
	byteIndex := index / 8
	offset := index % 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return
	}
	bf[byteIndex] |= 1 << (7 - offset)
}
