package models

import "time"

// Block is a received sub-piece transfer unit.
type Block struct {
	Index int
	Begin int
	Data  []byte
}

// BlockRequest identifies one outstanding block request and who holds it,
// used for timeout detection and reassignment.
type BlockRequest struct {
	Index    int
	Begin    int
	Length   int
	IssuedTo string
	IssuedAt time.Time
}
