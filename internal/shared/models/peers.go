package models

// PeerMessage is one framed peer-wire message. A nil *PeerMessage stands
// for the zero-length keep-alive.
type PeerMessage struct {
	ID      MessageID
	Payload []byte
}

// Peer is a candidate peer address, discovered via tracker or direct
// connect. PeerID is only known for dictionary-form tracker responses.
type Peer struct {
	Addr   Addr
	PeerID string
}
