package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

var ErrInvalidAddr = errors.New("invalid address")

// ReadFromBytes parses one compact peer entry: 4 bytes big-endian IPv4
// followed by a 2 byte big-endian port.
func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IP(b[:4])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// UnmarshalCompactPeers parses a compact tracker peer list, 6 bytes per
// peer. The blob length must be a multiple of 6.
func UnmarshalCompactPeers(blob []byte) ([]Peer, error) {
	const peerSize = 6
	if len(blob)%peerSize != 0 {
		return nil, ErrInvalidAddr
	}

	peers := make([]Peer, 0, len(blob)/peerSize)
	for off := 0; off < len(blob); off += peerSize {
		var addr Addr
		if err := addr.ReadFromBytes(blob[off : off+peerSize]); err != nil {
			return nil, err
		}
		peers = append(peers, Peer{Addr: addr})
	}

	return peers, nil
}
