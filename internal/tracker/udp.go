package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/callistan/riptide/internal/decoder"
	"github.com/callistan/riptide/internal/shared/models"
)

// BEP15 protocol constants.
const (
	udpProtocolID = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1

	udpTimeout = 15 * time.Second
)

// udp announce event codes differ from the HTTP query strings.
func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

type UDPAnnouncer struct {
	peerID string
	port   uint16
}

func NewUDPAnnouncer(peerID string, port uint16) Announcer {
	return &UDPAnnouncer{peerID: peerID, port: port}
}

func (u *UDPAnnouncer) Announce(ctx context.Context, announce string, req Request) (Response, error) {
	trackerURL, err := url.Parse(announce)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", trackerURL.Host)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}
	defer conn.Close()

	deadline := time.Now().Add(udpTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	connectionID, err := u.connect(conn)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}

	resp, err := u.announce(conn, connectionID, req)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}
	return resp, nil
}

// connect performs the BEP15 connect exchange and returns the connection id
// the tracker assigned.
func (u *UDPAnnouncer) connect(conn net.Conn) (uint64, error) {
	transactionID := rand.Uint32()

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:], transactionID)

	if _, err := conn.Write(buf); err != nil {
		return 0, err
	}

	resp, err := decoder.ReadBytes(conn, 16)
	if err != nil {
		return 0, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != udpActionConnect {
		return 0, fmt.Errorf("unexpected connect action %d", binary.BigEndian.Uint32(resp[0:4]))
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return 0, fmt.Errorf("connect transaction id mismatch")
	}

	return binary.BigEndian.Uint64(resp[8:16]), nil
}

func (u *UDPAnnouncer) announce(conn net.Conn, connectionID uint64, req Request) (Response, error) {
	const peersWanted = 100
	transactionID := rand.Uint32()

	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash.Hash)
	copy(buf[36:56], []byte(u.peerID))
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Stats.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Stats.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Stats.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEventCode(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: let the tracker use the packet source
	binary.BigEndian.PutUint32(buf[88:92], rand.Uint32())
	binary.BigEndian.PutUint32(buf[92:96], peersWanted)
	binary.BigEndian.PutUint16(buf[96:98], u.port)

	if _, err := conn.Write(buf); err != nil {
		return Response{}, err
	}

	resp := make([]byte, 20+peersWanted*6)
	n, err := conn.Read(resp)
	if err != nil {
		return Response{}, err
	}
	if n < 20 {
		return Response{}, fmt.Errorf("announce response too short: %d bytes", n)
	}
	if binary.BigEndian.Uint32(resp[0:4]) != udpActionAnnounce {
		return Response{}, fmt.Errorf("unexpected announce action %d", binary.BigEndian.Uint32(resp[0:4]))
	}
	if binary.BigEndian.Uint32(resp[4:8]) != transactionID {
		return Response{}, fmt.Errorf("announce transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	peers, err := models.UnmarshalCompactPeers(resp[20:n])
	if err != nil {
		return Response{}, err
	}

	return Response{
		Peers:    peers,
		Interval: time.Duration(interval) * time.Second,
	}, nil
}
