// Package p2p implements the per-peer BitTorrent wire protocol: the 68-byte
// handshake and the length-prefixed message stream that follows it.
package p2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/callistan/riptide/internal/decoder"
	"github.com/callistan/riptide/internal/shared/models"
)

var (
	// ErrHandshakeMismatch indicates the remote answered the handshake for
	// a different torrent. Scoped to one connection.
	ErrHandshakeMismatch = errors.New("handshake info-hash mismatch")
	// ErrProtocolViolation indicates a malformed message id or length.
	ErrProtocolViolation = errors.New("peer protocol violation")
)

const (
	protocolIdentifier = "BitTorrent protocol"
	handshakeLength    = 68

	// an honest peer never sends a payload larger than a bitfield for a
	// huge torrent or a block message; anything above this is hostile
	maxPayloadLength = 1 << 20
)

type P2PClient interface {
	Connect(ctx context.Context, address models.Addr) error
	Disconnect() error
	Handshake(hash models.Hash) (peerID string, err error)
	ReadMessage() (*models.PeerMessage, error)
	WriteMessage(msg *models.PeerMessage) error
	WriteKeepAlive() error
}

type client struct {
	clientID    string
	conn        net.Conn
	readTimeout time.Duration
}

func NewClient(clientID string, readTimeout time.Duration) P2PClient {
	return &client{clientID: clientID, readTimeout: readTimeout}
}

func (c *client) Connect(ctx context.Context, address models.Addr) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address.String())
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Disconnect closes the connection. It is safe to call from another
// goroutine to unblock a pending read, and safe to call twice.
func (c *client) Disconnect() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type handshake struct {
	InfoHash models.Hash
	PeerID   string
}

func (h handshake) Bytes() []byte {
	buf := make([]byte, 0, handshakeLength)
	buf = append(buf, byte(len(protocolIdentifier)))
	buf = append(buf, []byte(protocolIdentifier)...)
	buf = append(buf, make([]byte, 8)...) // reserved bytes
	buf = append(buf, h.InfoHash.Hash...)
	buf = append(buf, []byte(h.PeerID)...)
	return buf
}

// Handshake performs the fixed 68-byte exchange and verifies the remote
// answered for the same torrent. On mismatch the caller must drop the
// connection; no other connection is affected.
func (c *client) Handshake(hash models.Hash) (string, error) {
	req := handshake{InfoHash: hash, PeerID: c.clientID}

	c.conn.SetDeadline(time.Now().Add(c.readTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(req.Bytes()); err != nil {
		return "", err
	}

	resp, err := decoder.ReadBytes(c.conn, handshakeLength)
	if err != nil {
		return "", err
	}

	remote, err := decodeHandshake(resp)
	if err != nil {
		return "", err
	}
	if !remote.InfoHash.Equal(hash) {
		return "", ErrHandshakeMismatch
	}

	return remote.PeerID, nil
}

func decodeHandshake(buf []byte) (handshake, error) {
	if len(buf) != handshakeLength {
		return handshake{}, fmt.Errorf("%w: handshake length %d", ErrProtocolViolation, len(buf))
	}
	if buf[0] != byte(len(protocolIdentifier)) || string(buf[1:20]) != protocolIdentifier {
		return handshake{}, fmt.Errorf("%w: unknown protocol identifier", ErrProtocolViolation)
	}

	return handshake{
		InfoHash: models.Hash{Hash: buf[28:48]},
		PeerID:   string(buf[48:]),
	}, nil
}

func (c *client) WriteMessage(msg *models.PeerMessage) error {
	buf := make([]byte, 5, 5+len(msg.Payload))
	binary.BigEndian.PutUint32(buf, uint32(len(msg.Payload)+1))
	buf[4] = byte(msg.ID)
	buf = append(buf, msg.Payload...)
	_, err := c.conn.Write(buf)
	return err
}

// WriteKeepAlive sends the zero-length keep-alive frame.
func (c *client) WriteKeepAlive() error {
	_, err := c.conn.Write(make([]byte, 4))
	return err
}

// ReadMessage reads one framed message. A keep-alive is returned as a nil
// message with a nil error.
func (c *client) ReadMessage() (*models.PeerMessage, error) {
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

	lengthBuf, err := decoder.ReadBytes(c.conn, 4)
	if err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint32(lengthBuf))
	if length == 0 {
		return nil, nil
	}
	if length > maxPayloadLength {
		return nil, fmt.Errorf("%w: message length %d", ErrProtocolViolation, length)
	}

	body, err := decoder.ReadBytes(c.conn, length)
	if err != nil {
		return nil, err
	}

	id := models.MessageID(body[0])
	if id > models.MessageIDPort {
		return nil, fmt.Errorf("%w: unknown message id %d", ErrProtocolViolation, body[0])
	}

	return &models.PeerMessage{ID: id, Payload: body[1:]}, nil
}
