package p2p

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/callistan/riptide/internal/shared/models"
	"github.com/stretchr/testify/assert"
)

func testInfoHash() models.Hash {
	return models.Hash{Hash: []byte("01234567891012345678")}
}

// serve listens on a loopback port and runs fn on the first accepted
// connection.
func serve(t *testing.T, fn func(conn net.Conn)) models.Addr {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fn(conn)
	}()

	tcpAddr := listener.Addr().(*net.TCPAddr)
	return models.Addr{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
}

func TestHandshake(t *testing.T) {
	var tests = []struct {
		name   string
		setup  func(t *testing.T) models.Addr
		assert func(t *testing.T, peerID string, err error)
	}{
		{
			name: "successful handshake returns remote peer id",
			setup: func(t *testing.T) models.Addr {
				return serve(t, func(conn net.Conn) {
					buf := make([]byte, handshakeLength)
					if _, err := conn.Read(buf); err != nil {
						return
					}
					reply := handshake{InfoHash: testInfoHash(), PeerID: "-RT0001-abcdefghijkl"}
					conn.Write(reply.Bytes())
				})
			},
			assert: func(t *testing.T, peerID string, err error) {
				assert.Nil(t, err)
				assert.Equal(t, "-RT0001-abcdefghijkl", peerID)
			},
		},
		{
			name: "mismatched info-hash fails the handshake",
			setup: func(t *testing.T) models.Addr {
				return serve(t, func(conn net.Conn) {
					buf := make([]byte, handshakeLength)
					if _, err := conn.Read(buf); err != nil {
						return
					}
					reply := handshake{
						InfoHash: models.Hash{Hash: []byte("99999999999999999999")},
						PeerID:   "-RT0001-abcdefghijkl",
					}
					conn.Write(reply.Bytes())
				})
			},
			assert: func(t *testing.T, peerID string, err error) {
				assert.ErrorIs(t, err, ErrHandshakeMismatch)
			},
		},
		{
			name: "unknown protocol identifier is a violation",
			setup: func(t *testing.T) models.Addr {
				return serve(t, func(conn net.Conn) {
					buf := make([]byte, handshakeLength)
					if _, err := conn.Read(buf); err != nil {
						return
					}
					reply := make([]byte, handshakeLength)
					copy(reply, "\x13NotTorrent protocol")
					conn.Write(reply)
				})
			},
			assert: func(t *testing.T, peerID string, err error) {
				assert.ErrorIs(t, err, ErrProtocolViolation)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			addr := tt.setup(t)
			client := NewClient("-RT0001-000000000001", 2*time.Second)
			err := client.Connect(context.Background(), addr)
			assert.Nil(t, err)
			defer client.Disconnect()

			peerID, err := client.Handshake(testInfoHash())
			tt.assert(t, peerID, err)
		})
	}
}

func TestReadMessage(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		// keep-alive
		conn.Write(make([]byte, 4))
		// have(7)
		have := NewHave(7)
		frame := make([]byte, 5, 5+len(have.Payload))
		binary.BigEndian.PutUint32(frame, uint32(len(have.Payload)+1))
		frame[4] = byte(have.ID)
		frame = append(frame, have.Payload...)
		conn.Write(frame)
		// hostile length prefix
		bad := make([]byte, 4)
		binary.BigEndian.PutUint32(bad, 1<<24)
		conn.Write(bad)
	})

	client := NewClient("-RT0001-000000000001", 2*time.Second)
	err := client.Connect(context.Background(), addr)
	assert.Nil(t, err)
	defer client.Disconnect()

	msg, err := client.ReadMessage()
	assert.Nil(t, err)
	assert.Nil(t, msg, "keep-alive should decode as a nil message")

	msg, err = client.ReadMessage()
	assert.Nil(t, err)
	if assert.NotNil(t, msg) {
		assert.Equal(t, models.MessageIDHave, msg.ID)
		index, err := ParseHave(msg)
		assert.Nil(t, err)
		assert.Equal(t, 7, index)
	}

	_, err = client.ReadMessage()
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadMessageTimesOutMidFrame(t *testing.T) {
	addr := serve(t, func(conn net.Conn) {
		// half a length prefix, then silence
		conn.Write([]byte{0, 0})
		time.Sleep(time.Second)
	})

	client := NewClient("-RT0001-000000000001", 100*time.Millisecond)
	err := client.Connect(context.Background(), addr)
	assert.Nil(t, err)
	defer client.Disconnect()

	_, err = client.ReadMessage()
	assert.Error(t, err, "a stalled frame must surface as an error, the stream cannot be resumed")
}

func TestWriteMessage(t *testing.T) {
	received := make(chan []byte, 1)
	addr := serve(t, func(conn net.Conn) {
		buf := make([]byte, 17)
		n, _ := conn.Read(buf)
		received <- buf[:n]
	})

	client := NewClient("-RT0001-000000000001", 2*time.Second)
	err := client.Connect(context.Background(), addr)
	assert.Nil(t, err)
	defer client.Disconnect()

	err = client.WriteMessage(NewRequest(1, 16384, 16384))
	assert.Nil(t, err)

	frame := <-received
	assert.Equal(t, uint32(13), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, byte(models.MessageIDRequest), frame[4])
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(frame[5:9]))
	assert.Equal(t, uint32(16384), binary.BigEndian.Uint32(frame[9:13]))
	assert.Equal(t, uint32(16384), binary.BigEndian.Uint32(frame[13:17]))
}
