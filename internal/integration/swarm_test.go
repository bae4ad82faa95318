package integration

import (
	"encoding/binary"
	"io"
	"net"
)

// seeder is a minimal remote peer used to exercise the full download path.
// It speaks just enough of the wire protocol to serve the pieces it holds:
// handshake, bitfield, unchoke on interest and piece on request.
type seeder struct {
	ln         net.Listener
	infoHash   []byte
	pieceCount int
	pieces     map[int][]byte
}

func startSeeder(infoHash []byte, pieceCount int, pieces map[int][]byte) (*seeder, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &seeder{
		ln:         ln,
		infoHash:   infoHash,
		pieceCount: pieceCount,
		pieces:     pieces,
	}
	go s.acceptLoop()
	return s, nil
}

func (s *seeder) addr() *net.TCPAddr {
	return s.ln.Addr().(*net.TCPAddr)
}

func (s *seeder) close() {
	s.ln.Close()
}

func (s *seeder) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *seeder) serve(conn net.Conn) {
	defer conn.Close()

	handshake := make([]byte, 68)
	if _, err := io.ReadFull(conn, handshake); err != nil {
		return
	}

	reply := make([]byte, 0, 68)
	reply = append(reply, 19)
	reply = append(reply, "BitTorrent protocol"...)
	reply = append(reply, make([]byte, 8)...)
	reply = append(reply, s.infoHash...)
	reply = append(reply, "-SD0001-abcdefghijkl"...)
	if _, err := conn.Write(reply); err != nil {
		return
	}

	bf := make([]byte, (s.pieceCount+7)/8)
	for index := range s.pieces {
		bf[index/8] |= 1 << (7 - index%8)
	}
	if err := writeFrame(conn, 5, bf); err != nil {
		return
	}

	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			return
		}
		if length == 0 {
			continue
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		switch payload[0] {
		case 2: // interested
			if err := writeFrame(conn, 1, nil); err != nil {
				return
			}
		case 6: // request
			if len(payload) != 13 {
				return
			}
			index := int(binary.BigEndian.Uint32(payload[1:5]))
			begin := int(binary.BigEndian.Uint32(payload[5:9]))
			blockLen := int(binary.BigEndian.Uint32(payload[9:13]))
			data, ok := s.pieces[index]
			if !ok || begin+blockLen > len(data) {
				continue
			}
			block := make([]byte, 8+blockLen)
			binary.BigEndian.PutUint32(block, uint32(index))
			binary.BigEndian.PutUint32(block[4:], uint32(begin))
			copy(block[8:], data[begin:begin+blockLen])
			if err := writeFrame(conn, 7, block); err != nil {
				return
			}
		default:
			// choke state changes, cancels and keep-alives need no answer
		}
	}
}

func writeFrame(conn net.Conn, id byte, payload []byte) error {
	frame := make([]byte, 4, 5+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(payload)))
	frame = append(frame, id)
	frame = append(frame, payload...)
	_, err := conn.Write(frame)
	return err
}
