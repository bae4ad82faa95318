package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/callistan/riptide/internal/bencode"
	"github.com/callistan/riptide/internal/shared/models"
	jackpal "github.com/jackpal/bencode-go"
)

type HTTPAnnouncer struct {
	client *http.Client
	peerID string
	port   uint16
}

func NewHTTPAnnouncer(client *http.Client, peerID string, port uint16) Announcer {
	return &HTTPAnnouncer{client: client, peerID: peerID, port: port}
}

func (h *HTTPAnnouncer) Announce(ctx context.Context, announce string, req Request) (Response, error) {
	trackerURL, err := url.Parse(announce)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}

	query := trackerURL.Query()
	query.Set("info_hash", req.InfoHash.String())
	query.Set("peer_id", h.peerID)
	query.Set("port", strconv.Itoa(int(h.port)))
	query.Set("uploaded", strconv.FormatInt(req.Stats.Uploaded, 10))
	query.Set("downloaded", strconv.FormatInt(req.Stats.Downloaded, 10))
	query.Set("left", strconv.FormatInt(req.Stats.Left, 10))
	query.Set("compact", "1")
	if req.Event != EventNone {
		query.Set("event", req.Event.String())
	}
	trackerURL.RawQuery = query.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, trackerURL.String(), nil)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return Response{}, &Error{Announce: announce, Err: fmt.Errorf("http status %s", httpResp.Status)}
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}

	resp, err := decodeAnnounceResponse(body)
	if err != nil {
		return Response{}, &Error{Announce: announce, Err: err}
	}
	return resp, nil
}

type compactResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
}

// decodeAnnounceResponse handles both peer list encodings: the compact
// 6-bytes-per-peer string and the list of per-peer dictionaries.
func decodeAnnounceResponse(body []byte) (Response, error) {
	var compact compactResponse
	if err := jackpal.Unmarshal(bytes.NewReader(body), &compact); err == nil {
		if compact.FailureReason != "" {
			return Response{}, fmt.Errorf("failure reason: %s", compact.FailureReason)
		}
		if compact.Peers != "" {
			peers, err := models.UnmarshalCompactPeers([]byte(compact.Peers))
			if err != nil {
				return Response{}, err
			}
			return Response{Peers: peers, Interval: time.Duration(compact.Interval) * time.Second}, nil
		}
	}

	return decodeDictionaryPeers(body)
}

func decodeDictionaryPeers(body []byte) (Response, error) {
	value, err := bencode.Decode(body)
	if err != nil {
		return Response{}, err
	}
	dict, ok := value.(bencode.Dict)
	if !ok {
		return Response{}, fmt.Errorf("response is not a dictionary")
	}

	if reason, ok := dict["failure reason"].(bencode.Bytes); ok {
		return Response{}, fmt.Errorf("failure reason: %s", reason)
	}

	interval, ok := dict["interval"].(bencode.Integer)
	if !ok {
		return Response{}, fmt.Errorf("response missing interval")
	}

	switch peers := dict["peers"].(type) {
	case bencode.Bytes:
		// compact form that slipped past the struct decode, including the
		// empty zero-peer response
		parsed, err := models.UnmarshalCompactPeers(peers)
		if err != nil {
			return Response{}, err
		}
		return Response{Peers: parsed, Interval: time.Duration(interval) * time.Second}, nil
	case bencode.List:
		return decodePeerDictionaries(peers, time.Duration(interval)*time.Second)
	default:
		return Response{}, fmt.Errorf("response missing peers")
	}
}

func decodePeerDictionaries(list bencode.List, interval time.Duration) (Response, error) {
	peers := make([]models.Peer, 0, len(list))
	for _, item := range list {
		entry, ok := item.(bencode.Dict)
		if !ok {
			return Response{}, fmt.Errorf("peer entry is not a dictionary")
		}
		ip, ok := entry["ip"].(bencode.Bytes)
		if !ok {
			return Response{}, fmt.Errorf("peer entry missing ip")
		}
		port, ok := entry["port"].(bencode.Integer)
		if !ok {
			return Response{}, fmt.Errorf("peer entry missing port")
		}
		parsed := net.ParseIP(string(ip))
		if parsed == nil {
			return Response{}, fmt.Errorf("peer entry has invalid ip %q", ip)
		}

		peer := models.Peer{Addr: models.Addr{IP: parsed, Port: uint16(port)}}
		if peerID, ok := entry["peer id"].(bencode.Bytes); ok {
			peer.PeerID = string(peerID)
		}
		peers = append(peers, peer)
	}

	return Response{Peers: peers, Interval: interval}, nil
}
