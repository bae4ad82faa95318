// Package tracker implements the announce protocol against HTTP and UDP
// trackers, including announce-list tier walking and retry backoff.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/callistan/riptide/internal/shared/models"
)

// Event is the announce event parameter.
type Event int

const (
	EventNone Event = iota
	EventCompleted
	EventStarted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// Stats carries the transfer counters sent with every announce.
type Stats struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Request is one announce request. InfoHash is sent as raw bytes.
type Request struct {
	InfoHash models.Hash
	Event    Event
	Stats    Stats
}

// Response is a successful announce: the peer list and the interval after
// which the tracker wants to hear from us again.
type Response struct {
	Peers    []models.Peer
	Interval time.Duration
}

// Error wraps any tracker failure: unreachable host, non-success status or
// a malformed response body. It is recoverable; the orchestrator retries
// with backoff.
type Error struct {
	Announce string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("tracker %s: %v", e.Announce, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Announcer announces against a single tracker URL.
type Announcer interface {
	Announce(ctx context.Context, announce string, req Request) (Response, error)
}

// Client walks the metafile's announce tiers until one tracker answers.
type Client interface {
	Announce(ctx context.Context, event Event, stats Stats) (Response, error)
	WithHTTPClient(client *http.Client) Client
}

type client struct {
	tiers    []string
	infoHash models.Hash
	peerID   string
	http     Announcer
	udp      Announcer
	log      *slog.Logger
}

func NewClient(meta models.Metafile, peerID string, port uint16, logger *slog.Logger) Client {
	return &client{
		tiers:    meta.AnnounceTiers(),
		infoHash: meta.InfoHash,
		peerID:   peerID,
		http:     NewHTTPAnnouncer(&http.Client{Timeout: 30 * time.Second}, peerID, port),
		udp:      NewUDPAnnouncer(peerID, port),
		log:      logger,
	}
}

func (c *client) WithHTTPClient(httpClient *http.Client) Client {
	if h, ok := c.http.(*HTTPAnnouncer); ok {
		c.http = NewHTTPAnnouncer(httpClient, h.peerID, h.port)
	}
	return c
}

// Announce tries every announce URL in tier order and returns the first
// successful response. URLs that answered recently are tried first because
// a working tracker is promoted to the front of its tier.
func (c *client) Announce(ctx context.Context, event Event, stats Stats) (Response, error) {
	if len(c.tiers) == 0 {
		return Response{}, &Error{Err: fmt.Errorf("no announce urls")}
	}

	req := Request{InfoHash: c.infoHash, Event: event, Stats: stats}

	var lastErr error
	for i, announce := range c.tiers {
		announcer, err := c.announcerFor(announce)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := announcer.Announce(ctx, announce, req)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			c.log.Warn("announce failed", slog.String("announce", announce), slog.Any("error", err))
			lastErr = err
			continue
		}

		c.promote(i)
		return resp, nil
	}

	return Response{}, lastErr
}

func (c *client) announcerFor(announce string) (Announcer, error) {
	switch {
	case strings.HasPrefix(announce, "http"):
		return c.http, nil
	case strings.HasPrefix(announce, "udp"):
		return c.udp, nil
	default:
		return nil, &Error{Announce: announce, Err: fmt.Errorf("unsupported protocol")}
	}
}

func (c *client) promote(i int) {
	if i == 0 {
		return
	}
	announce := c.tiers[i]
	copy(c.tiers[1:i+1], c.tiers[:i])
	c.tiers[0] = announce
}
