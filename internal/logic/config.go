package logic

import "time"

// ProgressFunc is invoked at a bounded rate with the verified byte count,
// the total byte count and the number of active peer connections. The
// terminal progress display plugs in here; the engine never renders.
type ProgressFunc func(downloaded, total int64, activePeers int)

// Config tunes a download session. Zero values fall back to DefaultConfig.
type Config struct {
	// MaxPeers bounds the active connection pool.
	MaxPeers int
	// PipelineDepth is the outstanding request window per connection.
	PipelineDepth int
	// RequestTimeout cancels and reassigns a block request that stayed
	// outstanding this long.
	RequestTimeout time.Duration
	// ReadTimeout is the per-read deadline on peer connections.
	ReadTimeout time.Duration
	// DialTimeout bounds the TCP connect plus handshake.
	DialTimeout time.Duration
	// AnnounceFallback is the reannounce interval used when the tracker
	// does not provide one.
	AnnounceFallback time.Duration
	// MaxAnnounceFailures ends the session as failed once this many
	// consecutive announces fail while no peers are reachable.
	MaxAnnounceFailures int
	// UnchokeSlots is how many top-throughput peers stay unchoked.
	UnchokeSlots int
	// ChokeInterval is how often throughput is re-evaluated.
	ChokeInterval time.Duration
	// OptimisticInterval rotates the optimistic unchoke slot.
	OptimisticInterval time.Duration
	// Endgame allows duplicate block requests near completion.
	Endgame bool
	// ListenPort is reported to the tracker.
	ListenPort uint16
	// Progress, when set, receives rate-limited progress updates.
	Progress ProgressFunc
	// ProgressInterval bounds how often Progress is invoked.
	ProgressInterval time.Duration
}

var DefaultConfig = Config{
	MaxPeers:            30,
	PipelineDepth:       5,
	RequestTimeout:      20 * time.Second,
	ReadTimeout:         2 * time.Minute,
	DialTimeout:         10 * time.Second,
	AnnounceFallback:    30 * time.Second,
	MaxAnnounceFailures: 5,
	UnchokeSlots:        4,
	ChokeInterval:       10 * time.Second,
	OptimisticInterval:  30 * time.Second,
	ListenPort:          6881,
	ProgressInterval:    500 * time.Millisecond,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = d.PipelineDepth
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.AnnounceFallback <= 0 {
		c.AnnounceFallback = d.AnnounceFallback
	}
	if c.MaxAnnounceFailures <= 0 {
		c.MaxAnnounceFailures = d.MaxAnnounceFailures
	}
	if c.UnchokeSlots <= 0 {
		c.UnchokeSlots = d.UnchokeSlots
	}
	if c.ChokeInterval <= 0 {
		c.ChokeInterval = d.ChokeInterval
	}
	if c.OptimisticInterval <= 0 {
		c.OptimisticInterval = d.OptimisticInterval
	}
	if c.ListenPort == 0 {
		c.ListenPort = d.ListenPort
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}
