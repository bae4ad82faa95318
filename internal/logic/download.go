package logic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callistan/riptide/internal/decoder"
	"github.com/callistan/riptide/internal/pieces"
	"github.com/callistan/riptide/internal/shared/models"
	"github.com/callistan/riptide/internal/tracker"
)

// State is the lifecycle phase of a download session.
type State int

const (
	StateInitializing State = iota
	StateAnnouncing
	StateDownloading
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAnnouncing:
		return "announcing"
	case StateDownloading:
		return "downloading"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Downloader interface {
	// Download runs one torrent to completion, writing the payload under
	// outputDir. Cancelling the context stops the session cleanly and
	// returns nil.
	Download(ctx context.Context, metafile io.Reader, outputDir string) error
}

type downloader struct {
	clientID string
	d        decoder.MetafileDecoder
	log      *slog.Logger
	cfg      Config
}

func NewDownloader(d decoder.MetafileDecoder, logger *slog.Logger, cfg Config) Downloader {
	return &downloader{
		d:        d,
		log:      logger,
		cfg:      cfg.withDefaults(),
		clientID: generatePeerID(),
	}
}

func (d *downloader) Download(ctx context.Context, metafile io.Reader, outputDir string) error {
	d.log.Info("decoding metafile")
	meta, err := d.d.Decode(metafile)
	if err != nil {
		return err
	}

	d.log.Info("creating output directory", slog.String("output_dir", outputDir))
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	writer, err := pieces.NewWriter(meta, outputDir)
	if err != nil {
		return err
	}
	defer writer.Close()

	manager := pieces.NewManager(meta, writer, pieces.Config{
		RequestTimeout: d.cfg.RequestTimeout,
		Endgame:        d.cfg.Endgame,
	}, d.log)
	defer manager.Close()

	s := &session{
		d:           d,
		meta:        meta,
		manager:     manager,
		trk:         tracker.NewClient(meta, d.clientID, d.cfg.ListenPort, d.log),
		workers:     make(map[string]*peerWorker),
		seen:        make(map[string]struct{}),
		workerDone:  make(chan string, d.cfg.MaxPeers),
		webSeedDone: make(chan error, len(meta.WebSeedURLs())+1),
		backoff:     tracker.Backoff{Base: time.Second, Max: time.Minute},
		state:       StateInitializing,
		log: d.log.With(
			slog.String("torrent", meta.Info.Name),
			slog.String("info_hash", meta.InfoHash.String()),
		),
	}
	return s.run(ctx)
}

// session owns one download: the worker pool, the announce schedule and the
// choke rounds. All session state is confined to the run loop goroutine;
// workers talk back only through the piece manager and workerDone.
type session struct {
	d       *downloader
	meta    models.Metafile
	manager *pieces.Manager
	trk     tracker.Client
	log     *slog.Logger

	workers    map[string]*peerWorker
	pending    []models.Peer
	seen       map[string]struct{}
	workerDone chan string

	webSeeds    atomic.Int32
	webSeedDone chan error
	webSeedWG   sync.WaitGroup

	backoff    tracker.Backoff
	announced  bool
	optimistic string
	state      State
}

func (s *session) run(ctx context.Context) error {
	// stopping the session must stop every worker, even when the caller
	// context stays alive
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.spawnWebSeeds(ctx)
	err := s.loop(ctx)

	// the manager is torn down right after we return; no worker may
	// outlive the session
	cancel()
	for len(s.workers) > 0 {
		key := <-s.workerDone
		delete(s.workers, key)
	}
	s.webSeedWG.Wait()
	return err
}

func (s *session) loop(ctx context.Context) error {
	announceTimer := time.NewTimer(0)
	defer announceTimer.Stop()
	announceCh := announceTimer.C
	if len(s.meta.AnnounceTiers()) == 0 {
		// web seed only torrent, there is no tracker to talk to
		announceCh = nil
		s.setState(StateDownloading)
	}
	chokeTicker := time.NewTicker(s.d.cfg.ChokeInterval)
	defer chokeTicker.Stop()
	optimisticTicker := time.NewTicker(s.d.cfg.OptimisticInterval)
	defer optimisticTicker.Stop()
	progressTicker := time.NewTicker(s.d.cfg.ProgressInterval)
	defer progressTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateCancelled)
			s.announceStopped()
			return nil

		case err := <-s.manager.Done():
			if err != nil {
				s.setState(StateFailed)
				s.announceStopped()
				return err
			}
			s.setState(StateCompleted)
			s.announceEvent(ctx, tracker.EventCompleted)
			s.reportProgress()
			return nil

		case <-announceCh:
			wait, err := s.announce(ctx)
			if err != nil {
				if s.exhausted() {
					s.setState(StateFailed)
					return fmt.Errorf("tracker unreachable after %d attempts: %w", s.backoff.Attempts(), err)
				}
				s.log.Warn("announce failed", slog.Any("error", err))
			}
			announceTimer.Reset(wait)

		case <-chokeTicker.C:
			runChokeRound(s.workers, s.d.cfg.UnchokeSlots, s.optimistic, s.log)

		case <-optimisticTicker.C:
			s.optimistic = pickOptimistic(s.workers, s.optimistic)
			if w, ok := s.workers[s.optimistic]; ok {
				if err := w.setChoking(false); err != nil {
					s.log.Debug("optimistic unchoke failed", slog.String("peer", s.optimistic), slog.Any("error", err))
				}
			}

		case <-progressTicker.C:
			s.reportProgress()

		case key := <-s.workerDone:
			delete(s.workers, key)
			s.spawnWorkers(ctx)

		case err := <-s.webSeedDone:
			if err == nil || ctx.Err() != nil {
				break
			}
			s.log.Warn("web seed ended", slog.Any("error", err))
			if s.webSeeds.Load() == 0 && len(s.meta.AnnounceTiers()) == 0 &&
				len(s.workers) == 0 && len(s.pending) == 0 {
				s.setState(StateFailed)
				return fmt.Errorf("all web seeds failed: %w", err)
			}
		}
	}
}

// announce talks to the tracker and returns how long to wait before the
// next announce. Failures fall back to exponential backoff.
func (s *session) announce(ctx context.Context) (time.Duration, error) {
	event := tracker.EventNone
	if !s.announced {
		s.setState(StateAnnouncing)
		event = tracker.EventStarted
	}

	resp, err := s.trk.Announce(ctx, event, s.stats())
	if err != nil {
		s.backoff.Fail(time.Now())
		return time.Until(s.backoff.NextDeadline()), err
	}

	s.backoff.Reset()
	s.announced = true
	s.setState(StateDownloading)
	s.log.Info("announce ok",
		slog.Int("peers", len(resp.Peers)),
		slog.Any("interval", resp.Interval))

	s.addPeers(resp.Peers)
	s.spawnWorkers(ctx)

	wait := resp.Interval
	if wait <= 0 {
		wait = s.d.cfg.AnnounceFallback
	}
	return wait, nil
}

// exhausted reports whether the session has no way forward: announces keep
// failing and there is no connected peer, untried peer or web seed left.
func (s *session) exhausted() bool {
	return s.backoff.Attempts() >= s.d.cfg.MaxAnnounceFailures &&
		len(s.workers) == 0 &&
		len(s.pending) == 0 &&
		s.webSeeds.Load() == 0
}

func (s *session) spawnWebSeeds(ctx context.Context) {
	for _, u := range s.meta.WebSeedURLs() {
		ws := newWebSeedWorker(u, s.meta, s.manager, s.log)
		s.webSeeds.Add(1)
		s.webSeedWG.Add(1)
		go func() {
			defer s.webSeedWG.Done()
			err := ws.run(ctx)
			s.webSeeds.Add(-1)
			s.webSeedDone <- err
		}()
	}
}

func (s *session) addPeers(peers []models.Peer) {
	for _, p := range peers {
		addr := p.Addr.String()
		if p.Addr.IP == nil || p.Addr.IP.IsUnspecified() {
			continue
		}
		if _, ok := s.seen[addr]; ok {
			continue
		}
		s.seen[addr] = struct{}{}
		s.pending = append(s.pending, p)
	}
}

func (s *session) spawnWorkers(ctx context.Context) {
	if s.state == StateCompleted || s.state == StateFailed || s.state == StateCancelled {
		return
	}
	for len(s.workers) < s.d.cfg.MaxPeers && len(s.pending) > 0 {
		peer := s.pending[0]
		s.pending = s.pending[1:]

		w := newPeerWorker(peer, s.d.clientID, s.manager, s.d.cfg, s.log)
		s.workers[w.key] = w
		go func() {
			err := w.run(ctx, s.meta.InfoHash)
			if err != nil && ctx.Err() == nil {
				w.log.Debug("peer connection ended", slog.Any("error", err))
			}
			s.workerDone <- w.key
		}()
	}
}

func (s *session) stats() tracker.Stats {
	p := s.manager.Progress()
	return tracker.Stats{
		Uploaded:   p.Uploaded,
		Downloaded: p.Downloaded,
		Left:       p.TotalBytes - p.VerifiedBytes,
	}
}

func (s *session) announceEvent(ctx context.Context, event tracker.Event) {
	if !s.announced {
		return
	}
	if _, err := s.trk.Announce(ctx, event, s.stats()); err != nil {
		s.log.Warn("announce failed", slog.String("event", event.String()), slog.Any("error", err))
	}
}

// announceStopped tells the tracker we are leaving. The session context is
// already dead at this point, so it gets its own short deadline.
func (s *session) announceStopped() {
	if !s.announced {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.announceEvent(ctx, tracker.EventStopped)
}

func (s *session) reportProgress() {
	if s.d.cfg.Progress == nil {
		return
	}
	p := s.manager.Progress()
	s.d.cfg.Progress(p.VerifiedBytes, p.TotalBytes, len(s.workers))
}

func (s *session) setState(next State) {
	if s.state == next {
		return
	}
	s.log.Info("session state changed",
		slog.String("from", s.state.String()),
		slog.String("to", next.String()))
	s.state = next
}
