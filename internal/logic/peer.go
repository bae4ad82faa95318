package logic

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callistan/riptide/internal/p2p"
	"github.com/callistan/riptide/internal/pieces"
	"github.com/callistan/riptide/internal/shared/models"
)

type blockKey struct {
	index int
	begin int
}

// peerWorker drives one peer connection: handshake, the message loop,
// pipelined block requests and the request-timeout sweep. All failures are
// scoped to the worker; the session just replaces it.
type peerWorker struct {
	peer    models.Peer
	key     string
	client  p2p.P2PClient
	manager *pieces.Manager
	cfg     Config
	log     *slog.Logger

	// serializes writes from the message loop, the sweep goroutine and
	// the choke evaluator
	writeMu sync.Mutex

	mu               sync.Mutex
	choked           bool // remote is choking us
	amChoking        bool // we are choking the remote
	remoteInterested bool
	outstanding      map[blockKey]models.BlockRequest

	window   atomic.Int64 // bytes received since the last choke evaluation
	lastSend atomic.Int64 // unix nanos of the last frame we wrote
}

// keepAliveInterval is how long a connection may go without any outgoing
// frame before a keep-alive is sent. Well below the 2 minute cutoff most
// clients apply.
const keepAliveInterval = time.Minute

func newPeerWorker(peer models.Peer, clientID string, manager *pieces.Manager, cfg Config, logger *slog.Logger) *peerWorker {
	key := peer.Addr.String()
	return &peerWorker{
		peer:        peer,
		key:         key,
		client:      p2p.NewClient(clientID, cfg.ReadTimeout),
		manager:     manager,
		cfg:         cfg,
		log:         logger.With(slog.String("peer", key)),
		choked:      true,
		amChoking:   true,
		outstanding: make(map[blockKey]models.BlockRequest),
	}
}

func (w *peerWorker) run(ctx context.Context, infoHash models.Hash) error {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	if err := w.client.Connect(dialCtx, w.peer.Addr); err != nil {
		return err
	}
	defer w.client.Disconnect()

	// closing the connection is the only way to unblock a pending read
	// when the session is cancelled
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			w.client.Disconnect()
		case <-stopped:
		}
	}()

	if _, err := w.client.Handshake(infoHash); err != nil {
		return err
	}
	w.lastSend.Store(time.Now().UnixNano())
	defer w.manager.RemovePeer(w.key)

	if bf := w.manager.Bitfield(); hasAnyPiece(bf) {
		if err := w.send(p2p.NewBitfieldMessage(bf)); err != nil {
			return err
		}
	}
	if err := w.send(p2p.NewInterested()); err != nil {
		return err
	}

	go w.maintain(ctx, stopped)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a read timeout is fatal: it may have hit mid-frame with part of
		// the length prefix consumed, so the stream cannot be resumed
		msg, err := w.client.ReadMessage()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		if err := w.handle(msg); err != nil {
			return err
		}
	}
}

func (w *peerWorker) handle(msg *models.PeerMessage) error {
	switch msg.ID {
	case models.MessageIDChoke:
		w.mu.Lock()
		w.choked = true
		clear(w.outstanding)
		w.mu.Unlock()
		// a choking peer drops our queued requests, hand the blocks back
		w.manager.ReleaseAll(w.key)
		return nil

	case models.MessageIDUnchoke:
		w.mu.Lock()
		w.choked = false
		w.mu.Unlock()
		return w.fillPipeline()

	case models.MessageIDInterested:
		w.mu.Lock()
		w.remoteInterested = true
		w.mu.Unlock()
		return nil

	case models.MessageIDNotInterested:
		w.mu.Lock()
		w.remoteInterested = false
		w.mu.Unlock()
		return nil

	case models.MessageIDHave:
		index, err := p2p.ParseHave(msg)
		if err != nil {
			return err
		}
		w.manager.AddPeerHave(w.key, index)
		return w.fillPipeline()

	case models.MessageIDBitfield:
		bf, err := p2p.ParseBitfield(msg, w.manager.PieceCount())
		if err != nil {
			return err
		}
		w.manager.AddPeerBitfield(w.key, bf)
		return w.fillPipeline()

	case models.MessageIDPiece:
		block, err := p2p.ParsePiece(msg)
		if err != nil {
			return err
		}
		w.window.Add(int64(len(block.Data)))
		w.mu.Lock()
		delete(w.outstanding, blockKey{block.Index, block.Begin})
		w.mu.Unlock()
		if err := w.manager.HandleBlock(w.key, block); err != nil {
			return err
		}
		return w.fillPipeline()

	case models.MessageIDRequest:
		return w.serveRequest(msg)

	case models.MessageIDCancel:
		// we serve blocks synchronously, nothing queued to cancel
		_, _, _, err := p2p.ParseRequest(msg)
		return err

	case models.MessageIDPort:
		// DHT is out of scope, validate and drop
		_, err := p2p.ParsePort(msg)
		return err

	default:
		return nil
	}
}

// fillPipeline keeps the outstanding window full while the remote lets us
// request, so the pipe stays busy without unbounded growth.
func (w *peerWorker) fillPipeline() error {
	for {
		w.mu.Lock()
		if w.choked || len(w.outstanding) >= w.cfg.PipelineDepth {
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()

		req, ok := w.manager.Reserve(w.key)
		if !ok {
			return nil
		}
		if err := w.send(p2p.NewRequest(req.Index, req.Begin, req.Length)); err != nil {
			w.manager.ReleaseAll(w.key)
			return err
		}
		w.mu.Lock()
		w.outstanding[blockKey{req.Index, req.Begin}] = req
		w.mu.Unlock()
	}
}

func (w *peerWorker) serveRequest(msg *models.PeerMessage) error {
	index, begin, length, err := p2p.ParseRequest(msg)
	if err != nil {
		return err
	}

	w.mu.Lock()
	choking := w.amChoking
	w.mu.Unlock()
	if choking {
		// requests while choked are dropped, not a violation
		return nil
	}

	data, err := w.manager.ReadBlock(index, begin, length)
	if err != nil {
		w.log.Debug("ignoring unserveable request", slog.Int("piece", index), slog.Any("error", err))
		return nil
	}
	return w.send(p2p.NewPiece(index, begin, data))
}

// maintain runs the periodic connection upkeep: expiring stale requests,
// pruning pipeline entries whose reservation moved elsewhere and keeping an
// idle connection alive.
func (w *peerWorker) maintain(ctx context.Context, stopped <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.RequestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			return
		case <-ticker.C:
		}

		if err := w.sweepExpired(); err != nil {
			return
		}
		if err := w.maybeKeepAlive(time.Now()); err != nil {
			return
		}
	}
}

// sweepExpired cancels requests that stayed outstanding past the timeout so
// their blocks can be reassigned to another connection, and drops pipeline
// entries the manager no longer holds for us.
func (w *peerWorker) sweepExpired() error {
	expired := w.manager.ReleaseExpired(w.key, time.Now())
	for _, req := range expired {
		w.log.Debug("request timed out", slog.Int("piece", req.Index), slog.Int("begin", req.Begin))
		w.mu.Lock()
		delete(w.outstanding, blockKey{req.Index, req.Begin})
		w.mu.Unlock()
		if err := w.send(p2p.NewCancel(req.Index, req.Begin, req.Length)); err != nil {
			return err
		}
	}

	if w.pruneStale()+len(expired) > 0 {
		return w.fillPipeline()
	}
	return nil
}

// pruneStale drops outstanding entries whose reservation the manager has
// taken away, for instance when endgame reassigned the block to another
// connection or the piece was reset. Without this a stolen block would pin
// a pipeline slot forever.
func (w *peerWorker) pruneStale() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	pruned := 0
	for key := range w.outstanding {
		if !w.manager.Holds(w.key, key.index, key.begin) {
			delete(w.outstanding, key)
			pruned++
		}
	}
	return pruned
}

// maybeKeepAlive sends a keep-alive when nothing was written for a while,
// so the remote does not drop a quiet but healthy connection.
func (w *peerWorker) maybeKeepAlive(now time.Time) error {
	if now.Sub(time.Unix(0, w.lastSend.Load())) < keepAliveInterval {
		return nil
	}
	return w.sendKeepAlive()
}

func (w *peerWorker) send(msg *models.PeerMessage) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.lastSend.Store(time.Now().UnixNano())
	return w.client.WriteMessage(msg)
}

func (w *peerWorker) sendKeepAlive() error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.lastSend.Store(time.Now().UnixNano())
	return w.client.WriteKeepAlive()
}

// setChoking flips our choke state toward the remote and notifies it.
func (w *peerWorker) setChoking(choking bool) error {
	w.mu.Lock()
	if w.amChoking == choking {
		w.mu.Unlock()
		return nil
	}
	w.amChoking = choking
	w.mu.Unlock()

	if choking {
		return w.send(p2p.NewChoke())
	}
	return w.send(p2p.NewUnchoke())
}

func (w *peerWorker) isChoking() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amChoking
}

func (w *peerWorker) isRemoteInterested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remoteInterested
}

func (w *peerWorker) outstandingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.outstanding)
}

// takeThroughput returns and resets the bytes received since the last call.
func (w *peerWorker) takeThroughput() int64 {
	return w.window.Swap(0)
}

func hasAnyPiece(bf p2p.Bitfield) bool {
	for _, b := range bf {
		if b != 0 {
			return true
		}
	}
	return false
}
