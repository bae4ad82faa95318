// Package pieces owns the global piece and block bookkeeping: which blocks
// are outstanding against which peer, rarest-first piece selection, SHA1
// verification of completed pieces and the final write to disk.
//
// The manager is the single synchronization point of the download. Every
// state change, reserving a block, recording a received block, committing a
// verified piece, happens atomically under one mutex. Hash verification
// itself is CPU-bound and runs on a small worker pool outside the lock.
package pieces

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/callistan/riptide/internal/p2p"
	"github.com/callistan/riptide/internal/shared/models"
)

// BlockSize is the standard transfer unit pieces are split into for
// pipelined requesting.
const BlockSize = 16 * 1024

// Status of one piece. A piece moves Missing -> InProgress -> Verified and
// only returns to Missing through an explicit reset on hash mismatch.
type Status uint8

const (
	StatusMissing Status = iota
	StatusInProgress
	StatusVerified
)

// ErrUnexpectedBlock reports a block whose index, offset or length does not
// fit the piece layout. The caller treats it as a protocol violation.
var ErrUnexpectedBlock = errors.New("unexpected block")

type blockState struct {
	received   bool
	reservedBy string
	issuedAt   time.Time
}

type pieceState struct {
	length    int
	hash      models.Hash
	status    Status
	verifying bool
	buf       []byte
	blocks    []blockState
	received  int
}

func (p *pieceState) blockLength(blockIndex int) int {
	begin := blockIndex * BlockSize
	return min(BlockSize, p.length-begin)
}

func (p *pieceState) reset() {
	p.status = StatusMissing
	p.verifying = false
	p.buf = nil
	p.blocks = nil
	p.received = 0
}

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	// MaxInFlightPieces caps how many pieces may be InProgress at once.
	MaxInFlightPieces int
	// RequestTimeout is how long a reservation may stay outstanding before
	// ReleaseExpired hands it back for reassignment.
	RequestTimeout time.Duration
	// Endgame permits duplicate requests for blocks that are already
	// outstanding against another peer, trading redundant traffic for
	// latency at the end of the download. Off by default.
	Endgame bool
	// VerifyWorkers sizes the SHA1 worker pool.
	VerifyWorkers int
}

func (c Config) withDefaults() Config {
	if c.MaxInFlightPieces <= 0 {
		c.MaxInFlightPieces = 16
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}
	if c.VerifyWorkers <= 0 {
		c.VerifyWorkers = 2
	}
	return c
}

// Progress is a consistent snapshot of the download counters.
type Progress struct {
	VerifiedBytes  int64
	TotalBytes     int64
	VerifiedPieces int
	TotalPieces    int
	Uploaded       int64
	Downloaded     int64
}

type verifyJob struct {
	index int
	data  []byte
}

type Manager struct {
	cfg    Config
	meta   models.Metafile
	writer *Writer
	log    *slog.Logger

	mu            sync.Mutex
	pieces        []pieceState
	availability  []int
	peerHas       map[string]p2p.Bitfield
	inFlight      int
	verified      int
	verifiedBytes int64
	downloaded    int64
	uploaded      int64
	finished      bool

	verifyCh chan verifyJob
	done     chan error
	wg       sync.WaitGroup
}

func NewManager(meta models.Metafile, writer *Writer, cfg Config, logger *slog.Logger) *Manager {
	count := meta.PieceCount()
	m := &Manager{
		cfg:          cfg.withDefaults(),
		meta:         meta,
		writer:       writer,
		log:          logger,
		pieces:       make([]pieceState, count),
		availability: make([]int, count),
		peerHas:      make(map[string]p2p.Bitfield),
		verifyCh:     make(chan verifyJob, count),
		done:         make(chan error, 1),
	}
	for i := range m.pieces {
		m.pieces[i].length = meta.PieceSize(i)
		m.pieces[i].hash = meta.Info.PiecesHashes[i]
	}

	for i := 0; i < m.cfg.VerifyWorkers; i++ {
		m.wg.Add(1)
		go m.verifyWorker()
	}

	return m
}

// Close stops the verify workers. Pending jobs are drained first.
func (m *Manager) Close() {
	close(m.verifyCh)
	m.wg.Wait()
}

// Done yields nil when every piece is Verified, or the fatal disk error
// that ended the session.
func (m *Manager) Done() <-chan error {
	return m.done
}

// AddPeerBitfield registers which pieces a peer holds and feeds the
// rarest-first availability counts.
func (m *Manager) AddPeerBitfield(peerID string, bf p2p.Bitfield) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.peerHas[peerID]; ok {
		return
	}
	own := make(p2p.Bitfield, len(bf))
	copy(own, bf)
	m.peerHas[peerID] = own

	for i := range m.pieces {
		if own.HasPiece(i) {
			m.availability[i]++
		}
	}
}

// AddPeerHave records a single have announcement from a peer.
func (m *Manager) AddPeerHave(peerID string, index int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return
	}
	bf, ok := m.peerHas[peerID]
	if !ok {
		bf = p2p.NewBitfield(len(m.pieces))
		m.peerHas[peerID] = bf
	}
	if !bf.HasPiece(index) {
		bf.SetPiece(index)
		m.availability[index]++
	}
}

// RemovePeer drops a peer's availability and releases every reservation it
// held so other connections can pick the blocks up.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if bf, ok := m.peerHas[peerID]; ok {
		for i := range m.pieces {
			if bf.HasPiece(i) {
				m.availability[i]--
			}
		}
		delete(m.peerHas, peerID)
	}
	m.releaseLocked(peerID, time.Time{})
}

// Reserve picks the next block to request from the given peer using
// rarest-first selection: among pieces the peer holds that are not yet
// Verified and not capped, the piece held by the fewest peers wins, ties
// broken by lowest index. Returns false when the peer has nothing we need.
func (m *Manager) Reserve(peerID string) (models.BlockRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf, ok := m.peerHas[peerID]
	if !ok {
		return models.BlockRequest{}, false
	}

	bestPiece := -1
	bestBlock := -1
	for i := range m.pieces {
		piece := &m.pieces[i]
		if piece.status == StatusVerified || piece.verifying || !bf.HasPiece(i) {
			continue
		}
		if piece.status == StatusMissing && m.inFlight >= m.cfg.MaxInFlightPieces {
			continue
		}
		block := m.pickBlockLocked(piece, peerID)
		if block < 0 {
			continue
		}
		if bestPiece < 0 || m.availability[i] < m.availability[bestPiece] {
			bestPiece = i
			bestBlock = block
		}
	}

	if bestPiece < 0 {
		return models.BlockRequest{}, false
	}

	piece := &m.pieces[bestPiece]
	if piece.status == StatusMissing {
		piece.status = StatusInProgress
		piece.buf = make([]byte, piece.length)
		piece.blocks = make([]blockState, (piece.length+BlockSize-1)/BlockSize)
		m.inFlight++
	}

	now := time.Now()
	piece.blocks[bestBlock].reservedBy = peerID
	piece.blocks[bestBlock].issuedAt = now

	return models.BlockRequest{
		Index:    bestPiece,
		Begin:    bestBlock * BlockSize,
		Length:   piece.blockLength(bestBlock),
		IssuedTo: peerID,
		IssuedAt: now,
	}, true
}

// pickBlockLocked finds a requestable block in the piece: the first block
// that is neither received nor reserved. With endgame enabled, a block
// outstanding against another peer may be requested again.
func (m *Manager) pickBlockLocked(piece *pieceState, peerID string) int {
	if piece.status == StatusMissing {
		return 0
	}
	endgameCandidate := -1
	for i := range piece.blocks {
		b := &piece.blocks[i]
		if b.received {
			continue
		}
		if b.reservedBy == "" {
			return i
		}
		if m.cfg.Endgame && b.reservedBy != peerID && endgameCandidate < 0 {
			endgameCandidate = i
		}
	}
	return endgameCandidate
}

// HandleBlock records a received block. Receipt of a block already recorded
// is a no-op, so retransmissions never double-count downloaded bytes. When
// the last block of a piece arrives the piece is handed to the verify pool.
func (m *Manager) HandleBlock(peerID string, block models.Block) error {
	m.mu.Lock()

	if block.Index < 0 || block.Index >= len(m.pieces) {
		m.mu.Unlock()
		return ErrUnexpectedBlock
	}
	piece := &m.pieces[block.Index]
	if block.Begin%BlockSize != 0 || block.Begin+len(block.Data) > piece.length || len(block.Data) == 0 {
		m.mu.Unlock()
		return ErrUnexpectedBlock
	}
	if piece.status != StatusInProgress || piece.verifying {
		// stale delivery for a piece we no longer track, drop it
		m.mu.Unlock()
		return nil
	}

	blockIndex := block.Begin / BlockSize
	if len(block.Data) != piece.blockLength(blockIndex) {
		m.mu.Unlock()
		return ErrUnexpectedBlock
	}
	state := &piece.blocks[blockIndex]
	if state.received {
		m.mu.Unlock()
		return nil
	}

	copy(piece.buf[block.Begin:], block.Data)
	state.received = true
	state.reservedBy = ""
	piece.received++
	m.downloaded += int64(len(block.Data))

	var job *verifyJob
	if piece.received == len(piece.blocks) {
		piece.verifying = true
		job = &verifyJob{index: block.Index, data: piece.buf}
	}
	m.mu.Unlock()

	if job != nil {
		m.verifyCh <- *job
	}
	return nil
}

// ReleaseExpired hands back this peer's reservations older than the request
// timeout and returns them so the caller can send cancels and the blocks
// become eligible for another connection.
func (m *Manager) ReleaseExpired(peerID string, now time.Time) []models.BlockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(peerID, now.Add(-m.cfg.RequestTimeout))
}

// ReleaseAll hands back every outstanding reservation for the peer, used
// when the remote chokes us or the connection closes.
func (m *Manager) ReleaseAll(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(peerID, time.Time{})
}

// releaseLocked clears reservations held by peerID issued before cutoff.
// A zero cutoff releases everything the peer holds.
func (m *Manager) releaseLocked(peerID string, cutoff time.Time) []models.BlockRequest {
	var released []models.BlockRequest
	for i := range m.pieces {
		piece := &m.pieces[i]
		for j := range piece.blocks {
			b := &piece.blocks[j]
			if b.received || b.reservedBy != peerID {
				continue
			}
			if !cutoff.IsZero() && b.issuedAt.After(cutoff) {
				continue
			}
			b.reservedBy = ""
			released = append(released, models.BlockRequest{
				Index:    i,
				Begin:    j * BlockSize,
				Length:   piece.blockLength(j),
				IssuedTo: peerID,
				IssuedAt: b.issuedAt,
			})
		}
	}
	return released
}

func (m *Manager) verifyWorker() {
	defer m.wg.Done()
	for job := range m.verifyCh {
		sum := sha1.Sum(job.data)
		if bytes.Equal(sum[:], m.pieces[job.index].hash.Hash) {
			m.commitPiece(job)
		} else {
			m.rejectPiece(job.index)
		}
	}
}

func (m *Manager) commitPiece(job verifyJob) {
	offset := int64(job.index) * int64(m.meta.Info.PieceLength)
	if err := m.writer.WriteAt(job.data, offset); err != nil {
		// disk failure is fatal, the session cannot proceed without
		// durable storage
		m.log.Error("failed to write piece", slog.Int("piece", job.index), slog.Any("error", err))
		m.finish(err)
		return
	}

	m.mu.Lock()
	piece := &m.pieces[job.index]
	piece.status = StatusVerified
	piece.verifying = false
	piece.buf = nil
	piece.blocks = nil
	m.inFlight--
	m.verified++
	m.verifiedBytes += int64(piece.length)
	verified := m.verified
	complete := verified == len(m.pieces)
	m.mu.Unlock()

	m.log.Info("piece verified", slog.Int("piece", job.index), slog.Int("verified", verified))
	if complete {
		m.finish(nil)
	}
}

// rejectPiece discards a piece whose hash did not match and makes it
// eligible for re-selection. One corrupt or adversarial peer costs us a
// piece worth of traffic, never the download.
func (m *Manager) rejectPiece(index int) {
	m.mu.Lock()
	piece := &m.pieces[index]
	piece.reset()
	m.inFlight--
	m.mu.Unlock()

	m.log.Warn("piece failed hash check, resetting", slog.Int("piece", index))
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	already := m.finished
	m.finished = true
	m.mu.Unlock()
	if !already {
		m.done <- err
	}
}

// ReadBlock serves a block of a verified piece for upload and counts the
// bytes toward the uploaded total.
func (m *Manager) ReadBlock(index, begin, length int) ([]byte, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.pieces) || m.pieces[index].status != StatusVerified {
		m.mu.Unlock()
		return nil, ErrUnexpectedBlock
	}
	if begin < 0 || length <= 0 || length > 2*BlockSize || begin+length > m.pieces[index].length {
		m.mu.Unlock()
		return nil, ErrUnexpectedBlock
	}
	m.mu.Unlock()

	buf := make([]byte, length)
	offset := int64(index)*int64(m.meta.Info.PieceLength) + int64(begin)
	if err := m.writer.ReadAt(buf, offset); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.uploaded += int64(length)
	m.mu.Unlock()
	return buf, nil
}

// Bitfield reports the verified pieces, suitable for a bitfield message on
// new connections.
func (m *Manager) Bitfield() p2p.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()

	bf := p2p.NewBitfield(len(m.pieces))
	for i := range m.pieces {
		if m.pieces[i].status == StatusVerified {
			bf.SetPiece(i)
		}
	}
	return bf
}

// Progress returns a consistent snapshot of the counters.
func (m *Manager) Progress() Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Progress{
		VerifiedBytes:  m.verifiedBytes,
		TotalBytes:     int64(m.meta.TotalLength()),
		VerifiedPieces: m.verified,
		TotalPieces:    len(m.pieces),
		Uploaded:       m.uploaded,
		Downloaded:     m.downloaded,
	}
}

// PieceCount is the number of pieces in the torrent.
func (m *Manager) PieceCount() int {
	return len(m.pieces)
}

// Holds reports whether the block reservation at (index, begin) still
// belongs to peerID. A reservation disappears when the block arrives, when
// it is released, when the piece leaves InProgress, or when endgame hands
// it to another connection; callers drop their pipeline entry then.
func (m *Manager) Holds(peerID string, index, begin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.pieces) {
		return false
	}
	piece := &m.pieces[index]
	if piece.status != StatusInProgress || piece.verifying {
		return false
	}
	blockIndex := begin / BlockSize
	if begin%BlockSize != 0 || blockIndex >= len(piece.blocks) {
		return false
	}
	b := &piece.blocks[blockIndex]
	return !b.received && b.reservedBy == peerID
}

// Complete reports whether every piece is Verified.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verified == len(m.pieces)
}
