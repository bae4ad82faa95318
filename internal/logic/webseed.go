package logic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/callistan/riptide/internal/p2p"
	"github.com/callistan/riptide/internal/pieces"
	"github.com/callistan/riptide/internal/shared/models"
	"github.com/callistan/riptide/internal/tracker"
)

// maxWebSeedFailures ends a web seed worker after this many consecutive
// fetch failures.
const maxWebSeedFailures = 5

// webSeedSpan maps one remote file URL onto the torrent's global byte
// range [begin, end).
type webSeedSpan struct {
	url   string
	begin int64
	end   int64
}

// webSeedWorker pulls blocks from an HTTP server listed under the
// metainfo url-list key. A web seed carries the complete payload, so it
// registers a full bitfield with the manager and competes for blocks like
// any peer connection, fetching them with ranged GETs instead of the wire
// protocol.
type webSeedWorker struct {
	key         string
	spans       []webSeedSpan
	pieceLength int64
	manager     *pieces.Manager
	client      *http.Client
	log         *slog.Logger
	backoff     tracker.Backoff
}

func newWebSeedWorker(baseURL string, meta models.Metafile, manager *pieces.Manager, logger *slog.Logger) *webSeedWorker {
	return &webSeedWorker{
		key:         "webseed:" + baseURL,
		spans:       webSeedSpans(baseURL, meta),
		pieceLength: int64(meta.Info.PieceLength),
		manager:     manager,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         logger.With(slog.String("webseed", baseURL)),
		backoff:     tracker.Backoff{Base: time.Second, Max: 30 * time.Second},
	}
}

// webSeedSpans builds the per-file fetch URLs: base/name for a single-file
// torrent, base/name/path... for each file of a multi-file torrent.
func webSeedSpans(baseURL string, meta models.Metafile) []webSeedSpan {
	base := baseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	if len(meta.Info.Files) == 0 {
		return []webSeedSpan{{
			url:   base + meta.Info.Name,
			begin: 0,
			end:   int64(meta.Info.Length),
		}}
	}

	spans := make([]webSeedSpan, 0, len(meta.Info.Files))
	offset := int64(0)
	for _, file := range meta.Info.Files {
		parts := append([]string{meta.Info.Name}, file.Path...)
		spans = append(spans, webSeedSpan{
			url:   base + strings.Join(parts, "/"),
			begin: offset,
			end:   offset + int64(file.Length),
		})
		offset += int64(file.Length)
	}
	return spans
}

func (w *webSeedWorker) run(ctx context.Context) error {
	full := p2p.NewBitfield(w.manager.PieceCount())
	for i := 0; i < w.manager.PieceCount(); i++ {
		full.SetPiece(i)
	}
	w.manager.AddPeerBitfield(w.key, full)
	defer w.manager.RemovePeer(w.key)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, ok := w.manager.Reserve(w.key)
		if !ok {
			if w.manager.Complete() {
				return nil
			}
			// the remaining blocks are outstanding elsewhere, check back
			// shortly
			if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
				return err
			}
			continue
		}

		data, err := w.fetch(ctx, req)
		if err != nil {
			w.manager.ReleaseAll(w.key)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := w.backoff.Fail(time.Now())
			if w.backoff.Attempts() >= maxWebSeedFailures {
				return fmt.Errorf("web seed gave up after %d failures: %w", w.backoff.Attempts(), err)
			}
			w.log.Warn("web seed fetch failed", slog.Int("piece", req.Index), slog.Any("error", err))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}
		w.backoff.Reset()

		if err := w.manager.HandleBlock(w.key, models.Block{
			Index: req.Index,
			Begin: req.Begin,
			Data:  data,
		}); err != nil {
			return err
		}
	}
}

// fetch retrieves one block, split across file boundaries as needed.
func (w *webSeedWorker) fetch(ctx context.Context, req models.BlockRequest) ([]byte, error) {
	buf := make([]byte, 0, req.Length)
	off := int64(req.Index)*w.pieceLength + int64(req.Begin)
	remaining := int64(req.Length)

	for remaining > 0 {
		span, err := w.spanFor(off)
		if err != nil {
			return nil, err
		}
		n := min(remaining, span.end-off)
		part, err := w.get(ctx, span.url, off-span.begin, n)
		if err != nil {
			return nil, err
		}
		buf = append(buf, part...)
		off += n
		remaining -= n
	}
	return buf, nil
}

func (w *webSeedWorker) spanFor(off int64) (webSeedSpan, error) {
	for _, span := range w.spans {
		if off >= span.begin && off < span.end {
			return span, nil
		}
	}
	return webSeedSpan{}, fmt.Errorf("offset %d outside web seed spans", off)
}

// get fetches length bytes at start from the file URL. Servers that ignore
// the Range header and answer 200 are handled by discarding the prefix.
func (w *webSeedWorker) get(ctx context.Context, url string, start, length int64) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+length-1))

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("web seed %s: http status %s", url, resp.Status)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
