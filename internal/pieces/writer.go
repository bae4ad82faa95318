package pieces

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/callistan/riptide/internal/shared/models"
)

// fileSpan maps one output file onto the torrent's global byte range
// [begin, end).
type fileSpan struct {
	file  *os.File
	begin int64
	end   int64
}

// Writer maps torrent byte offsets onto the backing file(s). Piece writes
// target non-overlapping ranges, so concurrent WriteAt calls from the
// verify workers never race on the same bytes.
type Writer struct {
	mu    sync.Mutex
	spans []fileSpan
}

// NewWriter creates the output files and directories for the torrent. A
// single-file torrent becomes outputDir/name; a multi-file torrent becomes
// a directory named after the torrent containing each file path.
func NewWriter(meta models.Metafile, outputDir string) (*Writer, error) {
	w := &Writer{}

	if len(meta.Info.Files) == 0 {
		f, err := openOutputFile(filepath.Join(outputDir, meta.Info.Name))
		if err != nil {
			return nil, err
		}
		w.spans = []fileSpan{{file: f, begin: 0, end: int64(meta.Info.Length)}}
		return w, nil
	}

	offset := int64(0)
	root := filepath.Join(outputDir, meta.Info.Name)
	for _, file := range meta.Info.Files {
		parts := append([]string{root}, file.Path...)
		f, err := openOutputFile(filepath.Join(parts...))
		if err != nil {
			w.Close()
			return nil, err
		}
		w.spans = append(w.spans, fileSpan{file: f, begin: offset, end: offset + int64(file.Length)})
		offset += int64(file.Length)
	}

	return w, nil
}

func openOutputFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

// WriteAt writes data at the global torrent offset, splitting it across
// file boundaries as needed.
func (w *Writer) WriteAt(data []byte, off int64) error {
	for len(data) > 0 {
		span, err := w.spanFor(off)
		if err != nil {
			return err
		}

		n := min(int64(len(data)), span.end-off)
		if _, err := span.file.WriteAt(data[:n], off-span.begin); err != nil {
			return err
		}
		data = data[n:]
		off += n
	}
	return nil
}

// ReadAt fills buf from the global torrent offset, for serving block
// requests of verified pieces.
func (w *Writer) ReadAt(buf []byte, off int64) error {
	for len(buf) > 0 {
		span, err := w.spanFor(off)
		if err != nil {
			return err
		}

		n := min(int64(len(buf)), span.end-off)
		if _, err := span.file.ReadAt(buf[:n], off-span.begin); err != nil {
			return err
		}
		buf = buf[n:]
		off += n
	}
	return nil
}

func (w *Writer) spanFor(off int64) (fileSpan, error) {
	for _, span := range w.spans {
		if off >= span.begin && off < span.end {
			return span, nil
		}
	}
	return fileSpan{}, fmt.Errorf("offset %d outside torrent bounds", off)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	for _, span := range w.spans {
		if span.file == nil {
			continue
		}
		if err := span.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.spans = nil
	return firstErr
}
