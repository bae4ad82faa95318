package logic

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callistan/riptide/internal/decoder"
	"github.com/callistan/riptide/internal/pieces"
	"github.com/callistan/riptide/internal/shared/models"
	"github.com/callistan/riptide/internal/tracker"
)

func TestWebSeedSpans(t *testing.T) {
	t.Run("single file", func(t *testing.T) {
		meta := models.Metafile{Info: models.Info{Name: "test.iso", Length: 1000}}

		spans := webSeedSpans("http://seed.example.com/files", meta)

		require.Len(t, spans, 1)
		assert.Equal(t, "http://seed.example.com/files/test.iso", spans[0].url)
		assert.EqualValues(t, 0, spans[0].begin)
		assert.EqualValues(t, 1000, spans[0].end)
	})

	t.Run("multi file", func(t *testing.T) {
		meta := models.Metafile{Info: models.Info{
			Name: "Torrent_Folder",
			Files: []models.File{
				{Length: 1000, Path: []string{"subfolder1", "file1.txt"}},
				{Length: 2000, Path: []string{"file2.txt"}},
			},
		}}

		spans := webSeedSpans("http://seed.example.com/", meta)

		require.Len(t, spans, 2)
		assert.Equal(t, "http://seed.example.com/Torrent_Folder/subfolder1/file1.txt", spans[0].url)
		assert.EqualValues(t, 0, spans[0].begin)
		assert.EqualValues(t, 1000, spans[0].end)
		assert.Equal(t, "http://seed.example.com/Torrent_Folder/file2.txt", spans[1].url)
		assert.EqualValues(t, 1000, spans[1].begin)
		assert.EqualValues(t, 3000, spans[1].end)
	})
}

func TestWebSeedWorkerDownloadsPayload(t *testing.T) {
	meta, content := buildTestTorrent(t, 2, 2*pieces.BlockSize)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/payload.bin", r.URL.Path)
		http.ServeContent(w, r, "payload.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	outputDir := t.TempDir()
	writer, err := pieces.NewWriter(meta, outputDir)
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	manager := pieces.NewManager(meta, writer, pieces.Config{}, discardLogger())
	t.Cleanup(manager.Close)

	ws := newWebSeedWorker(srv.URL, meta, manager, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ws.run(ctx))
	require.True(t, manager.Complete())

	got, err := os.ReadFile(filepath.Join(outputDir, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWebSeedWorkerGivesUp(t *testing.T) {
	meta, _ := buildTestTorrent(t, 1, pieces.BlockSize)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	writer, err := pieces.NewWriter(meta, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { writer.Close() })

	manager := pieces.NewManager(meta, writer, pieces.Config{}, discardLogger())
	t.Cleanup(manager.Close)

	ws := newWebSeedWorker(srv.URL, meta, manager, discardLogger())
	ws.backoff = tracker.Backoff{Base: time.Millisecond, Max: time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = ws.run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web seed gave up")

	// the failed reservations must be assignable to another connection
	manager.AddPeerBitfield("other", fullBitfield(1))
	_, ok := manager.Reserve("other")
	assert.True(t, ok)
}

func TestDownloadFromWebSeedOnly(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	sum := sha1.Sum(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "test.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	// no announce key at all, the url-list is the only source
	seedURL := srv.URL + "/"
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "d8:url-list%d:%s", len(seedURL), seedURL)
	buf.WriteString("4:infod6:lengthi16384e4:name8:test.bin12:piece lengthi16384e6:pieces20:")
	buf.Write(sum[:])
	buf.WriteString("ee")

	d := NewDownloader(decoder.NewDecoder(), discardLogger(), Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outputDir := t.TempDir()
	require.NoError(t, d.Download(ctx, bytes.NewReader(buf.Bytes()), outputDir))

	got, err := os.ReadFile(filepath.Join(outputDir, "test.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}
