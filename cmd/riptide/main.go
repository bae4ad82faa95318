package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/callistan/riptide/internal/decoder"
	"github.com/callistan/riptide/internal/logic"
)

func main() {
	var torrentPath string
	var outputDir string
	var logPath string
	var verbose bool
	cfg := logic.DefaultConfig
	flag.StringVar(&torrentPath, "torrent", "", "path of the torrent file to download")
	flag.StringVar(&outputDir, "output", ".", "directory the payload is written to")
	flag.StringVar(&logPath, "log", "riptide.log", "path of the JSON log file")
	flag.BoolVar(&verbose, "verbose", false, "log at debug level")
	flag.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum concurrent peer connections")
	flag.IntVar(&cfg.PipelineDepth, "pipeline", cfg.PipelineDepth, "outstanding block requests per peer")
	flag.BoolVar(&cfg.Endgame, "endgame", cfg.Endgame, "allow duplicate block requests near completion")
	flag.Parse()

	if torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: riptide -torrent <file.torrent> [-output <dir>]")
		os.Exit(2)
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riptide: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	logOut, err := os.Create(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "riptide: %v\n", err)
		os.Exit(1)
	}
	defer logOut.Close()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	// first ctrl-c stops the session cleanly, a second one kills the process
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bar := progressbar.DefaultBytes(-1, "downloading")
	cfg.Progress = func(downloaded, total int64, activePeers int) {
		bar.ChangeMax64(total)
		bar.Set64(downloaded)
		bar.Describe(fmt.Sprintf("downloading (%d peers)", activePeers))
	}

	start := time.Now()
	downloader := logic.NewDownloader(decoder.NewDecoder(), logger, cfg)
	if err := downloader.Download(ctx, f, outputDir); err != nil {
		logger.Error("download failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "\nriptide: %v\n", err)
		os.Exit(1)
	}

	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nriptide: stopped")
		return
	}
	bar.Finish()
	fmt.Printf("\ndone in %s\n", time.Since(start).Round(time.Second))
}
