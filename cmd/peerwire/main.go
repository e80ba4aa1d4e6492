package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/decoder"
	"github.com/WendelHime/peerwire/internal/logic"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

func main() {
	cfg := config.Default()
	var (
		torrentPath string
		logPath     string
		logLevel    string
		peers       string
		uploadRate  string
		seed        bool
	)
	flag.StringVar(&torrentPath, "torrent", "", "Specify the input torrent file")
	flag.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Specify the output directory")
	flag.IntVar(&cfg.ListenPort, "port", cfg.ListenPort, "Port to accept peer connections on")
	flag.BoolVar(&cfg.Listen, "listen", cfg.Listen, "Accept inbound peer connections")
	flag.IntVar(&cfg.TargetPeers, "peers-target", cfg.TargetPeers, "Number of peers to keep connected")
	flag.IntVar(&cfg.MaxPeers, "peers-max", cfg.MaxPeers, "Maximum number of peer sessions")
	flag.IntVar(&cfg.MaxInflight, "inflight", cfg.MaxInflight, "Maximum outstanding block requests")
	flag.IntVar(&cfg.DiskWorkers, "disk-workers", cfg.DiskWorkers, "Goroutines writing and hashing blocks, 0 writes inline")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Time before an unanswered request is sent elsewhere")
	flag.StringVar(&peers, "peer", "", "Comma separated host:port peers to dial besides the tracker's")
	flag.StringVar(&uploadRate, "upload-rate", "", "Upload limit per second, e.g. 512KiB; empty for unlimited")
	flag.BoolVar(&seed, "seed", false, "Keep seeding after the download completes")
	flag.StringVar(&logPath, "log", "log.txt", "Log file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	flag.Parse()

	if torrentPath == "" {
		fmt.Fprintln(os.Stderr, "missing -torrent")
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(torrentPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	// Create a new logger and generate log file
	logOut, err := os.Create(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logOut.Close()
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	if uploadRate != "" {
		limit, err := humanize.ParseBytes(uploadRate)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg.UploadRateLimiter = rate.NewLimiter(rate.Limit(limit), max(int(limit), cfg.MaxRequestLength))
	}

	addrs, err := parsePeers(peers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	downloader := logic.NewDownloader(decoder.NewDecoder(logger), cfg, logic.Options{
		Seed:           seed,
		Peers:          addrs,
		ProgressOutput: os.Stderr,
	}, logger)
	err = downloader.Download(ctx, f)
	if err != nil {
		logger.Error("failed to download torrent", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		return
	}
}

func parsePeers(s string) ([]models.Addr, error) {
	var addrs []models.Addr
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		host, port, err := net.SplitHostPort(raw)
		if err != nil {
			return nil, err
		}
		ip := net.ParseIP(host)
		if ip == nil {
			ips, err := net.LookupIP(host)
			if err != nil || len(ips) == 0 {
				return nil, fmt.Errorf("resolve %s: %v", host, err)
			}
			ip = ips[0]
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, models.Addr{IP: ip, Port: uint16(p)})
	}
	return addrs, nil
}
