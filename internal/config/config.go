// Package config holds the tunables of a download session.
package config

import (
	"time"

	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// BlockSize is the canonical request size.
const BlockSize = 16 * 1024

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	OutputDir  string
	ListenPort int
	// Listen enables the inbound peer listener.
	Listen bool

	TargetPeers int
	MaxPeers    int
	NumWant     int

	BlockSize        int
	MaxInflight      int
	MaxPiecesPerFill int
	MaxRequestLength int
	RequestTimeout   time.Duration
	// RequeueOnDisconnect hands a dropped peer's requests back to the
	// buffer immediately instead of waiting for their timeouts.
	RequeueOnDisconnect bool

	ChokeInterval    time.Duration
	PeerInterval     time.Duration
	FillInterval     time.Duration
	ServiceInterval  time.Duration
	ProgressInterval time.Duration
	MinAnnounce      time.Duration
	DialTimeout      time.Duration

	// DiskWorkers > 0 moves block writes and piece hashing off the event
	// loop onto that many goroutines.
	DiskWorkers int

	UploadRateLimiter *rate.Limiter
	DialRateLimiter   *rate.Limiter

	Session p2p.Options
}

func Default() Config {
	return Config{
		OutputDir:        ".",
		ListenPort:       6881,
		Listen:           true,
		TargetPeers:      30,
		MaxPeers:         60,
		NumWant:          50,
		BlockSize:        BlockSize,
		MaxInflight:      64,
		MaxPiecesPerFill: 4,
		MaxRequestLength: 128 * 1024,
		RequestTimeout:   30 * time.Second,
		ChokeInterval:    10 * time.Second,
		PeerInterval:     5 * time.Second,
		FillInterval:     time.Second,
		ServiceInterval:  250 * time.Millisecond,
		ProgressInterval: 10 * time.Second,
		MinAnnounce:      30 * time.Second,
		DialTimeout:      5 * time.Second,
		DiskWorkers:      2,

		UploadRateLimiter: rate.NewLimiter(rate.Inf, 0),
		DialRateLimiter:   rate.NewLimiter(10, 10),
		Session:           p2p.DefaultOptions(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0 || c.BlockSize > c.MaxRequestLength:
		return errors.Wrapf(ErrInvalidConfig, "block size %d", c.BlockSize)
	case c.TargetPeers <= 0 || c.MaxPeers < c.TargetPeers:
		return errors.Wrapf(ErrInvalidConfig, "target peers %d, max peers %d", c.TargetPeers, c.MaxPeers)
	case c.MaxInflight <= 0:
		return errors.Wrapf(ErrInvalidConfig, "max inflight %d", c.MaxInflight)
	case c.MaxPiecesPerFill <= 0:
		return errors.Wrapf(ErrInvalidConfig, "max pieces per fill %d", c.MaxPiecesPerFill)
	case c.RequestTimeout <= 0:
		return errors.Wrapf(ErrInvalidConfig, "request timeout %s", c.RequestTimeout)
	case c.ListenPort < 0 || c.ListenPort > 65535:
		return errors.Wrapf(ErrInvalidConfig, "listen port %d", c.ListenPort)
	case c.DiskWorkers < 0:
		return errors.Wrapf(ErrInvalidConfig, "disk workers %d", c.DiskWorkers)
	}
	for _, d := range []time.Duration{c.ChokeInterval, c.PeerInterval, c.FillInterval, c.ServiceInterval, c.ProgressInterval} {
		if d <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "tick interval %s", d)
		}
	}
	// A finite upload limit must let a full block through in one go.
	if l := c.UploadRateLimiter; l != nil && l.Limit() != rate.Inf && l.Burst() < c.MaxRequestLength {
		return errors.Wrapf(ErrInvalidConfig, "upload burst %d below max request length %d", l.Burst(), c.MaxRequestLength)
	}
	return nil
}
