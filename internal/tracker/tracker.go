// Package tracker announces to HTTP and UDP trackers and returns the peers
// they hand out.
package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

var (
	// ErrNoUpdate means the tracker answered without a usable peer list.
	ErrNoUpdate            = errors.New("tracker returned no update")
	ErrUnsupportedProtocol = errors.New("unsupported tracker protocol")
	ErrNoTrackers          = errors.New("no usable trackers")
)

type Request struct {
	InfoHash   models.Hash
	PeerID     models.Hash
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	TrackerID  string
	Event      Event
}

type Response struct {
	Interval  time.Duration
	TrackerID string
	Peers     []models.Addr
}

type Announcer interface {
	Announce(ctx context.Context, req Request) (Response, error)
}

// New picks the announcer for the URL's scheme.
func New(announceURL string, client *http.Client, logger *slog.Logger) (Announcer, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse announce url %q", announceURL)
	}
	key := randomKey()
	switch u.Scheme {
	case "http", "https":
		return NewHTTPAnnouncer(u, client, key, logger), nil
	case "udp":
		return NewUDPAnnouncer(u, key, logger), nil
	default:
		return nil, errors.Wrapf(ErrUnsupportedProtocol, "%q", announceURL)
	}
}

// tiered walks announce-list tiers in order and moves a tracker that answered
// to the front of its tier.
type tiered struct {
	mu    sync.Mutex
	tiers [][]Announcer
	log   *slog.Logger
}

// NewFromMetafile builds an announcer over the metafile's announce-list,
// falling back to the single announce URL.
func NewFromMetafile(meta models.Metafile, client *http.Client, logger *slog.Logger) (Announcer, error) {
	urls := meta.AnnounceList
	if len(urls) == 0 && meta.Announce != "" {
		urls = [][]string{{meta.Announce}}
	}

	t := &tiered{log: logger}
	for _, tier := range urls {
		var announcers []Announcer
		for _, raw := range tier {
			a, err := New(raw, client, logger)
			if err != nil {
				logger.Warn("skipping tracker", slog.String("announce", raw), slog.Any("error", err))
				continue
			}
			announcers = append(announcers, a)
		}
		if len(announcers) > 0 {
			t.tiers = append(t.tiers, announcers)
		}
	}
	if len(t.tiers) == 0 {
		return nil, ErrNoTrackers
	}
	return t, nil
}

func (t *tiered) Announce(ctx context.Context, req Request) (Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := ErrNoTrackers
	for _, tier := range t.tiers {
		for i, a := range tier {
			resp, aerr := a.Announce(ctx, req)
			if aerr != nil {
				t.log.Debug("tracker failed", slog.Any("error", aerr))
				err = aerr
				continue
			}
			copy(tier[1:i+1], tier[:i])
			tier[0] = a
			return resp, nil
		}
	}
	return Response{}, err
}

func randomKey() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(b[:])
}
