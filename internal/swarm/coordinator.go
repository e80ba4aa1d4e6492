// Package swarm schedules block requests across peer sessions. A single
// goroutine owns every peer's state, the request ledger and the pending
// buffer; sessions, timers, dials, tracker announces and disk workers only
// post events to it.
package swarm

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/config"
	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/tracker"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInfoHashMismatch = errors.New("info hash mismatch")
	ErrSelfConnection   = errors.New("connected to ourselves")
	ErrDuplicatePeer    = errors.New("already connected to peer")
	ErrTooManyPeers     = errors.New("too many peers")
	ErrShutdown         = errors.New("shutting down")
)

// Conn is the coordinator's view of a peer session.
type Conn interface {
	Send(msg p2p.Message)
	Close(err error)
	State() *p2p.State
	RemoteAddr() models.Addr
}

// Store is the piece storage the coordinator downloads into and seeds from.
type Store interface {
	StoreBlock(piece int, begin int64, data []byte) (bool, error)
	HavePiece(piece int) bool
	HaveByteRange(piece int, begin, length int64) bool
	ReadBlock(piece int, begin, length int64) ([]byte, error)
	Bitfield() bitfield.Bitfield
	Progress() float64
	Complete() bool
	Left() int64
	NumPieces() int
	PieceSize(piece int) int64
}

// DialFunc opens an outbound connection to a peer.
type DialFunc func(ctx context.Context, addr models.Addr) (net.Conn, error)

type Stats struct {
	Peers      int
	Downloaded int64
	Uploaded   int64
	Progress   float64
}

type peer struct {
	models.Peer
	conn Conn
	// dialable is set for addresses learned from a tracker or the caller.
	// Inbound peers connect from ephemeral ports and are never dialed back.
	dialable bool
}

type Coordinator struct {
	cfg       config.Config
	infoHash  models.Hash
	peerID    models.Hash
	store     Store
	choker    Choker
	announcer tracker.Announcer
	listener  *p2p.Listener
	dial      DialFunc
	afterFunc func(time.Duration, func())
	log       *slog.Logger

	events  chan event
	stopped chan struct{}
	done    chan struct{}
	ctx     context.Context

	// peer directory, in order of first sight
	known       []string
	peers       map[string]*peer
	byConn      map[Conn]*peer
	handshaking map[Conn]struct{}
	dialing     map[string]struct{}
	cursor      int

	ledger   map[blockKey]*inflight
	buffer   []pending
	buffered map[blockKey]struct{}
	storing  map[blockKey]struct{}
	live     int
	gen      uint64

	disk *diskPool

	announcing  bool
	nextEvent   tracker.Event
	queuedEvent tracker.Event
	started     bool
	trackerID   string
	interval    time.Duration
	announceGen uint64

	completed bool
	// completedPending is set from the moment the download finishes until
	// the tracker acknowledges the completed event.
	completedPending bool

	downloaded atomic.Int64
	uploaded   atomic.Int64
	connected  atomic.Int32
}

// New builds a coordinator for the torrent identified by infoHash. peerID is
// the identity sent in our handshakes.
func New(cfg config.Config, infoHash, peerID models.Hash, store Store, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		infoHash: infoHash,
		peerID:   peerID,
		store:    store,
		choker:   UnchokeAll{},
		dial: func(ctx context.Context, addr models.Addr) (net.Conn, error) {
			return p2p.Dial(ctx, addr, cfg.DialTimeout)
		},
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		log:       logger,

		events:  make(chan event, 256),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     context.Background(),

		peers:       make(map[string]*peer),
		byConn:      make(map[Conn]*peer),
		handshaking: make(map[Conn]struct{}),
		dialing:     make(map[string]struct{}),
		ledger:      make(map[blockKey]*inflight),
		buffered:    make(map[blockKey]struct{}),
		storing:     make(map[blockKey]struct{}),

		nextEvent: tracker.EventStarted,
		interval:  cfg.MinAnnounce,
	}
	if cfg.DiskWorkers > 0 {
		c.disk = newDiskPool(store, cfg.DiskWorkers)
	}
	if store.Complete() {
		c.completed = true
		close(c.done)
	}
	return c
}

func (c *Coordinator) WithAnnouncer(a tracker.Announcer) *Coordinator {
	c.announcer = a
	return c
}

func (c *Coordinator) WithChoker(ch Choker) *Coordinator {
	c.choker = ch
	return c
}

func (c *Coordinator) WithListener(l *p2p.Listener) *Coordinator {
	c.listener = l
	return c
}

func (c *Coordinator) WithDialer(d DialFunc) *Coordinator {
	c.dial = d
	return c
}

// Done is closed once every piece is verified.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Peers:      int(c.connected.Load()),
		Downloaded: c.downloaded.Load(),
		Uploaded:   c.uploaded.Load(),
		Progress:   c.store.Progress(),
	}
}

// AddPeers adds candidate addresses to the peer directory. Safe to call from
// any goroutine.
func (c *Coordinator) AddPeers(addrs ...models.Addr) {
	c.post(addPeersEvent{addrs: addrs})
}

// Run drives the event loop, the listener and the disk workers until ctx is
// cancelled or one of them fails.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if c.disk != nil {
		c.disk.run(ctx, g, c.post)
	}
	if c.listener != nil {
		g.Go(func() error {
			return c.listener.Serve(ctx, c.accept)
		})
	}
	g.Go(func() error {
		return c.loop(ctx)
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	defer close(c.stopped)
	c.ctx = ctx

	choke := time.NewTicker(c.cfg.ChokeInterval)
	defer choke.Stop()
	peers := time.NewTicker(c.cfg.PeerInterval)
	defer peers.Stop()
	fill := time.NewTicker(c.cfg.FillInterval)
	defer fill.Stop()
	service := time.NewTicker(c.cfg.ServiceInterval)
	defer service.Stop()
	progress := time.NewTicker(c.cfg.ProgressInterval)
	defer progress.Stop()

	c.log.Info("swarm started",
		slog.String("info_hash", c.infoHash.String()),
		slog.Int("pieces", c.store.NumPieces()),
		slog.String("left", humanize.IBytes(uint64(c.store.Left()))))
	c.announce(c.nextEvent)
	c.maintainPeers()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.handle(ev)
		case <-choke.C:
			c.chokeTick()
		case <-peers.C:
			c.maintainPeers()
		case <-fill.C:
			c.fill()
			c.dispatch()
		case <-service.C:
			c.serviceRequests()
		case <-progress.C:
			c.logProgress()
		}
	}
}

// post hands ev to the loop. It reports false once the loop has exited.
func (c *Coordinator) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.stopped:
		return false
	}
}

func (c *Coordinator) handle(ev event) {
	switch e := ev.(type) {
	case handshakeEvent:
		c.onHandshake(e.conn, e.hs)
	case messageEvent:
		c.onMessage(e.conn, e.msg)
	case closedEvent:
		c.onClosed(e.conn, e.err)
	case dialEvent:
		c.onDialed(e)
	case inboundEvent:
		c.onInbound(e.conn)
	case timeoutEvent:
		c.onTimeout(e.key, e.gen)
	case storedEvent:
		c.onStored(e)
	case announceEvent:
		c.onAnnounce(e)
	case announceTickEvent:
		if e.gen == c.announceGen {
			c.announce(c.nextEvent)
		}
	case addPeersEvent:
		for _, addr := range e.addrs {
			c.addPeer(addr, models.Hash{}, nil)
		}
	default:
		c.log.Error("unexpected event", slog.Any("event", ev))
	}
}

func (c *Coordinator) shutdown() {
	for conn := range c.byConn {
		conn.Close(ErrShutdown)
	}
	for conn := range c.handshaking {
		conn.Close(ErrShutdown)
	}
	if c.announcer != nil && c.started {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// a completed announce cut short by cancellation still has to reach
		// the tracker before stopped
		if c.completedPending {
			if _, err := c.announcer.Announce(ctx, c.announceRequest(tracker.EventCompleted)); err != nil {
				c.log.Debug("completed announce failed", slog.Any("error", err))
			}
		}
		if _, err := c.announcer.Announce(ctx, c.announceRequest(tracker.EventStopped)); err != nil {
			c.log.Debug("stopped announce failed", slog.Any("error", err))
		}
	}
	c.log.Info("swarm stopped",
		slog.String("downloaded", humanize.IBytes(uint64(c.downloaded.Load()))),
		slog.String("uploaded", humanize.IBytes(uint64(c.uploaded.Load()))))
}

func (c *Coordinator) logProgress() {
	c.log.Info("progress",
		slog.String("progress", humanize.FtoaWithDigits(c.store.Progress()*100, 2)+"%"),
		slog.Int("peers", len(c.byConn)),
		slog.Int("known", len(c.known)),
		slog.Int("inflight", c.live),
		slog.Int("buffered", len(c.buffer)),
		slog.String("downloaded", humanize.IBytes(uint64(c.downloaded.Load()))),
		slog.String("uploaded", humanize.IBytes(uint64(c.uploaded.Load()))))
}
