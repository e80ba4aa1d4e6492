package swarm

import (
	"log/slog"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/tracker"
	"github.com/pkg/errors"
)

func (c *Coordinator) announceRequest(event tracker.Event) tracker.Request {
	port := 0
	if c.listener != nil {
		port = c.listener.Port()
	}
	return tracker.Request{
		InfoHash:   c.infoHash,
		PeerID:     c.peerID,
		Port:       port,
		Uploaded:   c.uploaded.Load(),
		Downloaded: c.downloaded.Load(),
		Left:       c.store.Left(),
		NumWant:    c.cfg.NumWant,
		TrackerID:  c.trackerID,
		Event:      event,
	}
}

// announce starts a tracker announce unless one is already running, in which
// case a non-empty event waits for it to finish.
func (c *Coordinator) announce(event tracker.Event) {
	if c.announcer == nil {
		return
	}
	if c.announcing {
		if event != tracker.EventNone {
			c.queuedEvent = event
		}
		return
	}
	c.announcing = true
	req := c.announceRequest(event)
	ctx := c.ctx
	go func() {
		resp, err := c.announcer.Announce(ctx, req)
		c.post(announceEvent{event: event, resp: resp, err: err})
	}()
}

func (c *Coordinator) onAnnounce(e announceEvent) {
	c.announcing = false
	if e.err != nil {
		level := slog.LevelWarn
		if errors.Is(e.err, tracker.ErrNoUpdate) {
			level = slog.LevelDebug
		}
		c.log.Log(c.ctx, level, "announce failed", slog.String("event", string(e.event)), slog.Any("error", e.err))
	} else {
		switch e.event {
		case tracker.EventStarted:
			c.started = true
			c.nextEvent = tracker.EventNone
		case tracker.EventCompleted:
			c.completedPending = false
		}
		if e.resp.TrackerID != "" {
			c.trackerID = e.resp.TrackerID
		}
		if e.resp.Interval > 0 {
			c.interval = max(e.resp.Interval, c.cfg.MinAnnounce)
		}
		before := len(c.known)
		for _, addr := range e.resp.Peers {
			c.addPeer(addr, models.Hash{}, nil)
		}
		c.log.Info("announced",
			slog.String("event", string(e.event)),
			slog.Int("peers", len(e.resp.Peers)),
			slog.Int("new_peers", len(c.known)-before),
			slog.Duration("interval", c.interval))
	}

	c.announceGen++
	gen := c.announceGen
	c.afterFunc(c.interval, func() {
		c.post(announceTickEvent{gen: gen})
	})

	if c.queuedEvent != tracker.EventNone {
		event := c.queuedEvent
		c.queuedEvent = tracker.EventNone
		c.announce(event)
	}
}
