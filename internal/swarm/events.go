package swarm

import (
	"net"

	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/tracker"
)

type event interface{}

type (
	handshakeEvent struct {
		conn Conn
		hs   p2p.Handshake
	}
	messageEvent struct {
		conn Conn
		msg  p2p.Message
	}
	closedEvent struct {
		conn Conn
		err  error
	}
	dialEvent struct {
		addr models.Addr
		conn net.Conn
		err  error
	}
	inboundEvent struct {
		conn net.Conn
	}
	timeoutEvent struct {
		key blockKey
		gen uint64
	}
	storedEvent struct {
		key      blockKey
		verified bool
		err      error
	}
	announceTickEvent struct {
		gen uint64
	}
	announceEvent struct {
		event tracker.Event
		resp  tracker.Response
		err   error
	}
	addPeersEvent struct {
		addrs []models.Addr
	}
)

// sessionEvents forwards session callbacks onto the loop.
type sessionEvents struct {
	c *Coordinator
}

func (h sessionEvents) HandshakeReceived(s *p2p.Session, hs p2p.Handshake) {
	h.c.post(handshakeEvent{conn: s, hs: hs})
}

func (h sessionEvents) MessageReceived(s *p2p.Session, msg p2p.Message) {
	h.c.post(messageEvent{conn: s, msg: msg})
}

func (h sessionEvents) Closed(s *p2p.Session, err error) {
	h.c.post(closedEvent{conn: s, err: err})
}
