package swarm

import (
	"log/slog"
	"net"

	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

// Choker decides which connected peers may download from us.
type Choker interface {
	Unchoke(conns []Conn) []Conn
}

// UnchokeAll lets every connected peer download.
type UnchokeAll struct{}

func (UnchokeAll) Unchoke(conns []Conn) []Conn {
	return conns
}

// addPeer upserts addr into the directory and attaches conn when given.
// Addresses added without a session become dial candidates.
func (c *Coordinator) addPeer(addr models.Addr, peerID models.Hash, conn Conn) *peer {
	key := addr.String()
	p, ok := c.peers[key]
	if !ok {
		p = &peer{Peer: models.Peer{Addr: addr}}
		c.peers[key] = p
		c.known = append(c.known, key)
	}
	if !peerID.IsZero() {
		if !p.PeerID.IsZero() && p.PeerID != peerID {
			c.log.Warn("peer id changed", slog.String("peer", key),
				slog.String("old", p.PeerID.String()), slog.String("new", peerID.String()))
		}
		p.PeerID = peerID
	}
	if conn == nil {
		p.dialable = true
	} else {
		p.conn = conn
		c.byConn[conn] = p
		c.connected.Store(int32(len(c.byConn)))
	}
	return p
}

// connectedPeers lists peers with a live session in directory order.
func (c *Coordinator) connectedPeers() []*peer {
	out := make([]*peer, 0, len(c.byConn))
	for _, key := range c.known {
		if p := c.peers[key]; p.conn != nil {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) sessionCount() int {
	return len(c.byConn) + len(c.handshaking) + len(c.dialing)
}

func (c *Coordinator) accept(conn net.Conn) {
	if !c.post(inboundEvent{conn: conn}) {
		conn.Close()
	}
}

func (c *Coordinator) onInbound(conn net.Conn) {
	if c.sessionCount() >= c.cfg.MaxPeers {
		c.log.Debug("rejecting inbound peer", slog.String("peer", conn.RemoteAddr().String()), slog.Any("error", ErrTooManyPeers))
		conn.Close()
		return
	}
	addr, err := models.AddrFromNet(conn.RemoteAddr())
	if err != nil {
		c.log.Warn("rejecting inbound peer", slog.Any("error", err))
		conn.Close()
		return
	}
	c.startSession(conn, addr, false)
}

func (c *Coordinator) onDialed(e dialEvent) {
	delete(c.dialing, e.addr.String())
	if e.err != nil {
		c.log.Debug("dial failed", slog.String("peer", e.addr.String()), slog.Any("error", e.err))
		return
	}
	c.startSession(e.conn, e.addr, true)
}

func (c *Coordinator) startSession(conn net.Conn, addr models.Addr, outbound bool) {
	s := p2p.NewSession(conn, addr, p2p.NewHandshake(c.infoHash, c.peerID), outbound,
		c.store.NumPieces(), sessionEvents{c: c}, c.cfg.Session, c.log)
	c.handshaking[s] = struct{}{}
	s.Start()
}

func (c *Coordinator) onHandshake(conn Conn, hs p2p.Handshake) {
	delete(c.handshaking, conn)
	addr := conn.RemoteAddr()
	switch {
	case hs.InfoHash != c.infoHash:
		conn.Close(errors.Wrapf(ErrInfoHashMismatch, "got %s", hs.InfoHash))
		return
	case hs.PeerID == c.peerID:
		conn.Close(ErrSelfConnection)
		return
	}
	if p, ok := c.peers[addr.String()]; ok && p.conn != nil && p.conn != conn {
		conn.Close(ErrDuplicatePeer)
		return
	}

	p := c.addPeer(addr, hs.PeerID, conn)
	c.log.Debug("peer connected", slog.String("peer", addr.String()), slog.String("peer_id", string(hs.PeerID[:])))

	if bf := c.store.Bitfield(); bf.Any() {
		conn.Send(p2p.Bitfield{Bits: bf})
	}
	c.updateInterest(p)
}

func (c *Coordinator) onMessage(conn Conn, msg p2p.Message) {
	p, ok := c.byConn[conn]
	if !ok {
		return
	}
	st := conn.State()
	if err := st.Apply(msg); err != nil {
		c.log.Debug("closing peer", slog.String("peer", p.Addr.String()), slog.Any("error", err))
		conn.Close(err)
		return
	}

	switch m := msg.(type) {
	case p2p.Unchoke:
		c.fillPeer(p)
		c.dispatch()
	case p2p.Have, p2p.Bitfield:
		c.updateInterest(p)
		if !st.PeerChokesUs {
			c.fillPeer(p)
			c.dispatch()
		}
	case p2p.Request:
		if int(m.Length) > c.cfg.MaxRequestLength {
			c.log.Debug("dropping oversized request", slog.String("peer", p.Addr.String()), slog.Int("length", int(m.Length)))
			delete(st.Requests, m.BlockRequest())
		}
	case p2p.Piece:
		c.onPiece(p, m)
	}
}

func (c *Coordinator) onClosed(conn Conn, err error) {
	delete(c.handshaking, conn)
	p, ok := c.byConn[conn]
	if !ok {
		return
	}
	delete(c.byConn, conn)
	c.connected.Store(int32(len(c.byConn)))
	if p.conn == conn {
		p.conn = nil
	}
	c.log.Debug("peer disconnected", slog.String("peer", p.Addr.String()), slog.Any("error", err))

	if c.cfg.RequeueOnDisconnect {
		key := p.Addr.String()
		for k, e := range c.ledger {
			if e.peer == key {
				c.retire(k)
				c.requeue(e.req)
			}
		}
		c.dispatch()
	}
}

// updateInterest tells p whether it has pieces we still need, on change only.
func (c *Coordinator) updateInterest(p *peer) {
	st := p.conn.State()
	needed := st.Bitfield.AndNot(c.store.Bitfield()).Any()
	switch {
	case needed && !st.WeInterested:
		st.WeInterested = true
		p.conn.Send(p2p.Interested{})
	case !needed && st.WeInterested:
		st.WeInterested = false
		p.conn.Send(p2p.NotInterested{})
	}
}

// maintainPeers dials dialable peers round-robin until the target is
// reached.
func (c *Coordinator) maintainPeers() {
	want := c.cfg.TargetPeers - c.sessionCount()
	n := len(c.known)
	for i := 0; i < n && want > 0; i++ {
		key := c.known[c.cursor%n]
		p := c.peers[key]
		if _, dialing := c.dialing[key]; !p.dialable || p.conn != nil || dialing {
			c.cursor = (c.cursor + 1) % n
			continue
		}
		if l := c.cfg.DialRateLimiter; l != nil && !l.Allow() {
			return
		}
		c.cursor = (c.cursor + 1) % n
		c.dialing[key] = struct{}{}
		want--

		addr := p.Addr
		ctx := c.ctx
		go func() {
			conn, err := c.dial(ctx, addr)
			if !c.post(dialEvent{addr: addr, conn: conn, err: err}) && conn != nil {
				conn.Close()
			}
		}()
	}
}

func (c *Coordinator) chokeTick() {
	peers := c.connectedPeers()
	conns := make([]Conn, len(peers))
	for i, p := range peers {
		conns[i] = p.conn
	}
	unchoke := make(map[Conn]struct{})
	for _, conn := range c.choker.Unchoke(conns) {
		unchoke[conn] = struct{}{}
	}
	for _, conn := range conns {
		st := conn.State()
		_, ok := unchoke[conn]
		switch {
		case ok && st.WeChokePeer:
			st.WeChokePeer = false
			conn.Send(p2p.Unchoke{})
		case !ok && !st.WeChokePeer:
			st.WeChokePeer = true
			clear(st.Requests)
			conn.Send(p2p.Choke{})
		}
	}
}
