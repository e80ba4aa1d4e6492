package swarm

import (
	"log/slog"
	"time"

	"github.com/WendelHime/peerwire/internal/p2p"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/WendelHime/peerwire/internal/tracker"
)

type blockKey struct {
	piece int
	begin int
}

func keyOf(r models.BlockRequest) blockKey {
	return blockKey{piece: r.Index, begin: r.Begin}
}

// inflight is a request sent to a peer and not yet answered or timed out.
type inflight struct {
	req    models.BlockRequest
	peer   string
	issued time.Time
	gen    uint64
}

// pending is a buffered request. An empty peer means any peer will do.
type pending struct {
	req  models.BlockRequest
	peer string
}

// covered reports whether r needs no further requesting.
func (c *Coordinator) covered(r models.BlockRequest) bool {
	if _, ok := c.storing[keyOf(r)]; ok {
		return true
	}
	return c.store.HaveByteRange(r.Index, int64(r.Begin), int64(r.Length))
}

func (c *Coordinator) enqueue(r models.BlockRequest, peer string) bool {
	key := keyOf(r)
	if _, ok := c.buffered[key]; ok {
		return false
	}
	if _, ok := c.ledger[key]; ok {
		return false
	}
	if c.covered(r) {
		return false
	}
	c.buffered[key] = struct{}{}
	c.buffer = append(c.buffer, pending{req: r, peer: peer})
	return true
}

func (c *Coordinator) requeue(r models.BlockRequest) {
	c.enqueue(r, "")
}

// fill buffers blocks for every peer that is not choking us.
func (c *Coordinator) fill() {
	for _, p := range c.connectedPeers() {
		if !p.conn.State().PeerChokesUs {
			c.fillPeer(p)
		}
	}
}

// fillPeer buffers the missing blocks of up to MaxPiecesPerFill pieces p has
// and we lack, lowest index first.
func (c *Coordinator) fillPeer(p *peer) {
	if c.completed {
		return
	}
	needed := p.conn.State().Bitfield.AndNot(c.store.Bitfield())
	key := p.Addr.String()
	pieces := 0
	for _, piece := range needed.Indices(-1) {
		if pieces >= c.cfg.MaxPiecesPerFill {
			return
		}
		size := int(c.store.PieceSize(piece))
		added := false
		for begin := 0; begin < size; begin += c.cfg.BlockSize {
			r := models.BlockRequest{Index: piece, Begin: begin, Length: min(c.cfg.BlockSize, size-begin)}
			if c.enqueue(r, key) {
				added = true
			}
		}
		if added {
			pieces++
		}
	}
}

// canRequest reports whether p can be asked for piece right now.
func (c *Coordinator) canRequest(p *peer, piece int) bool {
	if p == nil || p.conn == nil {
		return false
	}
	st := p.conn.State()
	return !st.PeerChokesUs && st.Bitfield.Has(piece)
}

// dispatch sends buffered requests while the in-flight limit allows.
func (c *Coordinator) dispatch() {
	for c.live < c.cfg.MaxInflight && len(c.buffer) > 0 {
		next := c.buffer[0]
		c.buffer[0] = pending{}
		c.buffer = c.buffer[1:]
		key := keyOf(next.req)
		delete(c.buffered, key)

		if _, ok := c.ledger[key]; ok || c.covered(next.req) {
			continue
		}
		p := c.peers[next.peer]
		if !c.canRequest(p, next.req.Index) {
			p = c.pickPeer(next.req.Index)
			if p == nil {
				continue
			}
		}
		c.request(p, next.req)
	}
}

func (c *Coordinator) pickPeer(piece int) *peer {
	for _, p := range c.connectedPeers() {
		if c.canRequest(p, piece) {
			return p
		}
	}
	return nil
}

func (c *Coordinator) request(p *peer, r models.BlockRequest) {
	p.conn.Send(p2p.Request{Index: uint32(r.Index), Begin: uint32(r.Begin), Length: uint32(r.Length)})
	c.gen++
	key := keyOf(r)
	c.ledger[key] = &inflight{req: r, peer: p.Addr.String(), issued: time.Now(), gen: c.gen}
	c.live++

	gen := c.gen
	c.afterFunc(c.cfg.RequestTimeout, func() {
		c.post(timeoutEvent{key: key, gen: gen})
	})
}

// retire drops key from the ledger.
func (c *Coordinator) retire(key blockKey) {
	if _, ok := c.ledger[key]; ok {
		delete(c.ledger, key)
		c.live--
	}
}

func (c *Coordinator) onTimeout(key blockKey, gen uint64) {
	e, ok := c.ledger[key]
	if !ok || e.gen != gen {
		return
	}
	c.retire(key)
	c.log.Debug("request timed out", slog.String("peer", e.peer),
		slog.Int("piece", e.req.Index), slog.Int("begin", e.req.Begin))
	c.requeue(e.req)
	c.dispatch()
}

func (c *Coordinator) onPiece(p *peer, m p2p.Piece) {
	key := blockKey{piece: int(m.Index), begin: int(m.Begin)}
	c.retire(key)
	c.downloaded.Add(int64(len(m.Data)))

	if c.disk != nil {
		if _, ok := c.storing[key]; !ok && c.disk.submit(diskJob{key: key, data: m.Data}) {
			c.storing[key] = struct{}{}
			c.refill(p)
			return
		}
	}
	verified, err := c.store.StoreBlock(key.piece, int64(key.begin), m.Data)
	c.stored(key, verified, err)
	c.refill(p)
}

// refill buffers p's next blocks once it has answered a request.
func (c *Coordinator) refill(p *peer) {
	if p.conn != nil && !p.conn.State().PeerChokesUs {
		c.fillPeer(p)
	}
	c.dispatch()
}

func (c *Coordinator) onStored(e storedEvent) {
	delete(c.storing, e.key)
	c.stored(e.key, e.verified, e.err)
	if !e.verified {
		c.fill()
	}
	c.dispatch()
}

func (c *Coordinator) stored(key blockKey, verified bool, err error) {
	if err != nil {
		c.log.Warn("rejected block", slog.Int("piece", key.piece), slog.Int("begin", key.begin), slog.Any("error", err))
	}
	if verified {
		c.log.Debug("piece verified", slog.Int("piece", key.piece))
		for _, p := range c.connectedPeers() {
			p.conn.Send(p2p.Have{Index: uint32(key.piece)})
		}
		for _, p := range c.connectedPeers() {
			c.updateInterest(p)
		}
		if !c.completed && c.store.Complete() {
			c.completed = true
			c.log.Info("download complete")
			close(c.done)
			c.completedPending = true
			c.announce(tracker.EventCompleted)
		}
	}
}
