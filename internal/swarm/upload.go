package swarm

import (
	"log/slog"
	"time"

	"github.com/WendelHime/peerwire/internal/p2p"
)

// serviceRequests answers the requests peers queued since the last pass.
// Requests for pieces we lack, or from peers we choke, are dropped.
func (c *Coordinator) serviceRequests() {
	for _, p := range c.connectedPeers() {
		st := p.conn.State()
		for _, r := range st.PendingRequests() {
			if st.WeChokePeer || !c.store.HavePiece(r.Index) || r.Length > c.cfg.MaxRequestLength {
				delete(st.Requests, r)
				continue
			}
			if l := c.cfg.UploadRateLimiter; l != nil && !l.AllowN(time.Now(), r.Length) {
				return
			}
			delete(st.Requests, r)
			data, err := c.store.ReadBlock(r.Index, int64(r.Begin), int64(r.Length))
			if err != nil {
				c.log.Debug("dropping request", slog.String("peer", p.Addr.String()), slog.Any("error", err))
				continue
			}
			p.conn.Send(p2p.Piece{Index: uint32(r.Index), Begin: uint32(r.Begin), Data: data})
			c.uploaded.Add(int64(len(data)))
		}
	}
}
