package models

// Peer is a known swarm member. PeerID stays zero until a handshake
// reveals it.
type Peer struct {
	Addr   Addr
	PeerID Hash
}
