package p2p

import (
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

const (
	Protocol      = "BitTorrent protocol"
	HandshakeSize = 49 + len(Protocol)
)

var ErrBadHandshake = errors.New("bad handshake")

type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash models.Hash
	PeerID   models.Hash
}

func NewHandshake(infoHash, peerID models.Hash) Handshake {
	return Handshake{Pstr: Protocol, InfoHash: infoHash, PeerID: peerID}
}

// Bytes serialises the handshake preamble.
func (h Handshake) Bytes() []byte {
	pstr := h.Pstr
	if pstr == "" {
		pstr = Protocol
	}
	buf := make([]byte, 0, 49+len(pstr))
	buf = append(buf, byte(len(pstr)))
	buf = append(buf, pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// decodeHandshake parses a complete preamble of 49+pstrlen bytes.
func decodeHandshake(buf []byte) (Handshake, error) {
	pstrlen := int(buf[0])
	if len(buf) != 49+pstrlen {
		return Handshake{}, errors.Wrapf(ErrBadHandshake, "%d bytes for pstrlen %d", len(buf), pstrlen)
	}

	h := Handshake{Pstr: string(buf[1 : 1+pstrlen])}
	if h.Pstr != Protocol {
		return Handshake{}, errors.Wrapf(ErrBadHandshake, "protocol %q", h.Pstr)
	}
	rest := buf[1+pstrlen:]
	copy(h.Reserved[:], rest[:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerID[:], rest[28:48])
	return h, nil
}
