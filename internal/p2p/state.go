package p2p

import (
	"sort"

	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

// State is the choke/interest/availability bookkeeping of one connection.
// It is owned by the swarm event loop and is not safe for concurrent use.
type State struct {
	PeerChokesUs   bool
	WeChokePeer    bool
	PeerInterested bool
	WeInterested   bool
	Bitfield       bitfield.Bitfield
	// Requests are the blocks the peer asked us for.
	Requests map[models.BlockRequest]struct{}

	numPieces int
}

func NewState(numPieces int) *State {
	return &State{
		PeerChokesUs: true,
		WeChokePeer:  true,
		Bitfield:     bitfield.New(numPieces),
		Requests:     make(map[models.BlockRequest]struct{}),
		numPieces:    numPieces,
	}
}

// Apply updates the state for an inbound message. PIECE, PORT and
// keep-alives leave it untouched.
func (s *State) Apply(msg Message) error {
	switch m := msg.(type) {
	case KeepAlive, Piece, Port:
	case Choke:
		// A remote choke also drops what the peer asked of us.
		s.PeerChokesUs = true
		clear(s.Requests)
	case Unchoke:
		s.PeerChokesUs = false
	case Interested:
		s.PeerInterested = true
	case NotInterested:
		s.PeerInterested = false
	case Have:
		if int(m.Index) >= s.numPieces {
			return errors.Wrapf(ErrMalformedMessage, "have for piece %d of %d", m.Index, s.numPieces)
		}
		s.Bitfield.Set(int(m.Index))
	case Bitfield:
		if !m.Bits.Valid(s.numPieces) {
			return errors.Wrapf(ErrMalformedMessage, "bitfield of %d bytes for %d pieces", len(m.Bits), s.numPieces)
		}
		s.Bitfield = m.Bits.Clone()
	case Request:
		s.Requests[m.BlockRequest()] = struct{}{}
	case Cancel:
		delete(s.Requests, m.BlockRequest())
	case Unknown:
		return errors.Wrapf(ErrUnknownMessage, "id %d", m.ID)
	default:
		return errors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	return nil
}

// PendingRequests lists the peer's requests ordered by piece and offset.
func (s *State) PendingRequests() []models.BlockRequest {
	out := make([]models.BlockRequest, 0, len(s.Requests))
	for r := range s.Requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Begin < out[j].Begin
	})
	return out
}
