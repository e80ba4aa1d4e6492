package p2p

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Phase is the position of a connection in the handshake/framing machine.
type Phase int

const (
	PhaseAwaitingHandshake Phase = iota
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingHandshake:
		return "awaiting-handshake"
	case PhaseActive:
		return "active"
	default:
		return "closed"
	}
}

// DefaultMaxMessageLength bounds a single frame; a 16 KiB block needs a
// little over 16 KiB and a bitfield one bit per piece.
const DefaultMaxMessageLength = 1 << 21

var (
	ErrMessageTooLong = errors.New("message too long")
	ErrClosed         = errors.New("connection closed")
)

// Decoder turns a byte stream into a handshake followed by messages. It
// buffers partial input across Feed calls.
type Decoder struct {
	MaxLength uint32

	phase Phase
	buf   []byte
}

func NewDecoder() *Decoder {
	return &Decoder{MaxLength: DefaultMaxMessageLength}
}

func (d *Decoder) Phase() Phase {
	return d.phase
}

// Feed consumes data. The handshake is returned once, on the call that
// completes it. On error the decoder is closed; messages decoded before the
// offending frame are still returned.
func (d *Decoder) Feed(data []byte) (*Handshake, []Message, error) {
	if d.phase == PhaseClosed {
		return nil, nil, ErrClosed
	}
	d.buf = append(d.buf, data...)

	var hs *Handshake
	if d.phase == PhaseAwaitingHandshake {
		if len(d.buf) == 0 {
			return nil, nil, nil
		}
		size := 49 + int(d.buf[0])
		if len(d.buf) < size {
			return nil, nil, nil
		}
		h, err := decodeHandshake(d.buf[:size])
		if err != nil {
			d.close()
			return nil, nil, err
		}
		hs = &h
		d.buf = d.buf[size:]
		d.phase = PhaseActive
	}

	var msgs []Message
	for len(d.buf) >= 4 {
		length := binary.BigEndian.Uint32(d.buf)
		if length > d.MaxLength {
			d.close()
			return hs, msgs, errors.Wrapf(ErrMessageTooLong, "%d bytes", length)
		}
		if uint32(len(d.buf)-4) < length {
			break
		}
		body := d.buf[4 : 4+length]
		d.buf = d.buf[4+length:]
		if length == 0 {
			msgs = append(msgs, KeepAlive{})
			continue
		}
		msg, err := parseMessage(body)
		if err != nil {
			d.close()
			return hs, msgs, err
		}
		msgs = append(msgs, msg)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return hs, msgs, nil
}

func (d *Decoder) close() {
	d.phase = PhaseClosed
	d.buf = nil
}
