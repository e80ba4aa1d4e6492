package p2p

import (
	"encoding/binary"
	"fmt"

	"github.com/WendelHime/peerwire/internal/bitfield"
	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
	MessageIDPort
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message id")
)

// Message is one framed peer wire message. The set of implementations is
// closed: every concrete type lives in this file.
type Message interface {
	// MarshalBinary returns the length-prefixed frame.
	MarshalBinary() ([]byte, error)
	isMessage()
}

type (
	KeepAlive     struct{}
	Choke         struct{}
	Unchoke       struct{}
	Interested    struct{}
	NotInterested struct{}
	Have          struct{ Index uint32 }
	Bitfield      struct{ Bits bitfield.Bitfield }
	Request       struct{ Index, Begin, Length uint32 }
	Piece         struct {
		Index, Begin uint32
		Data         []byte
	}
	Cancel struct{ Index, Begin, Length uint32 }
	Port   struct{ Port uint16 }
	// Unknown carries a message id this client does not speak.
	Unknown struct {
		ID      MessageID
		Payload []byte
	}
)

func (KeepAlive) isMessage()     {}
func (Choke) isMessage()         {}
func (Unchoke) isMessage()       {}
func (Interested) isMessage()    {}
func (NotInterested) isMessage() {}
func (Have) isMessage()          {}
func (Bitfield) isMessage()      {}
func (Request) isMessage()       {}
func (Piece) isMessage()         {}
func (Cancel) isMessage()        {}
func (Port) isMessage()          {}
func (Unknown) isMessage()       {}

func frame(id MessageID, payload ...[]byte) []byte {
	length := 1
	for _, p := range payload {
		length += len(p)
	}
	buf := make([]byte, 5, 4+length)
	binary.BigEndian.PutUint32(buf, uint32(length))
	buf[4] = byte(id)
	for _, p := range payload {
		buf = append(buf, p...)
	}
	return buf
}

func triple(a, b, c uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf, a)
	binary.BigEndian.PutUint32(buf[4:], b)
	binary.BigEndian.PutUint32(buf[8:], c)
	return buf
}

func (KeepAlive) MarshalBinary() ([]byte, error) { return make([]byte, 4), nil }
func (Choke) MarshalBinary() ([]byte, error)     { return frame(MessageIDChoke), nil }
func (Unchoke) MarshalBinary() ([]byte, error)   { return frame(MessageIDUnchoke), nil }
func (Interested) MarshalBinary() ([]byte, error) {
	return frame(MessageIDInterested), nil
}
func (NotInterested) MarshalBinary() ([]byte, error) {
	return frame(MessageIDNotInterested), nil
}

func (m Have) MarshalBinary() ([]byte, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, m.Index)
	return frame(MessageIDHave, payload), nil
}

func (m Bitfield) MarshalBinary() ([]byte, error) {
	return frame(MessageIDBitfield, m.Bits), nil
}

func (m Request) MarshalBinary() ([]byte, error) {
	return frame(MessageIDRequest, triple(m.Index, m.Begin, m.Length)), nil
}

func (m Piece) MarshalBinary() ([]byte, error) {
	header := make([]byte, 8)
	binary.BigEndian.PutUint32(header, m.Index)
	binary.BigEndian.PutUint32(header[4:], m.Begin)
	return frame(MessageIDPiece, header, m.Data), nil
}

func (m Cancel) MarshalBinary() ([]byte, error) {
	return frame(MessageIDCancel, triple(m.Index, m.Begin, m.Length)), nil
}

func (m Port) MarshalBinary() ([]byte, error) {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, m.Port)
	return frame(MessageIDPort, payload), nil
}

func (m Unknown) MarshalBinary() ([]byte, error) {
	return frame(m.ID, m.Payload), nil
}

// BlockRequest converts a REQUEST or CANCEL into the shared request type.
func (m Request) BlockRequest() models.BlockRequest {
	return models.BlockRequest{Index: int(m.Index), Begin: int(m.Begin), Length: int(m.Length)}
}

func (m Cancel) BlockRequest() models.BlockRequest {
	return models.BlockRequest{Index: int(m.Index), Begin: int(m.Begin), Length: int(m.Length)}
}

// parseMessage decodes the body of a non-empty frame: the id byte and its
// payload.
func parseMessage(body []byte) (Message, error) {
	id, payload := MessageID(body[0]), body[1:]

	expect := func(n int) error {
		if len(payload) != n {
			return errors.Wrapf(ErrMalformedMessage, "id %d: payload of %d bytes, want %d", id, len(payload), n)
		}
		return nil
	}

	switch id {
	case MessageIDChoke, MessageIDUnchoke, MessageIDInterested, MessageIDNotInterested:
		if err := expect(0); err != nil {
			return nil, err
		}
		return [...]Message{Choke{}, Unchoke{}, Interested{}, NotInterested{}}[id], nil
	case MessageIDHave:
		if err := expect(4); err != nil {
			return nil, err
		}
		return Have{Index: binary.BigEndian.Uint32(payload)}, nil
	case MessageIDBitfield:
		return Bitfield{Bits: bitfield.Bitfield(append([]byte(nil), payload...))}, nil
	case MessageIDRequest, MessageIDCancel:
		if err := expect(12); err != nil {
			return nil, err
		}
		index := binary.BigEndian.Uint32(payload)
		begin := binary.BigEndian.Uint32(payload[4:])
		length := binary.BigEndian.Uint32(payload[8:])
		if id == MessageIDRequest {
			return Request{Index: index, Begin: begin, Length: length}, nil
		}
		return Cancel{Index: index, Begin: begin, Length: length}, nil
	case MessageIDPiece:
		if len(payload) < 8 {
			return nil, errors.Wrapf(ErrMalformedMessage, "piece payload of %d bytes", len(payload))
		}
		return Piece{
			Index: binary.BigEndian.Uint32(payload),
			Begin: binary.BigEndian.Uint32(payload[4:]),
			Data:  append([]byte(nil), payload[8:]...),
		}, nil
	case MessageIDPort:
		if err := expect(2); err != nil {
			return nil, err
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return Unknown{ID: id, Payload: append([]byte(nil), payload...)}, nil
	}
}

// Name is used in log lines.
func Name(msg Message) string {
	switch m := msg.(type) {
	case KeepAlive:
		return "keep-alive"
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Unknown:
		return fmt.Sprintf("unknown(%d)", m.ID)
	default:
		return fmt.Sprintf("%T", msg)
	}
}
