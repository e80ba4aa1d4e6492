// Package p2p implements the BitTorrent peer wire protocol: the handshake,
// message framing and one Session per TCP connection.
package p2p

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

var ErrSendQueueFull = errors.New("send queue full")

// Handler receives everything a session reads. Calls come from the
// session's read goroutine, one at a time, and Closed is always the last.
type Handler interface {
	HandshakeReceived(s *Session, hs Handshake)
	MessageReceived(s *Session, msg Message)
	Closed(s *Session, err error)
}

type Options struct {
	// QueueSize bounds the outbound frames waiting to be written.
	QueueSize         int
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	MaxMessageLength  uint32
}

func DefaultOptions() Options {
	return Options{
		QueueSize:         512,
		IdleTimeout:       3 * time.Minute,
		WriteTimeout:      30 * time.Second,
		KeepAliveInterval: 2 * time.Minute,
		MaxMessageLength:  DefaultMaxMessageLength,
	}
}

type Session struct {
	conn     net.Conn
	addr     models.Addr
	outbound bool
	local    Handshake
	handler  Handler
	opts     Options
	log      *slog.Logger

	state *State

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	lastWrite atomic.Int64
}

// NewSession wraps conn. Outbound sessions send the local handshake as soon
// as they start; inbound ones answer the remote handshake.
func NewSession(conn net.Conn, addr models.Addr, local Handshake, outbound bool, numPieces int, handler Handler, opts Options, logger *slog.Logger) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.MaxMessageLength == 0 {
		opts.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Session{
		conn:     conn,
		addr:     addr,
		outbound: outbound,
		local:    local,
		handler:  handler,
		opts:     opts,
		log:      logger.With(slog.String("peer", addr.String())),
		state:    NewState(numPieces),
		out:      make(chan []byte, opts.QueueSize),
		done:     make(chan struct{}),
	}
}

func (s *Session) RemoteAddr() models.Addr {
	return s.addr
}

func (s *Session) Outbound() bool {
	return s.outbound
}

func (s *Session) State() *State {
	return s.state
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start launches the read and write goroutines.
func (s *Session) Start() {
	if s.outbound {
		s.enqueue(s.local.Bytes())
	}
	go s.writeLoop()
	go s.readLoop()
}

// Send queues msg without blocking. A peer that cannot keep up with its
// queue is disconnected.
func (s *Session) Send(msg Message) {
	b, err := msg.MarshalBinary()
	if err != nil {
		s.log.Error("failed to marshal message", slog.String("message", Name(msg)), slog.Any("error", err))
		return
	}
	s.enqueue(b)
}

func (s *Session) enqueue(b []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.out <- b:
	default:
		s.Close(ErrSendQueueFull)
	}
}

// Close tears the connection down. The first error wins and is reported
// to Handler.Closed.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrClosed
		}
		s.closeErr = err
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) readLoop() {
	dec := NewDecoder()
	dec.MaxLength = s.opts.MaxMessageLength
	buf := make([]byte, 32*1024)

	defer func() {
		<-s.done
		s.handler.Closed(s, s.closeErr)
	}()

	for {
		if s.opts.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			hs, msgs, ferr := dec.Feed(buf[:n])
			if hs != nil {
				if !s.outbound {
					s.enqueue(s.local.Bytes())
				}
				s.handler.HandshakeReceived(s, *hs)
			}
			for _, msg := range msgs {
				s.handler.MessageReceived(s, msg)
			}
			if ferr != nil {
				s.log.Debug("protocol violation", slog.Any("error", ferr))
				s.Close(ferr)
				return
			}
		}
		if err != nil {
			s.Close(errors.Wrap(err, "read"))
			return
		}
	}
}

func (s *Session) writeLoop() {
	s.lastWrite.Store(time.Now().UnixNano())

	var tick <-chan time.Time
	if s.opts.KeepAliveInterval > 0 {
		ticker := time.NewTicker(s.opts.KeepAliveInterval / 2)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case b := <-s.out:
			if err := s.write(b); err != nil {
				s.Close(errors.Wrap(err, "write"))
				return
			}
		case now := <-tick:
			idle := now.Sub(time.Unix(0, s.lastWrite.Load()))
			if idle < s.opts.KeepAliveInterval {
				continue
			}
			keepAlive, _ := KeepAlive{}.MarshalBinary()
			if err := s.write(keepAlive); err != nil {
				s.Close(errors.Wrap(err, "write keep-alive"))
				return
			}
		}
	}
}

func (s *Session) write(b []byte) error {
	if s.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	_, err := s.conn.Write(b)
	if err == nil {
		s.lastWrite.Store(time.Now().UnixNano())
	}
	return err
}

// Dial opens a TCP connection to addr.
func Dial(ctx context.Context, addr models.Addr, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}
