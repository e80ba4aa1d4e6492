package p2p

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Listener accepts inbound peer connections.
type Listener struct {
	ln  net.Listener
	log *slog.Logger
}

func Listen(port int, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %d", port)
	}
	return &Listener{ln: ln, log: logger}, nil
}

func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Serve hands every accepted connection to accept until ctx is done.
func (l *Listener) Serve(ctx context.Context, accept func(net.Conn)) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.log.Warn("temporary accept failure", slog.Any("error", err))
				continue
			}
			return errors.Wrap(err, "accept")
		}
		accept(conn)
	}
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
