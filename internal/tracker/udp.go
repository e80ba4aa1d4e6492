package tracker

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/WendelHime/peerwire/internal/shared/models"
	"github.com/pkg/errors"
)

const (
	udpProtocolID     = 0x41727101980
	udpActionConnect  = 0
	udpActionAnnounce = 1
	udpActionError    = 3

	defaultUDPTimeout = 15 * time.Second
)

var udpEvents = map[Event]uint32{
	EventNone:      0,
	EventCompleted: 1,
	EventStarted:   2,
	EventStopped:   3,
}

type UDPAnnouncer struct {
	host string
	key  uint32
	log  *slog.Logger
}

func NewUDPAnnouncer(u *url.URL, key uint32, logger *slog.Logger) *UDPAnnouncer {
	return &UDPAnnouncer{host: u.Host, key: key, log: logger}
}

func (u *UDPAnnouncer) Announce(ctx context.Context, req Request) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.host)
	if err != nil {
		return Response{}, errors.Wrapf(err, "dial %s", u.host)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultUDPTimeout)
	}
	conn.SetDeadline(deadline)

	connectionID, err := u.connect(conn)
	if err != nil {
		return Response{}, err
	}

	transactionID := rand.Uint32()
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], udpEvents[req.Event])
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: use the sender address
	binary.BigEndian.PutUint32(buf[88:92], u.key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))

	resp, err := roundTrip(conn, buf, udpActionAnnounce, transactionID, 20)
	if err != nil {
		return Response{}, err
	}

	peers, err := models.ParseCompactPeers(resp[20:])
	if err != nil {
		return Response{}, errors.Wrapf(ErrNoUpdate, "compact peers of %d bytes", len(resp)-20)
	}
	return Response{
		Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
		Peers:    peers,
	}, nil
}

func (u *UDPAnnouncer) connect(conn net.Conn) (uint64, error) {
	transactionID := rand.Uint32()
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(buf[12:16], transactionID)

	resp, err := roundTrip(conn, buf, udpActionConnect, transactionID, 16)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// roundTrip writes one datagram and reads the matching reply.
func roundTrip(conn net.Conn, out []byte, action, transactionID uint32, minLen int) ([]byte, error) {
	if _, err := conn.Write(out); err != nil {
		return nil, errors.Wrap(err, "write")
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, errors.Wrap(err, "read")
	}
	resp := buf[:n]
	if n < 8 {
		return nil, errors.Wrapf(ErrNoUpdate, "short reply of %d bytes", n)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != transactionID {
		return nil, errors.Wrapf(ErrNoUpdate, "transaction id %d, want %d", got, transactionID)
	}
	switch got := binary.BigEndian.Uint32(resp[0:4]); {
	case got == udpActionError:
		return nil, errors.Wrapf(ErrNoUpdate, "tracker failure: %s", resp[8:])
	case got != action:
		return nil, errors.Wrapf(ErrNoUpdate, "action %d, want %d", got, action)
	case n < minLen:
		return nil, errors.Wrapf(ErrNoUpdate, "short reply of %d bytes", n)
	}
	return resp, nil
}
