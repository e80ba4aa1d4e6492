package models

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
)

// Addr identifies a peer by host and port.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

func (a Addr) Equal(o Addr) bool {
	return a.IP.Equal(o.IP) && a.Port == o.Port
}

var ErrInvalidAddr = errors.New("invalid address")

func (a *Addr) ReadFromBytes(b []byte) error {
	if len(b) != 6 {
		return ErrInvalidAddr
	}

	a.IP = net.IPv4(b[0], b[1], b[2], b[3])
	a.Port = binary.BigEndian.Uint16(b[4:])

	return nil
}

// ParseCompactPeers splits the compact tracker form: 4 bytes of IPv4
// followed by 2 bytes of port, big-endian.
func ParseCompactPeers(b []byte) ([]Addr, error) {
	if len(b)%6 != 0 {
		return nil, ErrInvalidAddr
	}
	addrs := make([]Addr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var addr Addr
		if err := addr.ReadFromBytes(b[i : i+6]); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// AddrFromNet converts a TCP remote address into an Addr.
func AddrFromNet(a net.Addr) (Addr, error) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return Addr{IP: v.IP, Port: uint16(v.Port)}, nil
	default:
		host, port, err := net.SplitHostPort(a.String())
		if err != nil {
			return Addr{}, err
		}
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return Addr{}, err
		}
		return Addr{IP: net.ParseIP(host), Port: uint16(p)}, nil
	}
}
