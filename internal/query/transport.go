package query

import (
	"fmt"
	"net"
	"time"
)

// Default transport tuning, overridable through the client options.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultBufferSize = 2048
)

// roundTrip performs exactly one request/response exchange: open an
// ephemeral UDP socket, send one datagram, wait for one datagram or the
// deadline, tear down. Authentication and decoding happen above this
// layer; retries do not happen at all.
func roundTrip(srv Server, pkt []byte, timeout time.Duration, bufSize int) ([]byte, error) {
	raddr, err := net.ResolveUDPAddr("udp4", srv.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrUnavailable, srv.Addr(), err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if _, err := conn.Write(pkt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	buf := make([]byte, bufSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return buf[:n], nil
}
