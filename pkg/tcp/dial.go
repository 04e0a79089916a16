package tcp

import (
	"context"
	"net"
	"strconv"

	"github.com/go2airplay/go2airplay/pkg/core"
)

// DefaultPort - AirPlay control port
const DefaultPort = 7000

// Address adds the default port when host hasn't one. IPv6 hosts get brackets.
func Address(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial - TCP connection to the receiver with ConnDialTimeout limit
func Dial(ctx context.Context, address string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, core.ConnDialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, core.Wrap(core.ErrTransport, "dial "+address, err)
	}
	return conn, nil
}
