package mdns

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// Lookup uses hashicorp client. It doesn't need port 5353, so it works when
// another responder holds it without SO_REUSEADDR.
func Lookup(ctx context.Context, service string, timeout time.Duration, onentry func(*ServiceEntry) bool) error {
	if d, ok := ctx.Deadline(); ok {
		if left := time.Until(d); left < timeout {
			timeout = left
		}
	}

	entries := make(chan *mdns.ServiceEntry, 32)

	params := mdns.DefaultParams(serviceName(service))
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- mdns.Query(params)
		close(entries)
	}()

	stopped := false

	for e := range entries {
		if stopped || ctx.Err() != nil {
			continue // drain until Query returns
		}

		entry := &ServiceEntry{
			Name: InstanceName(e.Name),
			IP:   e.AddrV4,
			Port: uint16(e.Port),
			Info: ParseTXT(e.InfoFields),
		}
		if entry.IP == nil {
			entry.IP = e.Addr
		}

		if onentry(entry) {
			stopped = true
		}
	}

	if err := <-errCh; err != nil && !stopped {
		return err
	}

	return ctx.Err()
}

// serviceName converts "_airplay._tcp.local." to "_airplay._tcp".
func serviceName(service string) string {
	service = strings.TrimSuffix(service, ".")
	return strings.TrimSuffix(service, ".local")
}
