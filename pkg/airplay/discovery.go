package airplay

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/mdns"
)

const (
	EventDiscovered = "discovered"
	EventRemoved    = "removed"
	EventChanged    = "changed"
)

type Event struct {
	Type    string    `json:"type"`
	Device  *Device   `json:"device,omitempty"`
	Devices []*Device `json:"devices,omitempty"`
}

type LookupFunc func(ctx context.Context, service string, timeout time.Duration, onentry func(*mdns.ServiceEntry) bool) error

type QueryFunc func(ctx context.Context, host, service string) (*mdns.ServiceEntry, error)

// Scanner keeps the set of known receivers between scans and fires *Event
// to listeners on every membership change.
type Scanner struct {
	core.Listener

	Lookup LookupFunc
	Query  QueryFunc

	mu      sync.Mutex
	devices []*Device
}

func NewScanner() *Scanner {
	return &Scanner{Lookup: mdns.Discovery, Query: mdns.Query}
}

// Scan waits the whole timeout (or ctx) and returns the reconciled snapshot.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]*Device, error) {
	var found []*Device

	err := s.Lookup(ctx, mdns.ServiceAirPlay, timeout, func(entry *mdns.ServiceEntry) bool {
		if entry.Complete() && entry.IP.To4() != nil {
			found = append(found, NewDevice(entry))
		}
		return false
	})
	// partial result of a cancelled scan must not remove devices
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, core.Wrap(core.ErrTransport, "scan", err)
	}

	return s.Update(found), nil
}

// Update replaces known devices with found ones and fires events.
func (s *Scanner) Update(found []*Device) []*Device {
	next := dedup(found)

	s.mu.Lock()
	added, removed := Reconcile(s.devices, next)
	s.devices = next
	s.mu.Unlock()

	for _, d := range added {
		s.Fire(&Event{Type: EventDiscovered, Device: d})
	}
	for _, d := range removed {
		s.Fire(&Event{Type: EventRemoved, Device: d})
	}
	if len(added) > 0 || len(removed) > 0 {
		s.Fire(&Event{Type: EventChanged, Devices: next})
	}

	return next
}

func (s *Scanner) Devices() []*Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Device(nil), s.devices...)
}

// Find device in the last scan by name, device id or IP
func (s *Scanner) Find(query string) *Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Match(query) {
			return d
		}
	}
	return nil
}

// Resolve asks the host directly with unicast mDNS, for devices outside
// of multicast reach. Returns nil if the host doesn't answer.
func (s *Scanner) Resolve(ctx context.Context, host string) *Device {
	if s.Query == nil {
		return nil
	}
	entry, err := s.Query(ctx, host, mdns.ServiceAirPlay)
	if err != nil || entry == nil || !entry.Complete() || entry.IP.To4() == nil {
		return nil
	}
	return NewDevice(entry)
}

// Reconcile returns devices from next missing in prev and devices from prev missing in next.
func Reconcile(prev, next []*Device) (added, removed []*Device) {
	prevKeys := make(map[string]struct{}, len(prev))
	for _, d := range prev {
		prevKeys[d.Key()] = struct{}{}
	}

	nextKeys := make(map[string]struct{}, len(next))
	for _, d := range next {
		nextKeys[d.Key()] = struct{}{}
		if _, ok := prevKeys[d.Key()]; !ok {
			added = append(added, d)
		}
	}

	for _, d := range prev {
		if _, ok := nextKeys[d.Key()]; !ok {
			removed = append(removed, d)
		}
	}

	return
}

// dedup by key, sorted by name
func dedup(devices []*Device) []*Device {
	seen := map[string]struct{}{}
	var result []*Device
	for _, d := range devices {
		if _, ok := seen[d.Key()]; ok {
			continue
		}
		seen[d.Key()] = struct{}{}
		result = append(result, d)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return strings.ToLower(result[i].Name) < strings.ToLower(result[j].Name)
	})

	return result
}
