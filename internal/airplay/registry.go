package airplay

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/go2airplay/go2airplay/pkg/airplay"
	"github.com/go2airplay/go2airplay/pkg/mirror"
)

// credentials - CredentialProvider from config. Device is found by id first,
// then by name from the last scan. Empty result means "ask nobody else".
type credentials struct {
	mu       sync.Mutex
	pin      string
	password string
	devices  map[string]DeviceConfig
}

func newCredentials(cfg Config) *credentials {
	c := &credentials{pin: cfg.PIN, password: cfg.Password, devices: map[string]DeviceConfig{}}
	for k, v := range cfg.Devices {
		c.devices[strings.ToUpper(k)] = v
	}
	return c
}

func (c *credentials) lookup(device string) DeviceConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dc, ok := c.devices[strings.ToUpper(device)]; ok {
		return dc
	}

	if scanner != nil {
		if d := scanner.Find(device); d != nil {
			if dc, ok := c.devices[strings.ToUpper(d.Name)]; ok {
				return dc
			}
		}
	}

	return DeviceConfig{}
}

func (c *credentials) PIN(_ context.Context, device string) (string, error) {
	if pin := c.lookup(device).PIN; pin != "" {
		return pin, nil
	}
	if c.pin != "" {
		return c.pin, nil
	}
	return "", nil
}

func (c *credentials) Password(_ context.Context, device string) (string, error) {
	if pass := c.lookup(device).Password; pass != "" {
		return pass, nil
	}
	if c.password != "" {
		return c.password, nil
	}
	return "", nil
}

// SavePIN remembers PIN after successful pairing and writes it to config
func (c *credentials) SavePIN(device, pin string) {
	c.mu.Lock()
	key := strings.ToUpper(device)
	dc := c.devices[key]
	dc.PIN = pin
	c.devices[key] = dc
	c.mu.Unlock()

	if err := app.PatchConfig("pin", pin, "airplay", "devices", device); err != nil {
		log.Warn().Err(err).Str("device", device).Msg("[airplay] save pin")
	}
}

// session - control objects for one receiver, shared by API requests
type session struct {
	device *airplay.Device
	client *airplay.Client
	media  *airplay.Controller

	mu       sync.Mutex
	pipeline *mirror.Pipeline
	cancel   context.CancelFunc
	done     chan struct{}
}

var (
	sessions   map[string]*session
	sessionsMu sync.Mutex
)

var errNoDevice = errors.New("airplay: no dst")

const resolveTimeout = 2 * time.Second

// getSession finds device in the last scan or uses dst as host[:port].
// Bare IP of a new device is resolved with unicast mDNS first.
func getSession(dst string) (*session, error) {
	if dst == "" {
		return nil, errNoDevice
	}

	d := scanner.Find(dst)
	if d == nil {
		d = airplay.NewDeviceAddr(dst)

		if net.ParseIP(dst) != nil && !hasSession(d.Addr()) {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
			if resolved := scanner.Resolve(ctx, dst); resolved != nil {
				d = resolved
			}
			cancel()
		}
	}

	key := d.Addr()

	sessionsMu.Lock()
	defer sessionsMu.Unlock()

	if s, ok := sessions[key]; ok {
		return s, nil
	}

	client := airplay.NewDeviceClient(d, identity)
	client.Credentials = creds
	client.Log = log
	client.Listen(func(msg any) {
		log.Trace().Str("addr", key).Msgf("[airplay] %v", msg)
	})

	s := &session{device: d, client: client, media: airplay.NewController(client)}
	sessions[key] = s
	return s, nil
}

func hasSession(key string) bool {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	_, ok := sessions[key]
	return ok
}
