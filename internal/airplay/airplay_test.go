package airplay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/go2airplay/go2airplay/pkg/airplay"
	"github.com/go2airplay/go2airplay/pkg/mdns"
	"github.com/go2airplay/go2airplay/pkg/yaml"
	"github.com/stretchr/testify/require"
)

// receiver - fake AirPlay device, answers with handler and records "METHOD /path"
type receiver struct {
	*httptest.Server

	mu       sync.Mutex
	requests []string
}

func newReceiver(t *testing.T, handler http.HandlerFunc) *receiver {
	rcv := &receiver{}
	rcv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rcv.mu.Lock()
		rcv.requests = append(rcv.requests, r.Method+" "+r.URL.Path)
		rcv.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(rcv.Close)
	return rcv
}

func (r *receiver) Requests() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.requests...)
}

func (r *receiver) entry(name string) *mdns.ServiceEntry {
	host, port, _ := net.SplitHostPort(r.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return &mdns.ServiceEntry{
		Name: name,
		IP:   net.ParseIP(host).To4(),
		Port: uint16(p),
		Info: map[string]string{
			"deviceid": "AA:BB:CC:DD:EE:FF",
			"model":    "AppleTV3,2",
			"features": "0x5A7FFFF7,0x1E",
			"flags":    "0x4",
		},
	}
}

func setup(t *testing.T, cfg Config, entries ...*mdns.ServiceEntry) {
	s := &airplay.Scanner{
		Lookup: func(ctx context.Context, service string, timeout time.Duration, onentry func(*mdns.ServiceEntry) bool) error {
			for _, e := range entries {
				onentry(e)
			}
			return nil
		},
	}

	initModule(cfg, s)

	if len(entries) > 0 {
		_, err := scan(context.Background())
		require.Nil(t, err)
	}
}

func call(handler http.HandlerFunc, method, target string, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	handler(w, r)
	return w
}

func TestDevices(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {})
	setup(t, defaultConfig(), rcv.entry("Living Room"))

	w := call(apiDevices, "GET", "/api/airplay", "")
	require.Equal(t, http.StatusOK, w.Code)

	var devices []map[string]any
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &devices))
	require.Len(t, devices, 1)
	require.Equal(t, "Living Room", devices[0]["name"])
	require.Equal(t, "AA:BB:CC:DD:EE:FF", devices[0]["device_id"])

	w = call(apiScan, "GET", "/api/airplay/scan", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = call(apiScan, "POST", "/api/airplay/scan", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPlayByName(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {})
	setup(t, defaultConfig(), rcv.entry("Living Room"))

	w := call(apiPlay, "POST", "/api/airplay/play?dst=living+room&url="+url.QueryEscape("http://host/movie.mp4")+"&start=10", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, []string{"POST /play"}, rcv.Requests())

	// same session for name and address
	s1, err := getSession("Living Room")
	require.Nil(t, err)
	s2, err := getSession(rcv.Listener.Addr().String())
	require.Nil(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", s1.client.ID)
}

func TestSessionResolveIP(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {})
	host, _, _ := net.SplitHostPort(rcv.Listener.Addr().String())

	var queries int
	s := &airplay.Scanner{
		Lookup: func(ctx context.Context, service string, timeout time.Duration, onentry func(*mdns.ServiceEntry) bool) error {
			return nil
		},
		Query: func(ctx context.Context, h, service string) (*mdns.ServiceEntry, error) {
			queries++
			return rcv.entry("Kitchen"), nil
		},
	}
	initModule(defaultConfig(), s)

	s1, err := getSession(host)
	require.Nil(t, err)
	require.Equal(t, "Kitchen", s1.device.Name)
	require.Equal(t, rcv.Listener.Addr().String(), s1.device.Addr())
	require.Equal(t, "AA:BB:CC:DD:EE:FF", s1.client.ID)

	s2, err := getSession(rcv.Listener.Addr().String())
	require.Nil(t, err)
	require.Same(t, s1, s2)

	// host:port is used as is
	require.Equal(t, 1, queries)
}

func TestPlayBadRequest(t *testing.T) {
	setup(t, defaultConfig())

	w := call(apiPlay, "POST", "/api/airplay/play?url=http://host/movie.mp4", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(apiPlay, "POST", "/api/airplay/play?dst=127.0.0.1", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(apiPlay, "GET", "/api/airplay/play", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestScrubAndStop(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "GET" && r.URL.Path == "/scrub" {
			_, _ = w.Write([]byte("duration: 120.000000\nposition: 42.500000\n"))
		}
	})
	setup(t, defaultConfig())

	dst := rcv.Listener.Addr().String()

	w := call(apiScrub, "GET", "/api/airplay/scrub?dst="+dst, "")
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]float64
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, 42.5, res["position"])

	w = call(apiScrub, "POST", "/api/airplay/scrub?dst="+dst+"&position=60", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = call(apiStop, "POST", "/api/airplay/stop?dst="+dst, "")
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, []string{"GET /scrub", "POST /scrub", "POST /stop"}, rcv.Requests())
}

func TestPhoto(t *testing.T) {
	var mu sync.Mutex
	var transition string
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		transition = r.Header.Get("X-Apple-Transition")
		mu.Unlock()
	})
	setup(t, defaultConfig())

	dst := rcv.Listener.Addr().String()

	w := call(apiPhoto, "POST", "/api/airplay/photo?dst="+dst, "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = call(apiPhoto, "POST", "/api/airplay/photo?dst="+dst+"&transition=SlideLeft", "\xFF\xD8\xFF\xD9")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"PUT /photo"}, rcv.Requests())
	mu.Lock()
	require.Equal(t, "SlideLeft", transition)
	mu.Unlock()
}

func TestAuthStatus(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	setup(t, defaultConfig())

	dst := rcv.Listener.Addr().String()

	w := call(apiAuth, "GET", "/api/airplay/auth?dst="+dst, "")
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]any
	require.Nil(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, "pairing", res["kind"])
	require.Equal(t, true, res["required"])

	// no PIN anywhere
	w = call(apiPair, "POST", "/api/airplay/pair?dst="+dst, "")
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestPairSavesPIN(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {})
	setup(t, defaultConfig(), rcv.entry("TV"))

	app.ConfigPath = filepath.Join(t.TempDir(), "config.yaml")
	t.Cleanup(func() { app.ConfigPath = "" })

	w := call(apiPair, "POST", "/api/airplay/pair?dst=TV&pin=1234", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, []string{"POST /pair-pin-start", "POST /pair-pin-verify"}, rcv.Requests())

	b, err := os.ReadFile(app.ConfigPath)
	require.Nil(t, err)

	var cfg struct {
		Mod Config `yaml:"airplay"`
	}
	require.Nil(t, yaml.Unmarshal(b, &cfg))
	require.Equal(t, "1234", cfg.Mod.Devices["AA:BB:CC:DD:EE:FF"].PIN)

	pin, err := creds.PIN(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.Nil(t, err)
	require.Equal(t, "1234", pin)
}

func TestCredentials(t *testing.T) {
	rcv := newReceiver(t, func(w http.ResponseWriter, r *http.Request) {})

	cfg := defaultConfig()
	cfg.PIN = "0000"
	cfg.Devices = map[string]DeviceConfig{
		"Bedroom":           {Password: "secret"},
		"11:22:33:44:55:66": {PIN: "5678"},
	}
	setup(t, cfg, rcv.entry("Bedroom"))

	ctx := context.Background()

	// by device id
	pin, err := creds.PIN(ctx, "11:22:33:44:55:66")
	require.Nil(t, err)
	require.Equal(t, "5678", pin)

	// by name from the last scan, PIN from defaults
	pass, err := creds.Password(ctx, "AA:BB:CC:DD:EE:FF")
	require.Nil(t, err)
	require.Equal(t, "secret", pass)

	pin, err = creds.PIN(ctx, "AA:BB:CC:DD:EE:FF")
	require.Nil(t, err)
	require.Equal(t, "0000", pin)

	// unknown device without default password
	pass, err = creds.Password(ctx, "unknown")
	require.Nil(t, err)
	require.Empty(t, pass)
}

func TestMirrorNotRunning(t *testing.T) {
	setup(t, defaultConfig())

	w := call(apiMirror, "GET", "/api/airplay/mirror?dst=127.0.0.1", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = call(apiMirror, "POST", "/api/airplay/mirror?dst=127.0.0.1&source=camera", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	for _, fps := range []string{"0", "-1", "61", "1000000001", "fast"} {
		w = call(apiMirror, "POST", "/api/airplay/mirror?dst=127.0.0.1&fps="+fps, "")
		require.Equal(t, http.StatusBadRequest, w.Code, fps)
	}

	s, err := getSession("127.0.0.1")
	require.Nil(t, err)
	_, running := s.mirrorStats()
	require.False(t, running)

	// stop without running pipeline is OK
	w = call(apiMirror, "DELETE", "/api/airplay/mirror?dst=127.0.0.1", "")
	require.Equal(t, http.StatusOK, w.Code)
}
