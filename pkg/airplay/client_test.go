package airplay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/plist"
	"github.com/go2airplay/go2airplay/pkg/rtsp"
	"github.com/go2airplay/go2airplay/pkg/tcp"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

func (r recorded) String() string {
	return r.Method + " " + r.Path
}

type fakeReceiver struct {
	*httptest.Server

	mu       sync.Mutex
	requests []recorded
}

func newFakeReceiver(t *testing.T, handler func(w http.ResponseWriter, r *recorded)) *fakeReceiver {
	f := &fakeReceiver{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec := recorded{
			Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Header: r.Header, Body: body,
		}

		f.mu.Lock()
		f.requests = append(f.requests, rec)
		f.mu.Unlock()

		handler(w, &rec)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeReceiver) Addr() string {
	return f.Listener.Addr().String()
}

func (f *fakeReceiver) Requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var s []string
	for _, r := range f.requests {
		s = append(s, r.String())
	}
	return s
}

func (f *fakeReceiver) Last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func digestChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Digest realm="AirPlay", nonce="abc"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func digestValid(r *recorded, password string) bool {
	auth := r.Header.Get("Authorization")
	uri := core.Between(auth, `uri="`, `"`)
	want := tcp.DigestResponse(tcp.DigestUser, "AirPlay", password, "abc", r.Method, uri)
	return core.Between(auth, `response="`, `"`) == want
}

func TestCheckAuthRequired(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   AuthRequirement
	}{
		{name: "none", status: http.StatusOK, want: AuthRequirement{Kind: AuthNone}},
		{name: "digest", status: http.StatusUnauthorized, want: AuthRequirement{Kind: AuthDigest, Realm: "AirPlay"}},
		{name: "pairing", status: http.StatusForbidden, want: AuthRequirement{Kind: AuthPairing}},
		{name: "other", status: http.StatusInternalServerError, want: AuthRequirement{Kind: AuthUnknown}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
				if test.status == http.StatusUnauthorized {
					digestChallenge(w)
					return
				}
				w.WriteHeader(test.status)
			})

			c := NewClient(srv.Addr(), nil)
			require.Equal(t, test.want, c.CheckAuthRequired(context.Background()))
			require.Equal(t, []string{"POST /pair-setup"}, srv.Requests())
			require.Empty(t, srv.Last().Body)
		})
	}
}

func TestCheckAuthNetworkFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	require.Nil(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()

	req := NewClient(addr, nil).CheckAuthRequired(context.Background())
	require.Equal(t, AuthUnknown, req.Kind)
	require.True(t, req.Required())
}

func TestPairPINStrategies(t *testing.T) {
	const pin = "1234"
	challenge := []byte("challenge-bytes")

	tests := []struct {
		name   string
		accept func(r *recorded) bool
		want   []string
	}{
		{
			name: "raw verify",
			accept: func(r *recorded) bool {
				return r.Path == PathPairPinVerify && r.Header.Get("Content-Type") == "" && string(r.Body) == pin
			},
			want: []string{"POST /pair-pin-start", "POST /pair-pin-verify"},
		},
		{
			name: "octet-stream verify",
			accept: func(r *recorded) bool {
				return r.Path == PathPairPinVerify && r.Header.Get("Content-Type") == MimeOctetStream && string(r.Body) == pin
			},
			want: []string{"POST /pair-pin-start", "POST /pair-pin-verify", "POST /pair-pin-verify"},
		},
		{
			name: "challenge response",
			accept: func(r *recorded) bool {
				if r.Path != PathPairPinValidate {
					return false
				}
				d, err := plist.Decode(r.Body)
				return err == nil && d.String("response") == PINResponse(challenge, pin)
			},
			want: []string{
				"POST /pair-pin-start", "POST /pair-pin-verify", "POST /pair-pin-verify",
				"POST /pair-pin-start", "POST /pair-pin-validate",
			},
		},
		{
			name: "pin plist",
			accept: func(r *recorded) bool {
				if r.Path != PathPairPinValidate {
					return false
				}
				d, err := plist.Decode(r.Body)
				return err == nil && d.String("pin") == pin
			},
			want: []string{
				"POST /pair-pin-start", "POST /pair-pin-verify", "POST /pair-pin-verify",
				"POST /pair-pin-start", "POST /pair-pin-validate", "POST /pair-pin-validate",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
				switch {
				case r.Path == PathPairPinStart:
					_, _ = w.Write(challenge)
				case test.accept(r):
					w.WriteHeader(http.StatusOK)
				default:
					w.WriteHeader(http.StatusBadRequest)
				}
			})

			c := NewClient(srv.Addr(), nil)
			require.Nil(t, c.PairPIN(context.Background(), pin))
			require.Equal(t, test.want, srv.Requests())
		})
	}
}

type askedCredentials struct {
	pin   string
	calls []string
}

func (a *askedCredentials) PIN(ctx context.Context, device string) (string, error) {
	a.calls = append(a.calls, "pin "+device)
	return a.pin, nil
}

func (a *askedCredentials) Password(ctx context.Context, device string) (string, error) {
	a.calls = append(a.calls, "password "+device)
	return "", nil
}

func TestPairPINFromProvider(t *testing.T) {
	started := false
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		switch r.Path {
		case PathPairPinStart:
			started = true
		case PathPairPinVerify:
			if string(r.Body) == "5678" {
				return
			}
			w.WriteHeader(http.StatusForbidden)
		}
	})

	creds := &askedCredentials{pin: "5678"}

	c := NewClient(srv.Addr(), nil)
	c.ID = "AA:BB:CC:DD:EE:FF"
	c.Credentials = creds

	require.Nil(t, c.PairPIN(context.Background(), ""))
	require.True(t, started)
	require.Equal(t, []string{"pin AA:BB:CC:DD:EE:FF"}, creds.calls)
}

func TestPairPINFailed(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		w.WriteHeader(http.StatusForbidden)
	})

	c := NewClient(srv.Addr(), nil)
	err := c.PairPIN(context.Background(), "0000")
	require.ErrorIs(t, err, core.ErrPairingFailed)

	var attempts *AttemptsError
	require.True(t, errors.As(err, &attempts))
	require.Len(t, attempts.Attempts, 5)

	// no PIN and no provider
	err = c.PairPIN(context.Background(), "")
	require.ErrorIs(t, err, core.ErrPairingFailed)
}

func TestPlayURLFallback(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if r.Method == "POST" && r.Path == "/video" {
			return
		}
		http.NotFound(w, nil)
	})

	c := NewClient(srv.Addr(), nil)
	m := NewController(c)

	err := m.PlayURL(context.Background(), "http://example.com/movie.mp4", PlayOptions{Start: 0.25, Duration: 120})
	require.Nil(t, err)

	require.Equal(t, []string{
		"POST /play", "PUT /play", "POST /reverse", "POST /playback-info",
		"POST /playback", "POST /stream", "POST /video",
	}, srv.Requests())

	last := srv.Last()
	require.Equal(t, plist.MimeBinary, last.Header.Get("Content-Type"))
	require.Equal(t, c.Identity.SessionID, last.Header.Get("X-Apple-Session-ID"))

	body, err := plist.Decode(last.Body)
	require.Nil(t, err)
	require.Equal(t, "http://example.com/movie.mp4", body.String("Content-Location"))
	require.Equal(t, 0.25, body.Float("Start-Position"))
	require.Equal(t, 120.0, body.Float("Duration"))
	require.Equal(t, []string{"Content-Location", "Start-Position", "Duration"}, body.Keys())
}

// upgradeRTSP answers /reverse with 101 and serves RTSP on the same connection
func upgradeRTSP(w http.ResponseWriter, methods chan<- string, handler func(req *tcp.Request) string) {
	conn, rw, err := w.(http.Hijacker).Hijack()
	if err != nil {
		return
	}
	defer conn.Close()

	_, err = conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: PTTH/1.0\r\nConnection: Upgrade\r\n\r\n"))
	if err != nil {
		return
	}

	for {
		req, err := tcp.ReadRequest(rw.Reader)
		if err != nil {
			return
		}
		methods <- req.Method
		if _, err = conn.Write([]byte(handler(req))); err != nil {
			return
		}
	}
}

func rtspStatus(req *tcp.Request, status string) string {
	return "RTSP/1.0 " + status + "\r\nCSeq: " + req.Header.Get("CSeq") + "\r\nSession: 1\r\n\r\n"
}

func drain(methods chan string) (s []string) {
	for {
		select {
		case m := <-methods:
			s = append(s, m)
		default:
			return
		}
	}
}

func TestPlayURLReverse(t *testing.T) {
	methods := make(chan string, 100)

	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if r.Path == PathReverse {
			upgradeRTSP(w, methods, func(req *tcp.Request) string {
				return rtspStatus(req, "200 OK")
			})
			return
		}
		http.NotFound(w, nil)
	})

	m := NewController(NewClient(srv.Addr(), nil))
	require.Nil(t, m.PlayURL(context.Background(), "http://example.com/index.m3u8", PlayOptions{}))

	session := m.Session()
	require.NotNil(t, session)
	defer session.Close()

	require.True(t, session.Reversed())
	require.Equal(t, rtsp.StatePlaying, session.State())
	require.Equal(t, []string{"POST /play", "PUT /play", "POST /reverse"}, srv.Requests())

	got := drain(methods)
	require.Contains(t, got, rtsp.MethodSetup)
	require.Equal(t, rtsp.MethodPlay, got[len(got)-1])
}

func TestPlayURLReverseSetupFailed(t *testing.T) {
	methods := make(chan string, 100)

	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		switch r.Path {
		case PathReverse:
			upgradeRTSP(w, methods, func(req *tcp.Request) string {
				if req.Method == rtsp.MethodSetup {
					return rtspStatus(req, "400 Bad Request")
				}
				return rtspStatus(req, "200 OK")
			})
		case "/playback":
		default:
			http.NotFound(w, nil)
		}
	})

	m := NewController(NewClient(srv.Addr(), nil))
	require.Nil(t, m.PlayURL(context.Background(), "http://example.com/movie.mp4", PlayOptions{}))

	// 101 alone is not success, next endpoints are tried
	require.Nil(t, m.Session())
	require.Equal(t, []string{
		"POST /play", "PUT /play", "POST /reverse", "POST /playback-info", "POST /playback",
	}, srv.Requests())

	got := drain(methods)
	require.Contains(t, got, rtsp.MethodSetup)
	require.NotContains(t, got, rtsp.MethodPlay)
}

func TestPlayURLHeaderOnly(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if r.Path == PathPlay && r.Header.Get("Content-Location") != "" && len(r.Body) == 0 {
			return
		}
		http.NotFound(w, nil)
	})

	m := NewController(NewClient(srv.Addr(), nil))
	require.Nil(t, m.PlayURL(context.Background(), "http://example.com/a.mp4", PlayOptions{}))

	last := srv.Last()
	require.Equal(t, "http://example.com/a.mp4", last.Header.Get("Content-Location"))

	// XML variant was tried before
	var xml bool
	srv.mu.Lock()
	for _, r := range srv.requests {
		if r.Header.Get("Content-Type") == plist.MimeXML {
			xml = strings.Contains(string(r.Body), "<string>http://example.com/a.mp4</string>")
		}
	}
	srv.mu.Unlock()
	require.True(t, xml)
}

func TestPlayURLAllFailed(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		http.NotFound(w, nil)
	})

	m := NewController(NewClient(srv.Addr(), nil))
	err := m.PlayURL(context.Background(), "http://example.com/a.mp4", PlayOptions{})
	require.ErrorIs(t, err, core.ErrProtocol)

	var attempts *AttemptsError
	require.True(t, errors.As(err, &attempts))
	require.Len(t, attempts.Attempts, len(playEndpoints)+3)
	require.Equal(t, 404, attempts.Attempts[0].Status)
	require.Nil(t, m.Session())
}

func TestPlayURLDigest(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if !digestValid(r, "secret") {
			digestChallenge(w)
		}
	})

	c := NewClient(srv.Addr(), nil)
	c.Credentials = StaticCredentials{PasswordValue: "secret"}

	m := NewController(c)
	require.Nil(t, m.PlayURL(context.Background(), "http://example.com/a.mp4", PlayOptions{}))
	require.Equal(t, "secret", c.Auth.Password())

	// next request goes with credentials at once
	require.Nil(t, m.Stop(context.Background()))
	require.Equal(t, "POST /stop", srv.Last().String())
	require.NotEmpty(t, srv.Last().Header.Get("Authorization"))
}

func TestPlayURLDigestWrongPassword(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if !digestValid(r, "secret") {
			digestChallenge(w)
		}
	})

	c := NewClient(srv.Addr(), nil)
	c.Credentials = StaticCredentials{PasswordValue: "wrong"}

	err := NewController(c).PlayURL(context.Background(), "http://example.com/a.mp4", PlayOptions{})
	require.ErrorIs(t, err, core.ErrAuthFailed)

	// no other endpoints after terminal 401
	for _, r := range srv.Requests() {
		require.Equal(t, "POST /play", r)
	}
}

func TestAuthRequiredWithoutCredentials(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		digestChallenge(w)
	})

	_, err := NewClient(srv.Addr(), nil).Get(context.Background(), PathScrub)
	require.ErrorIs(t, err, core.ErrAuthRequired)
}

func TestAuthenticateDigest(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if !digestValid(r, "secret") {
			digestChallenge(w)
		}
	})

	c := NewClient(srv.Addr(), nil)
	c.Credentials = StaticCredentials{PasswordValue: "secret"}

	req, err := c.Authenticate(context.Background())
	require.Nil(t, err)
	require.Equal(t, AuthDigest, req.Kind)

	c = NewClient(srv.Addr(), nil)
	c.Credentials = StaticCredentials{PasswordValue: "wrong"}

	_, err = c.Authenticate(context.Background())
	require.ErrorIs(t, err, core.ErrAuthFailed)
}

func TestScrub(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if r.Method == "GET" {
			_, _ = w.Write([]byte("duration: 83.124794\nposition: 14.467000\n"))
		}
	})

	m := NewController(NewClient(srv.Addr(), nil))

	position, err := m.Scrub(context.Background())
	require.Nil(t, err)
	require.Equal(t, 14.467, position)

	require.Nil(t, m.SetScrub(context.Background(), 30))
	last := srv.Last()
	require.Equal(t, "POST /scrub", last.String())
	require.Equal(t, "position=30.000000", last.Query)
}

func TestParseScrub(t *testing.T) {
	f, ok := ParseScrub([]byte("12.5"))
	require.True(t, ok)
	require.Equal(t, 12.5, f)

	_, ok = ParseScrub([]byte("duration: 1"))
	require.False(t, ok)
}

func TestPhoto(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {})

	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xD9}
	m := NewController(NewClient(srv.Addr(), nil))
	require.Nil(t, m.Photo(context.Background(), jpeg, ""))

	last := srv.Last()
	require.Equal(t, "PUT /photo", last.String())
	require.Equal(t, MimeJPEG, last.Header.Get("Content-Type"))
	require.Equal(t, DefaultTransition, last.Header.Get("X-Apple-Transition"))
	require.Equal(t, jpeg, last.Body)
}

func TestServerInfoFallback(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		if r.Path != PathInfo {
			http.NotFound(w, nil)
			return
		}
		b, _ := plist.Encode(plist.NewDict().
			Set("deviceid", "58:55:CA:1A:E2:88").
			Set("features", int64(0x5A7FFFF7)).
			Set("model", "AppleTV2,1").
			Set("protovers", "1.0").
			Set("srcvers", "120.2"))
		w.Header().Set("Content-Type", plist.MimeBinary)
		_, _ = w.Write(b)
	})

	info, err := NewClient(srv.Addr(), nil).ServerInfo(context.Background())
	require.Nil(t, err)
	require.Equal(t, "58:55:CA:1A:E2:88", info.DeviceID)
	require.Equal(t, uint64(0x5A7FFFF7), info.Features)
	require.Equal(t, "AppleTV2,1", info.Model)
	require.True(t, info.Capabilities.Video)
	require.Equal(t, []string{"GET /server-info", "GET /info"}, srv.Requests())
}

func TestServerInfoXML(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {
		b, _ := plist.MarshalXML(plist.NewDict().
			Set("deviceid", "58:55:CA:1A:E2:88").
			Set("features", "0x5A7FFFF7,0x1E"))
		_, _ = w.Write(b)
	})

	info, err := NewClient(srv.Addr(), nil).ServerInfo(context.Background())
	require.Nil(t, err)
	require.Equal(t, uint64(0x5A7FFFFF), info.Features)
}

func TestTransientPairingHeader(t *testing.T) {
	srv := newFakeReceiver(t, func(w http.ResponseWriter, r *recorded) {})

	host, port, _ := net.SplitHostPort(srv.Addr())
	d := &Device{Name: "TV", IP: host, DeviceID: "AA"}
	d.Port = core.Atoi(port)
	d.TransientPairing = true

	identity := tcp.NewIdentity("")
	c := NewDeviceClient(d, identity)
	require.Equal(t, "AA", c.ID)
	require.False(t, identity.TransientPairing)

	_, err := c.Post(context.Background(), PathStop, "", nil)
	require.Nil(t, err)
	require.Equal(t, "4", srv.Last().Header.Get("X-Apple-HKP"))
	require.Equal(t, identity.SessionID, srv.Last().Header.Get("X-Apple-Session-ID"))
}
