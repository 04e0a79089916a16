package airplay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/plist"
	"github.com/go2airplay/go2airplay/pkg/rtsp"
)

type endpoint struct {
	method string
	path   string
}

// playEndpoints - receivers from different vendors accept different variants
var playEndpoints = []endpoint{
	{"POST", PathPlay},
	{"PUT", PathPlay},
	{"POST", PathReverse},
	{"POST", "/playback-info"},
	{"POST", "/playback"},
	{"POST", "/stream"},
	{"POST", "/video"},
	{"POST", "/media"},
	{"POST", "/content"},
	{"PUT", PathPhoto},
}

const DefaultTransition = "Dissolve"

// teardownTimeout - TEARDOWN gets own context, caller one can be already done
const teardownTimeout = time.Second * 3

type PlayOptions struct {
	// Start - position in seconds
	Start float64
	// Duration - optional, seconds
	Duration float64
}

// Controller - high level media commands for one receiver
type Controller struct {
	Client *Client

	mu      sync.Mutex
	session *rtsp.Conn
}

func NewController(client *Client) *Controller {
	return &Controller{Client: client}
}

// PlayURL tries all play endpoints with binary plist body, then XML plist,
// then RTSP session, then Content-Location header only. Stops on first success.
func (m *Controller) PlayURL(ctx context.Context, mediaURL string, opts PlayOptions) error {
	c := m.Client

	dict := plist.NewDict().
		Set("Content-Location", mediaURL).
		Set("Start-Position", opts.Start)
	if opts.Duration > 0 {
		dict.Set("Duration", opts.Duration)
	}

	body, err := plist.Encode(dict)
	if err != nil {
		return core.Wrap(core.ErrProtocol, "play", err)
	}

	attempts := &AttemptsError{Op: "play"}

	for _, ep := range playEndpoints {
		if ep.path == PathReverse {
			err = m.playRTSP(ctx, mediaURL, false)
			if err == nil {
				return nil
			}
			attempts.add(ep.method, ep.path, nil, err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		res, err := c.Do(ctx, ep.method, ep.path, plist.MimeBinary, body, nil)
		if res.OK() && err == nil {
			c.Log.Debug().Str("endpoint", ep.method+" "+ep.path).Msg("[airplay] play")
			return nil
		}
		if isAuthError(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempts.add(ep.method, ep.path, res, err)
	}

	// XML plist on /play
	xml, err := plist.MarshalXML(dict)
	if err == nil {
		res, err := c.Do(ctx, "POST", PathPlay, plist.MimeXML, xml, nil)
		if res.OK() && err == nil {
			return nil
		}
		if isAuthError(err) {
			return err
		}
		attempts.add("POST", PathPlay+" (xml)", res, err)
	}

	// RTSP with any transport
	if err = m.playRTSP(ctx, mediaURL, true); err == nil {
		return nil
	}
	attempts.add("RTSP", PathReverse, nil, err)

	// Content-Location header only
	header := http.Header{
		"Content-Location": {mediaURL},
		"Start-Position":   {strconv.FormatFloat(opts.Start, 'f', 6, 64)},
	}
	res, err := c.Do(ctx, "POST", PathPlay, MimeParameters, nil, header)
	if res.OK() && err == nil {
		return nil
	}
	if isAuthError(err) {
		return err
	}
	attempts.add("POST", PathPlay+" (header)", res, err)

	return attempts
}

// playRTSP - reverse upgrade with SETUP/PLAY. A 101 alone is not success.
// With fallback the session may use direct TCP transport.
func (m *Controller) playRTSP(ctx context.Context, mediaURL string, fallback bool) error {
	c := m.Client

	mode := rtsp.ModeVideo
	if IsHLS(mediaURL) {
		mode = rtsp.ModeHLS
	}

	conn := rtsp.NewConn(c.Addr, mode, c.Identity)
	conn.ContentLocation = mediaURL
	conn.Auth = c.Auth
	conn.Log = c.Log

	var err error
	if fallback {
		err = conn.Dial(ctx)
	} else {
		err = conn.DialReverse(ctx)
	}
	if err != nil {
		return err
	}

	if err = conn.Start(ctx); err != nil {
		_ = conn.Close()
		return err
	}

	m.mu.Lock()
	old := m.session
	m.session = conn
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	return nil
}

// Session - active RTSP session after PlayURL, if any
func (m *Controller) Session() *rtsp.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Stop posts /stop and tears down RTSP session
func (m *Controller) Stop(ctx context.Context) error {
	m.mu.Lock()
	session := m.session
	m.session = nil
	m.mu.Unlock()

	if session != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		_ = session.Stop(tctx)
		cancel()
	}

	res, err := m.Client.Post(ctx, PathStop, "", nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return core.Errorf(core.ErrProtocol, "stop", res.Status)
	}
	return nil
}

// Scrub returns current position in seconds
func (m *Controller) Scrub(ctx context.Context) (float64, error) {
	res, err := m.Client.Get(ctx, PathScrub)
	if err != nil {
		return 0, err
	}
	if !res.OK() {
		return 0, core.Errorf(core.ErrProtocol, "scrub", res.Status)
	}

	position, ok := ParseScrub(res.Body)
	if !ok {
		return 0, core.Errorf(core.ErrProtocol, "scrub", "no position in: "+string(res.Body))
	}
	return position, nil
}

// SetScrub - seek to position in seconds
func (m *Controller) SetScrub(ctx context.Context, position float64) error {
	path := PathScrub + "?position=" + strconv.FormatFloat(position, 'f', 6, 64)
	res, err := m.Client.Post(ctx, path, "", nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return core.Errorf(core.ErrProtocol, "scrub", res.Status)
	}
	return nil
}

// Photo shows JPEG on the receiver
func (m *Controller) Photo(ctx context.Context, jpeg []byte, transition string) error {
	if transition == "" {
		transition = DefaultTransition
	}

	header := http.Header{
		"X-Apple-Transition": {transition},
		"X-Apple-AssetKey":   {core.NewUUID()},
	}

	res, err := m.Client.Do(ctx, "PUT", PathPhoto, MimeJPEG, jpeg, header)
	if err != nil {
		return err
	}
	if !res.OK() {
		return core.Errorf(core.ErrProtocol, "photo", res.Status)
	}
	return nil
}

// ParseScrub - "duration: 83.124794\nposition: 14.467000" or bare number
func ParseScrub(body []byte) (float64, bool) {
	s := string(body)
	for _, line := range strings.Split(s, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == "position" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			return f, err == nil
		}
	}

	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

func IsHLS(mediaURL string) bool {
	u := strings.ToLower(mediaURL)
	if i := strings.IndexAny(u, "?#"); i > 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".m3u8") || strings.HasSuffix(u, ".m3u")
}

func isAuthError(err error) bool {
	return errors.Is(err, core.ErrAuthFailed) || errors.Is(err, core.ErrAuthRequired)
}
