package rtsp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/tcp"
	"github.com/rs/zerolog"
)

const (
	ProtoRTSP      = "RTSP/1.0"
	MethodOptions  = "OPTIONS"
	MethodAnnounce = "ANNOUNCE"
	MethodSetup    = "SETUP"
	MethodPlay     = "PLAY"
	MethodTeardown = "TEARDOWN"
)

type Mode byte

const (
	ModeVideo Mode = iota
	ModeHLS
	ModePhoto
	ModeMirror
)

func (m Mode) String() string {
	switch m {
	case ModeVideo:
		return "video"
	case ModeHLS:
		return "hls"
	case ModePhoto:
		return "photo"
	case ModeMirror:
		return "mirror"
	}
	return "unknown"
}

type State byte

const (
	StateDisconnected State = iota
	StateConnected
	StateReady
	StateSetUp
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateSetUp:
		return "setup"
	case StatePlaying:
		return "playing"
	}
	return "unknown"
}

// Timeout - overall limit for one response
var Timeout = time.Second * 10

// PollWindow - how long to wait for headers after a lone status line
var PollWindow = time.Millisecond * 200

// MaxReconnects - transport re-acquisitions during one SETUP
const MaxReconnects = 3

// Conn - one RTSP control session with the receiver. Requests are strictly
// sequential. The transport is owned by Conn until Close.
type Conn struct {
	core.Listener

	Addr string
	Mode Mode

	// ContentLocation - media URL, goes to /reverse body and Content-Location header
	ContentLocation string

	Identity *tcp.Identity
	Auth     *tcp.Auth
	Log      zerolog.Logger

	// Session is assigned by device in any response
	Session string

	// DisableReverse skips /reverse upgrade and goes direct TCP
	DisableReverse bool

	conn     net.Conn
	reader   *bufio.Reader
	reversed bool
	sequence int
	state    State

	wmu sync.Mutex
}

func NewConn(addr string, mode Mode, identity *tcp.Identity) *Conn {
	if identity == nil {
		identity = tcp.NewIdentity("")
	}
	return &Conn{
		Addr:     tcp.Address(addr, tcp.DefaultPort),
		Mode:     mode,
		Identity: identity,
		Auth:     tcp.NewAuth(""),
		Log:      zerolog.Nop(),
	}
}

func (c *Conn) State() State {
	return c.state
}

// Reversed - transport is the HTTP connection upgraded via /reverse
func (c *Conn) Reversed() bool {
	return c.reversed
}

// Sequence - last used CSeq
func (c *Conn) Sequence() int {
	return c.sequence
}

// Request sends only Request
func (c *Conn) Request(req *tcp.Request) error {
	if c.conn == nil {
		return core.Errorf(core.ErrTransport, req.Method, "not connected")
	}

	if req.Proto == "" {
		req.Proto = ProtoRTSP
	}

	if req.Header == nil {
		req.Header = make(map[string][]string)
	}

	c.sequence++
	req.Header.Set("CSeq", strconv.Itoa(c.sequence))

	c.Identity.Apply(req.Header)
	c.Auth.Write(req)

	if c.Session != "" {
		req.Header.Set("Session", c.Session)
	}

	if req.Body != nil {
		req.Header.Set("Content-Length", strconv.Itoa(len(req.Body)))
	}

	c.Fire(req)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(Timeout)); err != nil {
		return core.Wrap(core.ErrTransport, req.Method, err)
	}
	if err := req.Write(c.conn); err != nil {
		return core.Wrap(core.ErrTransport, req.Method, err)
	}
	return nil
}

// Do send Request and receive Response. Status is not checked here, only one
// authenticated retry on 401 when password is known.
func (c *Conn) Do(ctx context.Context, req *tcp.Request) (*tcp.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.Wrap(core.ErrTransport, req.Method, err)
	}

	if err := c.Request(req); err != nil {
		return nil, err
	}

	res, err := c.ReadResponse()
	if err != nil {
		return nil, err
	}

	if res.StatusCode == http.StatusUnauthorized && c.Auth.Method() != tcp.AuthDigest && c.Auth.Password() != "" {
		if c.Auth.Read(res.Header.Get("WWW-Authenticate")) {
			return c.Do(ctx, req)
		}
	}

	return res, nil
}

// ReadResponse with lenient termination: a status line alone is the whole
// response when nothing else comes in PollWindow.
func (c *Conn) ReadResponse() (*tcp.Response, error) {
	if c.conn == nil {
		return nil, core.Errorf(core.ErrTransport, "read", "not connected")
	}

	deadline := time.Now().Add(Timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, core.Wrap(core.ErrTransport, "read", err)
	}

	res, err := tcp.ReadStatus(c.reader)
	if err != nil {
		return nil, readError(err)
	}

	if c.reader.Buffered() == 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(PollWindow))
		_, err = c.reader.Peek(1)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				res.Header = make(map[string][]string)
				c.Fire(res)
				return res, nil
			}
			return nil, readError(err)
		}
		_ = c.conn.SetReadDeadline(deadline)
	}

	if err = res.ReadHeader(c.reader); err != nil {
		return nil, readError(err)
	}

	if s := res.Header.Get("Session"); s != "" {
		// Session: 1234;timeout=60
		if i := strings.IndexByte(s, ';'); i > 0 {
			s = s[:i]
		}
		c.Session = s
	}

	c.Fire(res)

	return res, nil
}

// WriteInterleaved sends RTSP interleaved packet: $, channel, BE16 length, payload
func (c *Conn) WriteInterleaved(channel byte, payload []byte) error {
	if len(payload) > 0xFFFF {
		return core.Errorf(core.ErrProtocol, "write interleaved", "payload too big: "+strconv.Itoa(len(payload)))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.conn == nil {
		return core.Errorf(core.ErrTransport, "write interleaved", "not connected")
	}

	b := make([]byte, 4+len(payload))
	b[0] = '$'
	b[1] = channel
	b[2] = byte(len(payload) >> 8)
	b[3] = byte(len(payload))
	copy(b[4:], payload)

	if err := c.conn.SetWriteDeadline(time.Now().Add(Timeout)); err != nil {
		return core.Wrap(core.ErrTransport, "write interleaved", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return core.Wrap(core.ErrTransport, "write interleaved", err)
	}
	return nil
}

// Valid checks transport is still readable and writable
func (c *Conn) Valid() bool {
	if c.conn == nil {
		return false
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(Timeout)); err != nil {
		return false
	}

	if c.reader.Buffered() > 0 {
		return true
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	_, err := c.reader.Peek(1)
	_ = c.conn.SetReadDeadline(time.Time{})

	return err == nil || errors.Is(err, os.ErrDeadlineExceeded)
}

func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.state = StateDisconnected

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Conn) newRequest(method, uri string, body []byte) (*tcp.Request, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, core.Wrap(core.ErrProtocol, method, err)
	}
	return &tcp.Request{Method: method, URL: u, Body: body}, nil
}

// IsReset - transport was closed by the other side
func IsReset(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, net.ErrClosed)
}

func readError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return core.Wrap(core.ErrTimeout, "read", err)
	}
	if IsReset(err) {
		return core.Wrap(core.ErrTransport, "read", err)
	}
	return core.Wrap(core.ErrProtocol, "read", err)
}
