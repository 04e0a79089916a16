package airplay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/tcp"
	"github.com/rs/zerolog"
)

const (
	PathServerInfo      = "/server-info"
	PathInfo            = "/info"
	PathPlay            = "/play"
	PathStop            = "/stop"
	PathScrub           = "/scrub"
	PathPhoto           = "/photo"
	PathReverse         = "/reverse"
	PathPairPinStart    = "/pair-pin-start"
	PathPairPinVerify   = "/pair-pin-verify"
	PathPairPinValidate = "/pair-pin-validate"
	PathPairSetup       = "/pair-setup"
)

const (
	MimeOctetStream = "application/octet-stream"
	MimeParameters  = "text/parameters"
	MimeJPEG        = "image/jpeg"
	MimeMP4         = "video/mp4"
)

// RequestTimeout - for the whole HTTP client
const RequestTimeout = time.Second * 30

const maxBodySize = 16 << 20

// Response - HTTP status is data here, only transport problems are errors
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// CredentialProvider gives PIN and password when device asks for them.
// Empty value without error means "no credential".
type CredentialProvider interface {
	PIN(ctx context.Context, device string) (string, error)
	Password(ctx context.Context, device string) (string, error)
}

// StaticCredentials - from config
type StaticCredentials struct {
	PINValue      string
	PasswordValue string
}

func (s StaticCredentials) PIN(context.Context, string) (string, error) {
	return s.PINValue, nil
}

func (s StaticCredentials) Password(context.Context, string) (string, error) {
	return s.PasswordValue, nil
}

// Client - HTTP control channel of one receiver
type Client struct {
	core.Listener

	// ID is passed to CredentialProvider, device id or address
	ID   string
	Addr string

	Identity    *tcp.Identity
	Auth        *tcp.Auth
	Credentials CredentialProvider
	Log         zerolog.Logger

	http *http.Client
}

func NewClient(addr string, identity *tcp.Identity) *Client {
	if identity == nil {
		identity = tcp.NewIdentity("")
	}
	return &Client{
		ID:       addr,
		Addr:     tcp.Address(addr, tcp.DefaultPort),
		Identity: identity,
		Auth:     tcp.NewAuth(""),
		Log:      zerolog.Nop(),
		http:     &http.Client{Timeout: RequestTimeout},
	}
}

// NewDeviceClient copies identity, so the transient pairing header goes only to this device
func NewDeviceClient(d *Device, identity *tcp.Identity) *Client {
	if identity == nil {
		identity = tcp.NewIdentity("")
	}
	id := *identity
	id.TransientPairing = d.TransientPairing

	c := NewClient(d.Addr(), &id)
	if d.DeviceID != "" {
		c.ID = d.DeviceID
	}
	return c
}

// Do sends request and handles authentication: one Digest retry with known
// password, or with password from CredentialProvider. A 401 after the retry
// returns ErrAuthFailed together with the response.
func (c *Client) Do(ctx context.Context, method, path, contentType string, body []byte, header http.Header) (*Response, error) {
	res, err := c.do(ctx, method, path, contentType, body, header)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	op := method + " " + path

	if c.Auth.Password() != "" {
		return res, core.Errorf(core.ErrAuthFailed, op, res.Status)
	}

	if c.Credentials == nil {
		return res, core.Errorf(core.ErrAuthRequired, op, res.Status)
	}

	pass, err := c.Credentials.Password(ctx, c.ID)
	if err != nil {
		return res, core.Wrap(core.ErrAuthRequired, op, err)
	}
	if pass == "" {
		return res, core.Errorf(core.ErrAuthRequired, op, res.Status)
	}

	c.Auth.SetPassword(pass)

	if res, err = c.do(ctx, method, path, contentType, body, header); err != nil {
		return nil, err
	}
	if res.StatusCode == http.StatusUnauthorized {
		return res, core.Errorf(core.ErrAuthFailed, op, res.Status)
	}
	return res, nil
}

// Raw sends request without any authentication logic
func (c *Client) Raw(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	return c.send(ctx, method, path, contentType, body, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, header http.Header) (*Response, error) {
	return c.send(ctx, method, path, contentType, body, header, c.Auth)
}

func (c *Client) send(ctx context.Context, method, path, contentType string, body []byte, header http.Header, auth *tcp.Auth) (*Response, error) {
	op := method + " " + path

	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.Addr+path, bytes.NewReader(body))
	if err != nil {
		return nil, core.Wrap(core.ErrProtocol, op, err)
	}

	c.Identity.Apply(textproto.MIMEHeader(req.Header))

	for k, v := range header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	res, err := tcp.Do(c.http, req, auth)
	if err != nil {
		return nil, transportError(op, err)
	}
	defer res.Body.Close()

	b, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, transportError(op, err)
	}

	r := &Response{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Header:     res.Header,
		Body:       b,
	}

	c.Fire(op + " => " + res.Status)

	return r, nil
}

func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Do(ctx, "GET", path, "", nil, nil)
}

func (c *Client) Post(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, "POST", path, contentType, body, nil)
}

func (c *Client) Put(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.Do(ctx, "PUT", path, contentType, body, nil)
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout() {
		return core.Wrap(core.ErrTimeout, op, err)
	}
	return core.Wrap(core.ErrTransport, op, err)
}
