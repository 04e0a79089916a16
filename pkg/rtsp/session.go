package rtsp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/tcp"
)

// SetupOption - one variant of SETUP request
type SetupOption struct {
	URL             string
	Transport       string
	ContentLocation string
}

func (o SetupOption) String() string {
	s := o.URL
	if o.Transport != "" {
		s += " transport=" + o.Transport
	}
	if o.ContentLocation != "" {
		s += " location=" + o.ContentLocation
	}
	return s
}

const (
	TransportTCP       = "RTP/AVP/TCP;unicast;interleaved=0-1"
	TransportTCPRecord = "RTP/AVP/TCP;unicast;interleaved=0-1;mode=record"
)

// SetupOptions returns ordered SETUP variants for the mode
func SetupOptions(mode Mode, addr, location string) []SetupOption {
	base := "rtsp://" + addr

	switch mode {
	case ModeHLS:
		return []SetupOption{
			{URL: location, Transport: TransportTCP, ContentLocation: location},
			{URL: base + "/", Transport: TransportTCP, ContentLocation: location},
			{URL: location},
			{URL: base + "/stream", Transport: TransportTCP, ContentLocation: location},
		}
	case ModeMirror:
		return []SetupOption{
			{URL: base + "/stream", Transport: TransportTCPRecord},
			{URL: base + "/stream", Transport: TransportTCP},
			{URL: base + "/", Transport: TransportTCPRecord},
			{URL: base + "/", Transport: TransportTCP},
			{URL: base + "/screen", Transport: TransportTCP},
		}
	}

	return []SetupOption{
		{URL: base + "/", Transport: TransportTCP, ContentLocation: location},
		{URL: base + "/stream", Transport: TransportTCP, ContentLocation: location},
		{URL: base + "/", ContentLocation: location},
		{URL: base + "/", Transport: TransportTCPRecord},
	}
}

// URL - base RTSP URL of the receiver
func (c *Conn) URL() string {
	return "rtsp://" + c.Addr + "/"
}

func (c *Conn) Options(ctx context.Context) error {
	if c.state == StateDisconnected {
		return core.Errorf(core.ErrProtocol, MethodOptions, "not connected")
	}

	req, err := c.newRequest(MethodOptions, "*", nil)
	if err != nil {
		return err
	}

	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	if res.StatusCode == http.StatusUnauthorized {
		return core.Errorf(authKind(c), MethodOptions, res.Status)
	}

	// some devices answer OPTIONS with 404 and still accept SETUP
	if res.StatusCode != http.StatusOK {
		c.Log.Debug().Str("status", res.Status).Msg("[rtsp] options")
	}

	c.state = StateReady
	return nil
}

// Announce sends SDP. Skipped for HLS and mirror modes.
func (c *Conn) Announce(ctx context.Context) error {
	if c.Mode == ModeHLS || c.Mode == ModeMirror {
		return nil
	}

	if c.state < StateConnected {
		return core.Errorf(core.ErrProtocol, MethodAnnounce, "not connected")
	}

	body, err := MarshalSDP(c.conn, c.Mode, c.ContentLocation)
	if err != nil {
		return core.Wrap(core.ErrProtocol, MethodAnnounce, err)
	}

	req, err := c.newRequest(MethodAnnounce, c.URL(), body)
	if err != nil {
		return err
	}
	req.Header = map[string][]string{"Content-Type": {"application/sdp"}}

	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	if res.StatusCode != http.StatusOK {
		return core.Errorf(core.ErrProtocol, MethodAnnounce, res.Status)
	}

	c.state = StateReady
	return nil
}

// Setup tries options in order until 200. Transport reset reconnects (with
// new CSeq sequence and OPTIONS) and repeats the same option, no more than
// MaxReconnects times. Returns the option that worked.
func (c *Conn) Setup(ctx context.Context, options []SetupOption) (*SetupOption, error) {
	if c.state < StateConnected {
		return nil, core.Errorf(core.ErrProtocol, MethodSetup, "not connected")
	}

	var tried []string
	reconnects := 0

	for i := 0; i < len(options); i++ {
		option := options[i]

		res, err := c.setup(ctx, option)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}

			if !IsReset(err) || reconnects >= MaxReconnects {
				tried = append(tried, option.String()+": "+err.Error())
				if errors.Is(err, core.ErrTransport) {
					return nil, core.Wrap(core.ErrTransport, MethodSetup, errors.New(strings.Join(tried, "; ")))
				}
				continue
			}

			// reset during reconnect OPTIONS spends the same budget
			for {
				reconnects++
				c.Log.Debug().Err(err).Int("attempt", reconnects).Msg("[rtsp] setup reconnect")

				if err = c.Reconnect(ctx); err == nil {
					break
				}
				if ctx.Err() != nil || !IsReset(err) || reconnects >= MaxReconnects {
					return nil, err
				}
			}

			i-- // same option on the new transport
			continue
		}

		if res.StatusCode == http.StatusOK {
			c.state = StateSetUp
			return &option, nil
		}

		tried = append(tried, option.String()+": "+strconv.Itoa(res.StatusCode))
	}

	return nil, core.Errorf(core.ErrProtocol, MethodSetup, strings.Join(tried, "; "))
}

func (c *Conn) setup(ctx context.Context, option SetupOption) (*tcp.Response, error) {
	req, err := c.newRequest(MethodSetup, option.URL, nil)
	if err != nil {
		return nil, err
	}

	req.Header = make(map[string][]string)
	if option.Transport != "" {
		req.Header.Set("Transport", option.Transport)
	}
	if option.ContentLocation != "" {
		req.Header.Set("Content-Location", option.ContentLocation)
	}

	return c.Do(ctx, req)
}

func (c *Conn) Play(ctx context.Context) error {
	if c.state < StateConnected {
		return core.Errorf(core.ErrProtocol, MethodPlay, "not connected")
	}

	req, err := c.newRequest(MethodPlay, c.URL(), nil)
	if err != nil {
		return err
	}
	req.Header = map[string][]string{"Range": {"npt=0.000-"}}
	if c.ContentLocation != "" {
		req.Header.Set("Content-Location", c.ContentLocation)
	}

	res, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	if res.StatusCode != http.StatusOK {
		return core.Errorf(core.ErrProtocol, MethodPlay, res.Status)
	}

	c.state = StatePlaying
	return nil
}

// Start runs OPTIONS, ANNOUNCE (when needed), SETUP and PLAY on a connected transport
func (c *Conn) Start(ctx context.Context) error {
	if err := c.Options(ctx); err != nil {
		return err
	}

	if err := c.Announce(ctx); err != nil {
		c.Log.Debug().Err(err).Msg("[rtsp] announce")
	}

	if _, err := c.Setup(ctx, SetupOptions(c.Mode, c.Addr, c.ContentLocation)); err != nil {
		return err
	}

	return c.Play(ctx)
}

// Teardown is best-effort: failure is logged and never returned
func (c *Conn) Teardown(ctx context.Context) {
	if c.conn == nil {
		return
	}

	req, err := c.newRequest(MethodTeardown, c.URL(), nil)
	if err == nil {
		_, err = c.Do(ctx, req)
	}
	if err != nil {
		c.Log.Warn().Err(err).Str("addr", c.Addr).Msg("[rtsp] teardown")
	}

	c.state = StateDisconnected
}

// Stop - TEARDOWN and Close
func (c *Conn) Stop(ctx context.Context) error {
	c.Teardown(ctx)
	return c.Close()
}

func authKind(c *Conn) error {
	if c.Auth.Password() != "" {
		return core.ErrAuthFailed
	}
	return core.ErrAuthRequired
}
