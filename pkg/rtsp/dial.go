package rtsp

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/plist"
	"github.com/go2airplay/go2airplay/pkg/tcp"
)

const PathReverse = "/reverse"

// Dial acquires transport: /reverse upgrade first, then direct TCP.
// CSeq starts from 1 on every new transport.
func (c *Conn) Dial(ctx context.Context) error {
	if !c.DisableReverse {
		err := c.DialReverse(ctx)
		if err == nil {
			return nil
		}
		c.Log.Debug().Err(err).Str("addr", c.Addr).Msg("[rtsp] reverse failed, fallback to tcp")
	}

	return c.DialTCP(ctx)
}

// DialReverse - POST /reverse with Upgrade: PTTH/1.0. On 101 the same
// connection becomes RTSP transport.
func (c *Conn) DialReverse(ctx context.Context) error {
	conn, err := tcp.Dial(ctx, c.Addr)
	if err != nil {
		return err
	}

	reader := bufio.NewReader(conn)

	res, err := reverse(conn, reader, c.Addr, c.ContentLocation, c.Identity)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.Fire(res)

	if res.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		return core.Errorf(core.ErrProtocol, "reverse", "wrong status: "+strconv.Itoa(res.StatusCode))
	}

	c.adopt(conn, reader, true)

	return nil
}

func (c *Conn) DialTCP(ctx context.Context) error {
	conn, err := tcp.Dial(ctx, c.Addr)
	if err != nil {
		return err
	}

	c.adopt(conn, bufio.NewReader(conn), false)

	return nil
}

// Reconnect drops current transport, acquires new one and sends OPTIONS
func (c *Conn) Reconnect(ctx context.Context) error {
	_ = c.Close()

	if err := c.Dial(ctx); err != nil {
		return err
	}

	return c.Options(ctx)
}

func (c *Conn) adopt(conn net.Conn, reader *bufio.Reader, reversed bool) {
	c.wmu.Lock()
	c.conn = conn
	c.reader = reader
	c.wmu.Unlock()

	c.reversed = reversed
	c.sequence = 0
	c.state = StateConnected
}

func reverse(conn net.Conn, reader *bufio.Reader, host, location string, identity *tcp.Identity) (*tcp.Response, error) {
	req := &tcp.Request{
		Method: "POST",
		URL:    &url.URL{Path: PathReverse},
		Proto:  "HTTP/1.1",
		Header: map[string][]string{
			"Host":            {host},
			"Upgrade":         {"PTTH/1.0"},
			"Connection":      {"Upgrade"},
			"X-Apple-Purpose": {"event"},
		},
	}

	identity.Apply(req.Header)

	if location != "" {
		body, err := plist.Encode(plist.NewDict().Set("Content-Location", location))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", plist.MimeBinary)
		req.Header.Set("Content-Length", strconv.Itoa(len(body)))
		req.Body = body
	} else {
		req.Header.Set("Content-Length", "0")
	}

	if err := conn.SetDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, core.Wrap(core.ErrTransport, "reverse", err)
	}

	if err := req.Write(conn); err != nil {
		return nil, core.Wrap(core.ErrTransport, "reverse", err)
	}

	res, err := tcp.ReadResponse(reader)
	if err != nil {
		return nil, readError(err)
	}

	_ = conn.SetDeadline(time.Time{})

	return res, nil
}
