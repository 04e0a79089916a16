package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const EndLine = "\r\n"

// headerOrder - AirPlay receivers are picky, so known headers always go first
// and with Apple spelling
var headerOrder = []string{
	"CSeq",
	"User-Agent",
	"X-Apple-Device-ID",
	"X-Apple-Session-ID",
	"DACP-ID",
	"Client-Instance",
	"X-Apple-HKP",
	"Session",
	"Transport",
	"Authorization",
	"Upgrade",
	"Connection",
	"Content-Location",
	"Content-Type",
	"Content-Length",
}

var canonicalOrder = func() map[string]int {
	m := make(map[string]int, len(headerOrder))
	for i, k := range headerOrder {
		m[textproto.CanonicalMIMEHeaderKey(k)] = i
	}
	return m
}()

func writeHeader(sb *strings.Builder, header textproto.MIMEHeader) {
	for _, k := range headerOrder {
		if v := header.Values(k); len(v) > 0 {
			sb.WriteString(k + ": " + v[0] + EndLine)
		}
	}

	var other []string
	for k := range header {
		if _, ok := canonicalOrder[k]; !ok {
			other = append(other, k)
		}
	}
	sort.Strings(other)
	for _, k := range other {
		sb.WriteString(k + ": " + header[k][0] + EndLine)
	}
}

// Response like http.Response, but with any proto
type Response struct {
	Status     string
	StatusCode int
	Proto      string
	Header     textproto.MIMEHeader
	Body       []byte
	Request    *Request
}

func (r Response) String() string {
	var sb strings.Builder
	sb.WriteString(r.Proto + " " + r.Status + EndLine)
	writeHeader(&sb, r.Header)
	sb.WriteString(EndLine)
	if r.Body != nil {
		sb.Write(r.Body)
	}
	return sb.String()
}

// ReadResponse reads status line, headers and body
func ReadResponse(r *bufio.Reader) (*Response, error) {
	res, err := ReadStatus(r)
	if err != nil {
		return nil, err
	}
	if err = res.ReadHeader(r); err != nil {
		return nil, err
	}
	return res, nil
}

// ReadStatus reads only status line: RTSP/1.0 200 OK
func ReadStatus(r *bufio.Reader) (*Response, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, errors.New("empty response")
	}

	// reason phrase is optional for some receivers
	ss := strings.SplitN(line, " ", 3)
	if len(ss) < 2 {
		return nil, fmt.Errorf("malformed response: %s", line)
	}

	res := &Response{Proto: ss[0], Status: ss[1]}
	if len(ss) == 3 {
		res.Status += " " + ss[2]
	}

	if res.StatusCode, err = strconv.Atoi(ss[1]); err != nil {
		return nil, fmt.Errorf("malformed status: %s", line)
	}

	return res, nil
}

// ReadHeader reads headers after status line and body with Content-Length
func (r *Response) ReadHeader(rd *bufio.Reader) (err error) {
	tp := textproto.NewReader(rd)

	if r.Header, err = tp.ReadMIMEHeader(); err != nil {
		// some receivers finish response with one EndLine
		if err != io.EOF || r.Header == nil {
			return err
		}
	}

	if val := r.Header.Get("Content-Length"); val != "" {
		var i int
		if i, err = strconv.Atoi(val); err != nil || i < 0 {
			return fmt.Errorf("wrong content length: %s", val)
		}
		r.Body = make([]byte, i)
		if _, err = io.ReadFull(rd, r.Body); err != nil {
			return err
		}
	}

	return nil
}

// Request like http.Request, but with any proto
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header textproto.MIMEHeader
	Body   []byte
}

func (r *Request) String() string {
	var sb strings.Builder
	sb.WriteString(r.Method + " " + r.URL.String() + " " + r.Proto + EndLine)
	writeHeader(&sb, r.Header)
	sb.WriteString(EndLine)
	if r.Body != nil {
		sb.Write(r.Body)
	}
	return sb.String()
}

func (r *Request) Write(w io.Writer) (err error) {
	_, err = w.Write([]byte(r.String()))
	return
}

func ReadRequest(r *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	ss := strings.SplitN(line, " ", 3)
	if len(ss) != 3 {
		return nil, fmt.Errorf("wrong request: %s", line)
	}

	req := &Request{
		Method: ss[0],
		Proto:  ss[2],
	}

	req.URL, err = url.Parse(ss[1])
	if err != nil {
		return nil, err
	}

	req.Header, err = tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}

	if val := req.Header.Get("Content-Length"); val != "" {
		var i int
		if i, err = strconv.Atoi(val); err != nil || i < 0 {
			return nil, fmt.Errorf("wrong content length: %s", val)
		}
		req.Body = make([]byte, i)
		if _, err = io.ReadFull(r, req.Body); err != nil {
			return nil, err
		}
	}

	return req, nil
}
