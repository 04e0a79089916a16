package tcp

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/go2airplay/go2airplay/pkg/core"
)

// DigestUser - AirPlay receivers expect this fixed username in Digest auth
const DigestUser = "Airplay"

// Auth is shared by all connections of one device, so it is safe for
// concurrent use.
type Auth struct {
	user string

	mu     sync.Mutex
	method byte
	pass   string
	realm  string
	nonce  string
}

const (
	AuthNone byte = iota
	AuthUnknown
	AuthDigest
)

func NewAuth(password string) *Auth {
	a := &Auth{user: DigestUser, pass: password}
	if password != "" {
		a.method = AuthUnknown
	}
	return a
}

// Read parse challenge from WWW-Authenticate header value:
// Digest realm="AirPlay", nonce="2d4c6a2b5bc2f0c1"
func (a *Auth) Read(challenge string) bool {
	realm, nonce, ok := ParseDigest(challenge)
	if !ok {
		return false
	}
	a.mu.Lock()
	a.realm = realm
	a.nonce = nonce
	a.method = AuthDigest
	a.mu.Unlock()
	return true
}

func (a *Auth) Method() byte {
	if a == nil {
		return AuthNone
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.method
}

func (a *Auth) Realm() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realm
}

func (a *Auth) Password() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pass
}

func (a *Auth) SetPassword(password string) {
	a.mu.Lock()
	a.pass = password
	if a.method == AuthNone && password != "" {
		a.method = AuthUnknown
	}
	a.mu.Unlock()
}

// Header returns Authorization value for request or empty string
func (a *Auth) Header(method, uri string) string {
	if a == nil {
		return ""
	}

	a.mu.Lock()
	if a.method != AuthDigest {
		a.mu.Unlock()
		return ""
	}
	realm, pass, nonce := a.realm, a.pass, a.nonce
	a.mu.Unlock()

	response := DigestResponse(a.user, realm, pass, nonce, method, uri)
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		a.user, realm, nonce, uri, response,
	)
}

func (a *Auth) Write(req *Request) {
	if header := a.Header(req.Method, req.URL.String()); header != "" {
		req.Header.Set("Authorization", header)
	}
}

func ParseDigest(challenge string) (realm, nonce string, ok bool) {
	if !strings.HasPrefix(challenge, "Digest") {
		return
	}
	realm = core.Between(challenge, `realm="`, `"`)
	nonce = core.Between(challenge, `nonce="`, `"`)
	return realm, nonce, nonce != ""
}

// DigestResponse - RFC 2617 without qop:
// MD5(MD5(user:realm:pass):nonce:MD5(method:uri))
func DigestResponse(user, realm, pass, nonce, method, uri string) string {
	ha1 := HexMD5(user, realm, pass)
	ha2 := HexMD5(method, uri)
	return HexMD5(ha1, nonce, ha2)
}

func HexMD5(s ...string) string {
	b := md5.Sum([]byte(strings.Join(s, ":")))
	return hex.EncodeToString(b[:])
}
