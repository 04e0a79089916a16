package airplay

import (
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/plist"
	"github.com/go2airplay/go2airplay/pkg/tcp"
)

type AuthKind byte

const (
	AuthNone AuthKind = iota
	AuthDigest
	AuthPairing
	AuthUnknown
)

func (k AuthKind) String() string {
	switch k {
	case AuthNone:
		return "none"
	case AuthDigest:
		return "digest"
	case AuthPairing:
		return "pairing"
	}
	return "unknown"
}

type AuthRequirement struct {
	Kind  AuthKind `json:"-"`
	Realm string   `json:"realm,omitempty"`
}

func (a AuthRequirement) String() string {
	if a.Kind == AuthDigest {
		return "digest realm=" + a.Realm
	}
	return a.Kind.String()
}

// Required - unknown is treated as required
func (a AuthRequirement) Required() bool {
	return a.Kind != AuthNone
}

// CheckAuthRequired sends empty pair-setup. Network failure gives AuthUnknown,
// which means auth is required.
func (c *Client) CheckAuthRequired(ctx context.Context) AuthRequirement {
	res, err := c.Raw(ctx, "POST", PathPairSetup, MimeOctetStream, nil)
	if err != nil {
		c.Log.Debug().Err(err).Str("addr", c.Addr).Msg("[airplay] check auth")
		return AuthRequirement{Kind: AuthUnknown}
	}

	switch {
	case res.OK():
		return AuthRequirement{Kind: AuthNone}
	case res.StatusCode == http.StatusUnauthorized:
		if realm, _, ok := tcp.ParseDigest(res.Header.Get("WWW-Authenticate")); ok {
			return AuthRequirement{Kind: AuthDigest, Realm: realm}
		}
	case res.StatusCode == http.StatusForbidden:
		return AuthRequirement{Kind: AuthPairing}
	}

	return AuthRequirement{Kind: AuthUnknown}
}

// PairPIN tries PIN variants in fixed order until first 2xx. Empty pin is asked
// from CredentialProvider after the device shows it on screen.
func (c *Client) PairPIN(ctx context.Context, pin string) error {
	const op = "pair pin"

	attempts := &AttemptsError{Op: op}

	// 1. start (device shows PIN) + raw PIN bytes to verify
	res, err := c.pairRequest(ctx, PathPairPinStart, "", nil)
	attempts.add("POST", PathPairPinStart, res, err)

	if pin == "" {
		if pin, err = c.askPIN(ctx); err != nil {
			return core.Wrap(core.ErrPairingFailed, op, err)
		}
	}

	res, err = c.pairRequest(ctx, PathPairPinVerify, "", []byte(pin))
	if res.OK() {
		return nil
	}
	attempts.add("POST", PathPairPinVerify, res, err)

	if ctx.Err() != nil {
		return core.Wrap(core.ErrPairingFailed, op, ctx.Err())
	}

	// 2. PIN as text with octet-stream type
	res, err = c.pairRequest(ctx, PathPairPinVerify, MimeOctetStream, []byte(pin))
	if res.OK() {
		return nil
	}
	attempts.add("POST", PathPairPinVerify, res, err)

	// 3. challenge from start, SHA-512 response to validate
	res, err = c.pairRequest(ctx, PathPairPinStart, "", nil)
	attempts.add("POST", PathPairPinStart, res, err)

	if res.OK() && len(res.Body) > 0 {
		body, err := plist.Encode(plist.NewDict().Set("response", PINResponse(res.Body, pin)))
		if err != nil {
			return core.Wrap(core.ErrPairingFailed, op, err)
		}

		res, err = c.pairRequest(ctx, PathPairPinValidate, plist.MimeBinary, body)
		if res.OK() {
			return nil
		}
		attempts.add("POST", PathPairPinValidate, res, err)
	}

	// 4. PIN in plist to validate
	body, err := plist.Encode(plist.NewDict().Set("pin", pin))
	if err != nil {
		return core.Wrap(core.ErrPairingFailed, op, err)
	}

	res, err = c.pairRequest(ctx, PathPairPinValidate, plist.MimeBinary, body)
	if res.OK() {
		return nil
	}
	attempts.add("POST", PathPairPinValidate, res, err)

	return core.Wrap(core.ErrPairingFailed, op, attempts)
}

// PINResponse - base64(SHA-512(challenge + pin))
func PINResponse(challenge []byte, pin string) string {
	h := sha512.New()
	h.Write(challenge)
	h.Write([]byte(pin))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Authenticate checks what device wants and gets it: password for Digest,
// PIN pairing for the rest. Returns detected requirement.
func (c *Client) Authenticate(ctx context.Context) (AuthRequirement, error) {
	req := c.CheckAuthRequired(ctx)

	switch req.Kind {
	case AuthNone:
		return req, nil

	case AuthDigest:
		if c.Auth.Password() == "" && c.Credentials != nil {
			pass, err := c.Credentials.Password(ctx, c.ID)
			if err != nil {
				return req, core.Wrap(core.ErrAuthRequired, "authenticate", err)
			}
			c.Auth.SetPassword(pass)
		}
		if c.Auth.Password() == "" {
			return req, core.Errorf(core.ErrAuthRequired, "authenticate", req.String())
		}
		// second 401 here gives ErrAuthFailed
		_, err := c.Do(ctx, "POST", PathPairSetup, MimeOctetStream, nil, nil)
		return req, err
	}

	return req, c.PairPIN(ctx, "")
}

func (c *Client) askPIN(ctx context.Context) (string, error) {
	if c.Credentials == nil {
		return "", errors.New("no credential provider for PIN")
	}
	pin, err := c.Credentials.PIN(ctx, c.ID)
	if err != nil {
		return "", err
	}
	if pin == "" {
		return "", errors.New("empty PIN")
	}
	return pin, nil
}

func (c *Client) pairRequest(ctx context.Context, path, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, "POST", path, contentType, body, nil)
}
