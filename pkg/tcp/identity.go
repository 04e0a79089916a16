package tcp

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"net/textproto"
	"strings"

	"github.com/go2airplay/go2airplay/pkg/core"
)

const DefaultUserAgent = "AirPlay/320.20"

// Identity - headers that stay the same for all HTTP and RTSP requests of one client
type Identity struct {
	UserAgent      string
	DeviceID       string
	SessionID      string
	DACPID         string
	ClientInstance string

	// TransientPairing adds X-Apple-HKP: 4
	TransientPairing bool
}

func NewIdentity(userAgent string) *Identity {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	b := make([]byte, 8)
	if _, err := cryptorand.Read(b); err != nil {
		panic(err)
	}
	dacp := strings.ToUpper(hex.EncodeToString(b))

	return &Identity{
		UserAgent:      userAgent,
		DeviceID:       core.RandMAC(),
		SessionID:      core.NewUUID(),
		DACPID:         dacp,
		ClientInstance: dacp,
	}
}

// Apply works both with textproto.MIMEHeader and http.Header (after conversion)
func (i *Identity) Apply(h textproto.MIMEHeader) {
	if i == nil {
		return
	}
	h.Set("User-Agent", i.UserAgent)
	h.Set("X-Apple-Device-ID", i.DeviceID)
	h.Set("X-Apple-Session-ID", i.SessionID)
	h.Set("DACP-ID", i.DACPID)
	h.Set("Client-Instance", i.ClientInstance)
	if i.TransientPairing {
		h.Set("X-Apple-HKP", "4")
	}
}
