package airplay

import (
	"context"

	"github.com/go2airplay/go2airplay/pkg/plist"
)

type ServerInfo struct {
	DeviceID        string `json:"device_id,omitempty"`
	Name            string `json:"name,omitempty"`
	Model           string `json:"model,omitempty"`
	Features        uint64 `json:"features"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	SourceVersion   string `json:"source_version,omitempty"`
	MACAddress      string `json:"mac_address,omitempty"`

	Capabilities Capabilities `json:"capabilities"`
}

// ServerInfo requests /server-info and /info as fallback. Body can be
// binary or XML plist.
func (c *Client) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	attempts := &AttemptsError{Op: "server info"}

	for _, path := range []string{PathServerInfo, PathInfo} {
		res, err := c.Get(ctx, path)
		if err != nil {
			if isAuthError(err) {
				return nil, err
			}
			attempts.add("GET", path, nil, err)
			continue
		}
		if !res.OK() || len(res.Body) == 0 {
			attempts.add("GET", path, res, nil)
			continue
		}

		dict, err := plist.Parse(res.Body)
		if err != nil {
			attempts.add("GET", path, res, err)
			continue
		}

		return NewServerInfo(dict), nil
	}

	return nil, attempts
}

func NewServerInfo(dict *plist.Dict) *ServerInfo {
	info := &ServerInfo{
		DeviceID:        dict.String("deviceid"),
		Name:            dict.String("name"),
		Model:           dict.String("model"),
		ProtocolVersion: dict.String("protovers"),
		SourceVersion:   dict.String("srcvers"),
		MACAddress:      dict.String("macAddress"),
	}

	info.Features = mask(dict, "features")

	if info.DeviceID == "" {
		info.DeviceID = info.MACAddress
	}

	info.Capabilities = NewCapabilities(info.Features, mask(dict, "statusFlags"))

	return info
}

// mask - integer or hex string value
func mask(dict *plist.Dict, key string) uint64 {
	if s := dict.String(key); s != "" {
		return ParseFeatures(s)
	}
	return dict.Uint(key)
}
