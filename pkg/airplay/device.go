package airplay

import (
	"net"
	"strconv"
	"strings"

	"github.com/go2airplay/go2airplay/pkg/mdns"
	"github.com/go2airplay/go2airplay/pkg/tcp"
)

// Device - snapshot of one discovered receiver
type Device struct {
	Name          string `json:"name"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	DeviceID      string `json:"device_id,omitempty"`
	Model         string `json:"model,omitempty"`
	SourceVersion string `json:"source_version,omitempty"`
	Features      uint64 `json:"features"`
	Flags         uint64 `json:"flags"`
	PairingID     string `json:"pairing_id,omitempty"`
	PublicKey     string `json:"public_key,omitempty"`

	Capabilities
}

const (
	txtDeviceID = "deviceid"
	txtModel    = "model"
	txtSrcVers  = "srcvers"
	txtFeatures = "features"
	txtFlags    = "flags"
	txtPK       = "pk"
	txtPI       = "pi"
	txtPW       = "pw"
)

func NewDevice(entry *mdns.ServiceEntry) *Device {
	d := &Device{
		Name:          entry.Name,
		Port:          int(entry.Port),
		DeviceID:      entry.Info[txtDeviceID],
		Model:         entry.Info[txtModel],
		SourceVersion: entry.Info[txtSrcVers],
		Features:      ParseFeatures(entry.Info[txtFeatures]),
		Flags:         ParseFlags(entry.Info[txtFlags]),
		PairingID:     entry.Info[txtPI],
		PublicKey:     entry.Info[txtPK],
	}
	if entry.IP != nil {
		d.IP = entry.IP.String()
	}

	d.Capabilities = NewCapabilities(d.Features, d.Flags)

	switch strings.ToLower(entry.Info[txtPW]) {
	case "1", "true", "yes":
		d.PasswordRequired = true
	}

	return d
}

// NewDeviceAddr - device known only by address, for example from config
func NewDeviceAddr(host string) *Device {
	addr := tcp.Address(host, tcp.DefaultPort)
	h, p, _ := net.SplitHostPort(addr)
	port, _ := strconv.Atoi(p)
	return &Device{Name: h, IP: h, Port: port}
}

func (d *Device) Addr() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}

// Key - devices with the same key are equal between scans
func (d *Device) Key() string {
	return d.Name + "|" + d.IP + "|" + strconv.Itoa(d.Port) + "|" + strconv.FormatBool(d.PINRequired)
}

func (d *Device) Equal(other *Device) bool {
	return other != nil && d.Key() == other.Key()
}

// Match by name (case insensitive), device id or IP
func (d *Device) Match(s string) bool {
	if s == "" {
		return false
	}
	return strings.EqualFold(d.Name, s) || strings.EqualFold(d.DeviceID, s) || d.IP == s || d.Addr() == s
}
