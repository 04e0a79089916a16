package mdns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/miekg/dns" // awesome library for parsing mDNS records
	"golang.org/x/net/ipv4"
)

const ServiceAirPlay = "_airplay._tcp.local."

type ServiceEntry struct {
	Name string            `json:"name,omitempty"`
	IP   net.IP            `json:"ip,omitempty"`
	Port uint16            `json:"port,omitempty"`
	Info map[string]string `json:"info,omitempty"`
}

func (e *ServiceEntry) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return err.Error()
	}
	return string(b)
}

func (e *ServiceEntry) Complete() bool {
	return e.IP != nil && e.Port > 0 && e.Info != nil
}

func (e *ServiceEntry) Addr() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

var MulticastAddr = &net.UDPAddr{
	IP:   net.IP{224, 0, 0, 251},
	Port: 5353,
}

const sendInterval = time.Millisecond * 505

// Discovery browses the service on all IPv4 interfaces until timeout, ctx is
// done or onentry returns true. When port 5353 can't be shared, it falls back
// to hashicorp client, which listens on an ephemeral port.
func Discovery(ctx context.Context, service string, timeout time.Duration, onentry func(*ServiceEntry) bool) error {
	b := Browser{
		Service:      service,
		Addr:         MulticastAddr,
		RecvTimeout:  timeout,
		SendInterval: sendInterval,
	}

	if err := b.ListenMulticastUDP(); err != nil {
		return Lookup(ctx, service, timeout, onentry)
	}

	defer b.Close()

	return b.Browse(ctx, onentry)
}

// Query - direct discovery request on device IP-address. Works even over VPN.
func Query(ctx context.Context, host, service string) (entry *ServiceEntry, err error) {
	conn, err := net.ListenPacket("udp4", ":0") // shouldn't use ":5353"
	if err != nil {
		return
	}

	br := Browser{
		Service:      service,
		Addr:         &net.UDPAddr{IP: net.ParseIP(host), Port: 5353},
		Recv:         conn,
		Sends:        []net.PacketConn{conn},
		SendInterval: time.Millisecond * 255,
		RecvTimeout:  time.Second,
	}

	defer br.Close()

	err = br.Browse(ctx, func(en *ServiceEntry) bool {
		if en.Complete() {
			entry = en
			return true
		}
		return false
	})

	return
}

type Browser struct {
	Service string

	Addr  net.Addr
	Recv  net.PacketConn
	Sends []net.PacketConn

	RecvTimeout  time.Duration
	SendInterval time.Duration
}

// ListenMulticastUDP - creates one sender socket for each IPv4 interface and
// one receiver with multicast membership on every one of those interfaces.
func (b *Browser) ListenMulticastUDP() error {
	ifaces, err := Interfaces4()
	if err != nil {
		return err
	}

	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				// allow multicast UDP to listen concurrently across multiple listeners
				_ = SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}

	ctx := context.Background()

	var joined []Interface4

	for _, iface := range ifaces {
		conn, err := lc.ListenPacket(ctx, "udp4", iface.IP.String()+":5353") // same port important
		if err != nil {
			continue
		}

		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastInterface(&iface.Interface)
		_ = pc.SetMulticastTTL(255)

		b.Sends = append(b.Sends, conn)
		joined = append(joined, iface)
	}

	if b.Sends == nil {
		return errors.New("mdns: no interfaces for listen")
	}

	if b.Recv, err = lc.ListenPacket(ctx, "udp4", "0.0.0.0:5353"); err != nil {
		_ = b.Close()
		return err
	}

	pc := ipv4.NewPacketConn(b.Recv)
	_ = pc.SetMulticastLoopback(false)

	group := &net.UDPAddr{IP: MulticastAddr.IP}
	for _, iface := range joined {
		_ = pc.JoinGroup(&iface.Interface, group)
	}

	return nil
}

// Browse sends PTR queries every SendInterval and passes each parsed entry to
// onentry. Entries that are still missing address, port or TXT are passed too,
// so the caller can decide; the same instance is reported again until it is complete.
func (b *Browser) Browse(ctx context.Context, onentry func(*ServiceEntry) bool) error {
	msg := &dns.Msg{
		Question: []dns.Question{
			{Name: b.Service, Qtype: dns.TypePTR, Qclass: dns.ClassINET},
		},
	}

	query, err := msg.Pack()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(b.RecvTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err = b.Recv.SetDeadline(deadline); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = b.Recv.SetDeadline(time.Now())
	})
	defer stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			for _, send := range b.Sends {
				if _, err := send.WriteTo(query, b.Addr); err != nil {
					return
				}
			}

			select {
			case <-done:
				return
			case <-time.After(b.SendInterval):
			}
		}
	}()

	processed := map[string]struct{}{}

	buf := make([]byte, 9000)
	for {
		// in the docker network can receive same msg from different address
		n, addr, err := b.Recv.ReadFrom(buf)
		if err != nil {
			break
		}

		if err = msg.Unpack(buf[:n]); err != nil {
			continue
		}

		ip := addr.(*net.UDPAddr).IP

		for _, entry := range NewServiceEntries(msg, ip) {
			key := entry.Name
			if _, ok := processed[key]; ok {
				continue
			}

			if onentry(entry) {
				return nil
			}

			if entry.Complete() {
				processed[key] = struct{}{}
			}
		}
	}

	return ctx.Err()
}

func (b *Browser) Close() error {
	if b.Recv != nil {
		_ = b.Recv.Close()
	}
	for _, send := range b.Sends {
		if send != b.Recv {
			_ = send.Close()
		}
	}
	return nil
}

func NewServiceEntries(msg *dns.Msg, ip net.IP) (entries []*ServiceEntry) {
	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Ns)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Ns...)
	records = append(records, msg.Extra...)

	// PTR ptr=Living\ Room._airplay._tcp.local. hdr=_airplay._tcp.local.
	// TXT txt=...                               hdr=Living\ Room._airplay._tcp.local.
	// SRV target=Living-Room.local.             hdr=Living\ Room._airplay._tcp.local.
	// A   a=192.168.1.123                       hdr=Living-Room.local.

	for _, record := range records {
		ptr, ok := record.(*dns.PTR)
		if !ok {
			continue
		}

		entry := &ServiceEntry{Name: InstanceName(ptr.Ptr)}

		var txt *dns.TXT
		var srv *dns.SRV
		var a *dns.A

		for _, record = range records {
			if txt, ok = record.(*dns.TXT); ok && strings.EqualFold(txt.Hdr.Name, ptr.Ptr) {
				entry.Info = ParseTXT(txt.Txt)
				break
			}
		}

		for _, record = range records {
			if srv, ok = record.(*dns.SRV); ok && strings.EqualFold(srv.Hdr.Name, ptr.Ptr) {
				entry.Port = srv.Port

				for _, record = range records {
					if a, ok = record.(*dns.A); ok && strings.EqualFold(a.Hdr.Name, srv.Target) {
						// device can send multiple IP addresses
						// use first IP from the list or same IP from sender
						if entry.IP == nil || ip.Equal(a.A) {
							entry.IP = a.A
						}
					}
				}
				break
			}
		}

		entries = append(entries, entry)
	}

	return
}

// ParseTXT converts "key=value" strings to map. Keys are lowercased.
func ParseTXT(txt []string) map[string]string {
	info := make(map[string]string, len(txt))
	for _, s := range txt {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			info[strings.ToLower(k)] = v
		}
	}
	return info
}

// InstanceName returns first label of the service instance name with DNS
// escapes removed: `Living\ Room._airplay._tcp.local.` => `Living Room`.
func InstanceName(fqdn string) string {
	var sb strings.Builder
	for i := 0; i < len(fqdn); i++ {
		c := fqdn[i]
		switch c {
		case '.':
			return sb.String()
		case '\\':
			if i+3 < len(fqdn) && isDigits(fqdn[i+1:i+4]) {
				n, _ := strconv.Atoi(fqdn[i+1 : i+4])
				sb.WriteByte(byte(n))
				i += 3
			} else if i+1 < len(fqdn) {
				i++
				sb.WriteByte(fqdn[i])
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type Interface4 struct {
	net.Interface
	IP net.IP
}

// Interfaces4 returns up, multicast-capable, non-loopback interfaces with their first IPv4.
func Interfaces4() ([]Interface4, error) {
	intfs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ifaces []Interface4

loop:
	for _, intf := range intfs {
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagLoopback != 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}

		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if v, ok := addr.(*net.IPNet); ok {
				if ip := v.IP.To4(); ip != nil {
					ifaces = append(ifaces, Interface4{Interface: intf, IP: ip})
					continue loop
				}
			}
		}
	}

	return ifaces, nil
}
