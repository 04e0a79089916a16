package rtsp

import (
	"net"
	"time"

	"github.com/pion/sdp/v3"
)

// MarshalSDP - ANNOUNCE body. JPEG payload for photo mode, MP4 for video.
func MarshalSDP(conn net.Conn, mode Mode, location string) ([]byte, error) {
	local, remote := "0.0.0.0", "0.0.0.0"
	if conn != nil {
		if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			local = addr.IP.String()
		}
		if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			remote = addr.IP.String()
		}
	}

	rtpmap := "96 MP4V-ES/90000"
	if mode == ModePhoto {
		rtpmap = "26 JPEG/90000"
	}

	format := rtpmap[:2]

	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: local,
		},
		SessionName: "go2airplay",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: remote},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "video",
					Port:    sdp.RangedPort{Value: 0},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{format},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: rtpmap},
					{Key: "control", Value: "streamid=0"},
				},
			},
		},
	}

	if location != "" {
		sd.Attributes = append(sd.Attributes, sdp.Attribute{Key: "x-content-location", Value: location})
	}

	return sd.Marshal()
}
