package mirror

import (
	"fmt"
	"time"
)

// ReportEvery - stats report period in frames
const ReportEvery = 30

type Stats struct {
	Frames   int           `json:"frames"`
	Bytes    int           `json:"bytes"`
	Dropped  int           `json:"dropped"`
	Failures int           `json:"failures"`
	Elapsed  time.Duration `json:"elapsed"`
	Final    bool          `json:"final,omitempty"`
}

func (s Stats) FPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Frames) / s.Elapsed.Seconds()
}

// Bitrate in bits per second
func (s Stats) Bitrate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Bytes*8) / s.Elapsed.Seconds()
}

func (s Stats) String() string {
	return fmt.Sprintf("frames=%d fps=%.1f kbps=%.0f failures=%d", s.Frames, s.FPS(), s.Bitrate()/1000, s.Failures)
}
