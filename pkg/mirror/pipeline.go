package mirror

import (
	"context"
	"errors"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/rtsp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFPS = 10
	MaxFPS     = 60

	// SetupRetries - SETUP rounds over all options, transport checked between rounds
	SetupRetries = 3

	// ToleratedFailures - first send errors are usual while device finishes handshake
	ToleratedFailures = 5

	teardownTimeout = time.Second * 3
)

type Config struct {
	FPS     int `yaml:"fps" json:"fps"`
	Width   int `yaml:"width" json:"width"`
	Height  int `yaml:"height" json:"height"`
	Quality int `yaml:"quality" json:"quality"`
}

// StreamError - terminal status of the pipeline. PairingLikely means device
// closed the transport without accepting the session.
type StreamError struct {
	PairingLikely bool
	Failures      int
	Err           error
}

func (e *StreamError) Error() string {
	s := "mirror: stream stopped after " + strconv.Itoa(e.Failures) + " failures"
	if e.PairingLikely {
		s += " (device probably needs pairing)"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func (e *StreamError) Is(target error) bool {
	return e.PairingLikely && target == core.ErrPairingFailed
}

// Pipeline - capture loop and stream loop over one RTSP session.
// Listeners receive Stats every ReportEvery frames and on finish.
type Pipeline struct {
	core.Listener

	Conn    *rtsp.Conn
	Source  Source
	Encoder Encoder
	FPS     int
	Log     zerolog.Logger

	playing bool
	dropped atomic.Int32

	mu    sync.Mutex
	stats Stats
	start time.Time
}

func NewPipeline(conn *rtsp.Conn, source Source, cfg Config) *Pipeline {
	switch {
	case cfg.FPS <= 0:
		cfg.FPS = DefaultFPS
	case cfg.FPS > MaxFPS:
		cfg.FPS = MaxFPS
	}
	return &Pipeline{
		Conn:    conn,
		Source:  source,
		Encoder: NewJPEG(cfg.Width, cfg.Height, cfg.Quality),
		FPS:     cfg.FPS,
		Log:     conn.Log,
	}
}

// Playing - device accepted SETUP and PLAY
func (p *Pipeline) Playing() bool {
	return p.playing
}

// Start acquires transport and tries to start session. Failed SETUP or PLAY
// is not an error: some devices accept frames without them.
func (p *Pipeline) Start(ctx context.Context) error {
	c := p.Conn

	if err := c.Dial(ctx); err != nil {
		return err
	}

	if err := c.Options(ctx); err != nil {
		if isAuthError(err) || ctx.Err() != nil {
			return err
		}
		p.Log.Debug().Err(err).Msg("[mirror] options")
	}

	options := rtsp.SetupOptions(c.Mode, c.Addr, c.ContentLocation)

	var err error
	for i := 0; i < SetupRetries; i++ {
		if i > 0 && !c.Valid() {
			if err = c.Reconnect(ctx); err != nil {
				p.Log.Debug().Err(err).Int("attempt", i).Msg("[mirror] reconnect")
				continue
			}
		}

		if _, err = c.Setup(ctx, options); err == nil {
			break
		}

		if isAuthError(err) || ctx.Err() != nil {
			return err
		}

		p.Log.Debug().Err(err).Int("attempt", i+1).Msg("[mirror] setup")
	}

	if err != nil {
		p.Log.Warn().Err(err).Msg("[mirror] setup failed, send frames anyway")
	} else if err = c.Play(ctx); err != nil {
		p.Log.Warn().Err(err).Msg("[mirror] play failed, send frames anyway")
	} else {
		p.playing = true
	}

	// transport could be lost during retries
	if !c.Valid() {
		if err = c.Reconnect(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Run streams frames until ctx is done or the device drops the transport.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.start = time.Now()
	p.mu.Unlock()

	frames := make(chan image.Image, 1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.capture(gctx, frames)
	})
	g.Go(func() error {
		return p.stream(gctx, frames)
	})

	err := g.Wait()

	p.report(true)

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Serve - Start, Run and best-effort TEARDOWN
func (p *Pipeline) Serve(ctx context.Context) error {
	defer func() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		_ = p.Conn.Stop(tctx)
		cancel()
	}()

	if err := p.Start(ctx); err != nil {
		return err
	}

	return p.Run(ctx)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Dropped = int(p.dropped.Load())
	if !p.start.IsZero() && !s.Final {
		s.Elapsed = time.Since(p.start)
	}
	return s
}

func (p *Pipeline) capture(ctx context.Context, frames chan<- image.Image) error {
	ticker := time.NewTicker(time.Second / time.Duration(p.FPS))
	defer ticker.Stop()

	for {
		img, err := p.Source.Capture()
		if err != nil {
			return core.Wrap(core.ErrProtocol, "capture", err)
		}

		select {
		case frames <- img:
		default:
			p.dropped.Add(1)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) stream(ctx context.Context, frames <-chan image.Image) error {
	for {
		var img image.Image

		select {
		case <-ctx.Done():
			return nil
		case img = <-frames:
		}

		b, err := p.Encoder.Encode(img)
		if err != nil {
			p.fail()
			p.Log.Warn().Err(err).Msg("[mirror] encode")
			continue
		}

		if err = p.Conn.WriteInterleaved(0, b); err != nil {
			failures := p.fail()

			if failures <= ToleratedFailures {
				p.Log.Debug().Err(err).Int("failures", failures).Msg("[mirror] send")
				continue
			}

			if rtsp.IsReset(err) || !p.Conn.Valid() {
				return &StreamError{PairingLikely: !p.playing, Failures: failures, Err: err}
			}

			p.Log.Warn().Err(err).Msg("[mirror] send")
			continue
		}

		p.mu.Lock()
		p.stats.Frames++
		p.stats.Bytes += len(b)
		n := p.stats.Frames
		p.mu.Unlock()

		if n%ReportEvery == 0 {
			p.report(false)
		}
	}
}

func (p *Pipeline) fail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Failures++
	return p.stats.Failures
}

func (p *Pipeline) report(final bool) {
	s := p.Stats()
	s.Final = final
	if final {
		p.mu.Lock()
		p.stats.Final = true
		p.stats.Elapsed = s.Elapsed
		p.mu.Unlock()
	}

	p.Log.Info().Int("frames", s.Frames).Float64("fps", s.FPS()).
		Float64("kbps", s.Bitrate()/1000).Int("failures", s.Failures).
		Bool("final", final).Msg("[mirror] stats")

	p.Fire(s)
}

func isAuthError(err error) bool {
	return errors.Is(err, core.ErrAuthRequired) || errors.Is(err, core.ErrAuthFailed)
}
