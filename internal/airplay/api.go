package airplay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go2airplay/go2airplay/internal/api"
	"github.com/go2airplay/go2airplay/internal/api/ws"
	"github.com/go2airplay/go2airplay/pkg/airplay"
	"github.com/go2airplay/go2airplay/pkg/mirror"
	"github.com/go2airplay/go2airplay/pkg/rtsp"
)

const maxPhotoSize = 16 << 20

func apiDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}
	api.ResponseJSON(w, scanner.Devices())
}

func apiScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	devices, err := scan(r.Context())
	if err != nil {
		api.Error(w, err)
		return
	}

	api.ResponseJSON(w, devices)
}

func apiInfo(w http.ResponseWriter, r *http.Request) {
	s, err := getSession(r.URL.Query().Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.client.ServerInfo(r.Context())
	if err != nil {
		api.Error(w, err)
		return
	}

	api.ResponseJSON(w, info)
}

// apiAuth - GET checks requirement, POST also passes it with known credentials
func apiAuth(w http.ResponseWriter, r *http.Request) {
	s, err := getSession(r.URL.Query().Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req airplay.AuthRequirement

	switch r.Method {
	case "GET":
		req = s.client.CheckAuthRequired(r.Context())
	case "POST":
		if req, err = s.client.Authenticate(r.Context()); err != nil {
			api.Error(w, err)
			return
		}
	default:
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	api.ResponseJSON(w, map[string]any{
		"kind":     req.Kind.String(),
		"realm":    req.Realm,
		"required": req.Required(),
	})
}

func apiPair(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	s, err := getSession(query.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pin := query.Get("pin")
	if err = s.client.PairPIN(r.Context(), pin); err != nil {
		api.Error(w, err)
		return
	}

	if pin != "" && query.Get("save") != "false" {
		creds.SavePIN(s.client.ID, pin)
	}

	w.WriteHeader(http.StatusNoContent)
}

func apiPlay(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	s, err := getSession(query.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	url := query.Get("url")
	if url == "" {
		http.Error(w, "no url", http.StatusBadRequest)
		return
	}

	opts := airplay.PlayOptions{
		Start:    parseFloat(query.Get("start")),
		Duration: parseFloat(query.Get("duration")),
	}

	if err = s.media.PlayURL(r.Context(), url, opts); err != nil {
		api.Error(w, err)
		return
	}

	log.Info().Str("dst", s.device.Addr()).Str("url", url).Msg("[airplay] play")
}

// apiStop stops mirroring and media playback on the device
func apiStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	s, err := getSession(r.URL.Query().Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.stopMirror()

	if err = s.media.Stop(r.Context()); err != nil {
		api.Error(w, err)
		return
	}
}

func apiScrub(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	s, err := getSession(query.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case "GET":
		pos, err := s.media.Scrub(r.Context())
		if err != nil {
			api.Error(w, err)
			return
		}
		api.ResponseJSON(w, map[string]any{"position": pos})

	case "POST":
		if err = s.media.SetScrub(r.Context(), parseFloat(query.Get("position"))); err != nil {
			api.Error(w, err)
			return
		}

	default:
		http.Error(w, "", http.StatusMethodNotAllowed)
	}
}

// apiPhoto - JPEG in request body
func apiPhoto(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	s, err := getSession(query.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b, err := io.ReadAll(io.LimitReader(r.Body, maxPhotoSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(b) == 0 {
		http.Error(w, "no body", http.StatusBadRequest)
		return
	}

	if err = s.media.Photo(r.Context(), b, query.Get("transition")); err != nil {
		api.Error(w, err)
		return
	}
}

// apiMirror - POST starts screen streaming, DELETE stops it, GET returns stats
func apiMirror(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	s, err := getSession(query.Get("dst"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.Method {
	case "GET":
		stats, ok := s.mirrorStats()
		if !ok {
			http.Error(w, "", http.StatusNotFound)
			return
		}
		api.ResponseJSON(w, statsJSON(stats))

	case "POST":
		cfg := config.Mirror
		if fps := query.Get("fps"); fps != "" {
			if cfg.FPS, err = strconv.Atoi(fps); err != nil || cfg.FPS < 1 || cfg.FPS > mirror.MaxFPS {
				http.Error(w, "fps must be 1.."+strconv.Itoa(mirror.MaxFPS), http.StatusBadRequest)
				return
			}
		}

		source, err := mirror.OpenSource(query.Get("source"), cfg.Width, cfg.Height)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.startMirror(source, cfg)

	case "DELETE":
		s.stopMirror()

	default:
		http.Error(w, "", http.StatusMethodNotAllowed)
	}
}

// startMirror replaces running pipeline with a new one
func (s *session) startMirror(source mirror.Source, cfg mirror.Config) {
	s.stopMirror()

	conn := rtsp.NewConn(s.device.Addr(), rtsp.ModeMirror, s.client.Identity)
	conn.Auth = s.client.Auth
	conn.Log = log

	p := mirror.NewPipeline(conn, source, cfg)

	addr := s.device.Addr()
	p.Listen(func(msg any) {
		if stats, ok := msg.(mirror.Stats); ok {
			ws.Broadcast(&ws.Message{Type: "mirror", Value: map[string]any{
				"dst": addr, "stats": statsJSON(stats),
			}})
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.pipeline = p
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	log.Info().Str("dst", addr).Int("fps", p.FPS).Msg("[airplay] mirror start")

	go func() {
		defer close(done)

		err := p.Serve(ctx)

		var serr *mirror.StreamError
		switch {
		case err == nil:
			log.Info().Str("dst", addr).Msg("[airplay] mirror stop")
		case errors.As(err, &serr) && serr.PairingLikely:
			log.Warn().Err(err).Str("dst", addr).Msg("[airplay] mirror stopped, device probably needs pairing")
		default:
			log.Warn().Err(err).Str("dst", addr).Msg("[airplay] mirror")
		}
	}()
}

// stopMirror cancels pipeline and waits for TEARDOWN
func (s *session) stopMirror() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

func (s *session) mirrorStats() (mirror.Stats, bool) {
	s.mu.Lock()
	p := s.pipeline
	s.mu.Unlock()

	if p == nil {
		return mirror.Stats{}, false
	}
	return p.Stats(), true
}

func statsJSON(s mirror.Stats) map[string]any {
	return map[string]any{
		"frames":   s.Frames,
		"bytes":    s.Bytes,
		"dropped":  s.Dropped,
		"failures": s.Failures,
		"fps":      s.FPS(),
		"bitrate":  s.Bitrate(),
		"final":    s.Final,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
