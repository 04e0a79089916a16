package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/tcp"
	"github.com/rs/zerolog"
)

func Init() {
	var cfg struct {
		Mod struct {
			Listen   string `yaml:"listen"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
			BasePath string `yaml:"base_path"`
			Origin   string `yaml:"origin"`
		} `yaml:"api"`
	}

	// default config
	cfg.Mod.Listen = ":1984"

	app.LoadConfig(&cfg)

	if cfg.Mod.Listen == "" {
		return
	}

	basePath = cfg.Mod.BasePath
	log = app.GetLogger("api")

	HandleFunc("api", apiHandler)
	HandleFunc("api/log", logHandler)

	Handler = NewHandler(http.DefaultServeMux, cfg.Mod.Origin, cfg.Mod.Username, cfg.Mod.Password)

	go listen(cfg.Mod.Listen)
}

// NewHandler wraps mux with middlewares in order: log, auth, CORS
func NewHandler(mux http.Handler, origin, username, password string) http.Handler {
	handler := mux

	if origin == "*" {
		handler = middlewareCORS(handler)
	}

	if username != "" {
		handler = middlewareAuth(username, password, handler)
	}

	if log.Trace().Enabled() {
		handler = middlewareLog(handler)
	}

	return handler
}

func listen(address string) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		log.Error().Err(err).Msg("[api] listen")
		return
	}

	log.Info().Str("addr", address).Msg("[api] listen")

	Port = ln.Addr().(*net.TCPAddr).Port

	server := http.Server{
		Handler:           Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err = server.Serve(ln); err != nil {
		log.Fatal().Err(err).Msg("[api] serve")
	}
}

var Port int

const (
	MimeJSON = "application/json"
	MimeText = "text/plain"
)

var Handler http.Handler

// HandleFunc handle pattern with relative path:
// - "api/airplay" => "{basepath}/api/airplay"
// - "/airplay"    => "/airplay"
func HandleFunc(pattern string, handler http.HandlerFunc) {
	if len(pattern) == 0 || pattern[0] != '/' {
		pattern = basePath + "/" + pattern
	}
	log.Trace().Str("path", pattern).Msg("[api] register path")
	http.HandleFunc(pattern, handler)
}

// ResponseJSON important always add Content-Type
// so go won't need to call http.DetectContentType
func ResponseJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", MimeJSON)
	_ = json.NewEncoder(w).Encode(v)
}

func Response(w http.ResponseWriter, body any, contentType string) {
	w.Header().Set("Content-Type", contentType)

	switch v := body.(type) {
	case []byte:
		_, _ = w.Write(v)
	case string:
		_, _ = w.Write([]byte(v))
	default:
		_, _ = fmt.Fprint(w, body)
	}
}

// Error writes device error with status by its kind
func Error(w http.ResponseWriter, err error) {
	log.Error().Err(err).Caller(1).Send()

	http.Error(w, err.Error(), StatusCode(err))
}

func StatusCode(err error) int {
	switch {
	case errors.Is(err, core.ErrAuthRequired), errors.Is(err, core.ErrAuthFailed),
		errors.Is(err, core.ErrPairingFailed):
		return http.StatusForbidden
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrTransport), errors.Is(err, core.ErrProtocol),
		errors.Is(err, core.ErrDecode):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

var basePath string
var log = zerolog.Nop()

func middlewareLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Trace().Msgf("[api] %s %s %s", r.Method, r.URL, tcp.RemoteAddr(r))
		next.ServeHTTP(w, r)
	})
}

func middlewareAuth(username, password string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.RemoteAddr, "127.") && !strings.HasPrefix(r.RemoteAddr, "[::1]") {
			user, pass, ok := r.BasicAuth()
			if !ok || user != username || pass != password {
				w.Header().Set("Www-Authenticate", `Basic realm="go2airplay"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func middlewareCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

var mu sync.Mutex

func apiHandler(w http.ResponseWriter, r *http.Request) {
	mu.Lock()
	app.Info["host"] = r.Host
	b, err := json.Marshal(app.Info)
	mu.Unlock()

	if err != nil {
		Error(w, err)
		return
	}
	Response(w, append(b, '\n'), MimeJSON)
}

func logHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "GET":
		w.Header().Set("Content-Type", "application/jsonlines")
		_, _ = app.MemoryLog.WriteTo(w)
	case "DELETE":
		app.MemoryLog.Reset()
		Response(w, "OK", MimeText)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
