package ws

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/internal/api"
	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func Init() {
	var cfg struct {
		Mod struct {
			Origin string `yaml:"origin"`
		} `yaml:"api"`
	}

	app.LoadConfig(&cfg)

	log = app.GetLogger("api")

	initWS(cfg.Mod.Origin)

	api.HandleFunc("api/ws", apiWS)
}

var log = zerolog.Nop()

// Message - JSON envelope in both directions: {"type": "...", "value": ...}
type Message struct {
	Type  string          `json:"type"`
	Value any             `json:"value,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

func (m *Message) String() (value string) {
	_ = json.Unmarshal(m.Raw, &value)
	return
}

func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Raw, v)
}

// Handler is called in own goroutine for each incoming message of its type
type Handler func(tr *Transport, msg *Message) error

var handlers = map[string]Handler{}

func HandleFunc(msgType string, handler Handler) {
	handlers[msgType] = handler
}

var upgrader *websocket.Upgrader

func initWS(origin string) {
	upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     checkOrigin(origin),
	}
}

// checkOrigin: empty - same host (any port), "*" - any origin, else exact origin
func checkOrigin(allowed string) func(r *http.Request) bool {
	if allowed == "*" {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowed != "" {
			return origin == allowed
		}

		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		host, _, _ := strings.Cut(u.Host, ":")
		reqHost, _, _ := strings.Cut(r.Host, ":")
		if host == reqHost {
			return true
		}

		log.Trace().Str("origin", origin).Str("host", r.Host).Msg("[api] ws origin rejected")
		return false
	}
}

const writeTimeout = 5 * time.Second

func apiWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("origin", r.Header.Get("Origin")).Msg("[api] ws upgrade")
		return
	}

	tr := NewTransport(r, func(msg any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	})

	defer tr.Close()
	defer conn.Close()

	for {
		msg := &Message{}
		if err = conn.ReadJSON(&struct {
			Type  *string          `json:"type"`
			Value *json.RawMessage `json:"value"`
		}{&msg.Type, &msg.Raw}); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived, websocket.CloseGoingAway) {
				log.Trace().Err(err).Msg("[api] ws read")
			}
			return
		}

		log.Trace().Str("type", msg.Type).Msg("[api] ws msg")

		handler := handlers[msg.Type]
		if handler == nil {
			continue
		}

		go func() {
			if err := handler(tr, msg); err != nil {
				tr.Write(&Message{Type: "error", Value: msg.Type + ": " + err.Error()})
			}
		}()
	}
}

// Transport - one websocket client. Writes are serialized and
// silently dropped after Close.
type Transport struct {
	Request *http.Request

	write   func(msg any) error
	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

func NewTransport(r *http.Request, write func(msg any) error) *Transport {
	return &Transport{Request: r, write: write}
}

func (t *Transport) Write(msg any) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return
	}

	t.writeMu.Lock()
	if err := t.write(msg); err != nil {
		log.Trace().Err(err).Msg("[api] ws write")
	}
	t.writeMu.Unlock()
}

// OnClose - f is called at once if transport already closed
func (t *Transport) OnClose(f func()) {
	t.mu.Lock()
	if !t.closed {
		t.onClose = append(t.onClose, f)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	f()
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	funcs := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, f := range funcs {
		f()
	}
}

// topics - transports subscribed to server events by message type
var (
	topics   = map[string]map[*Transport]struct{}{}
	topicsMu sync.Mutex
)

// Subscribe sends future Broadcast messages of msgType to transport until it closes
func Subscribe(msgType string, tr *Transport) {
	topicsMu.Lock()
	subs := topics[msgType]
	if subs == nil {
		subs = map[*Transport]struct{}{}
		topics[msgType] = subs
	}
	subs[tr] = struct{}{}
	topicsMu.Unlock()

	tr.OnClose(func() {
		topicsMu.Lock()
		delete(topics[msgType], tr)
		topicsMu.Unlock()
	})
}

// Broadcast - msg to all subscribers of msg.Type
func Broadcast(msg *Message) {
	topicsMu.Lock()
	subs := make([]*Transport, 0, len(topics[msg.Type]))
	for tr := range topics[msg.Type] {
		subs = append(subs, tr)
	}
	topicsMu.Unlock()

	for _, tr := range subs {
		tr.Write(msg)
	}
}
