package airplay

import (
	"context"
	"sync"
	"time"

	"github.com/go2airplay/go2airplay/internal/api"
	"github.com/go2airplay/go2airplay/internal/api/ws"
	"github.com/go2airplay/go2airplay/internal/app"
	"github.com/go2airplay/go2airplay/pkg/airplay"
	"github.com/go2airplay/go2airplay/pkg/core"
	"github.com/go2airplay/go2airplay/pkg/mirror"
	"github.com/go2airplay/go2airplay/pkg/tcp"
	"github.com/rs/zerolog"
)

type Config struct {
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	ScanInterval time.Duration `yaml:"scan_interval"`
	UserAgent    string        `yaml:"user_agent"`

	// default credentials for all devices
	PIN      string `yaml:"pin"`
	Password string `yaml:"password"`

	// per-device credentials by device id or name
	Devices map[string]DeviceConfig `yaml:"devices"`

	Mirror mirror.Config `yaml:"mirror"`
}

type DeviceConfig struct {
	PIN      string `yaml:"pin"`
	Password string `yaml:"password"`
}

func defaultConfig() Config {
	return Config{
		ScanTimeout:  5 * time.Second,
		ScanInterval: time.Minute,
		UserAgent:    tcp.DefaultUserAgent,
		Mirror:       mirror.Config{FPS: mirror.DefaultFPS, Width: 1280, Height: 720, Quality: mirror.DefaultQuality},
	}
}

func Init() {
	var cfg struct {
		Mod Config `yaml:"airplay"`
	}

	cfg.Mod = defaultConfig()

	app.LoadConfig(&cfg)

	log = app.GetLogger("airplay")

	initModule(cfg.Mod, airplay.NewScanner())

	api.HandleFunc("api/airplay", apiDevices)
	api.HandleFunc("api/airplay/scan", apiScan)
	api.HandleFunc("api/airplay/info", apiInfo)
	api.HandleFunc("api/airplay/auth", apiAuth)
	api.HandleFunc("api/airplay/pair", apiPair)
	api.HandleFunc("api/airplay/play", apiPlay)
	api.HandleFunc("api/airplay/stop", apiStop)
	api.HandleFunc("api/airplay/scrub", apiScrub)
	api.HandleFunc("api/airplay/photo", apiPhoto)
	api.HandleFunc("api/airplay/mirror", apiMirror)

	ws.HandleFunc("airplay", wsHandler)
	ws.HandleFunc("mirror", wsMirror)

	if cfg.Mod.ScanInterval > 0 {
		worker = core.NewWorker(0, func() time.Duration {
			if _, err := scan(context.Background()); err != nil {
				log.Warn().Err(err).Msg("[airplay] scan")
			}
			return cfg.Mod.ScanInterval
		})
	}
}

var log = zerolog.Nop()

var (
	config   Config
	identity *tcp.Identity
	scanner  *airplay.Scanner
	creds    *credentials
	worker   *core.Worker
)

func initModule(cfg Config, s *airplay.Scanner) {
	config = cfg
	identity = tcp.NewIdentity(cfg.UserAgent)
	creds = newCredentials(cfg)
	sessions = map[string]*session{}

	scanner = s
	scanner.Listen(func(msg any) {
		if ev, ok := msg.(*airplay.Event); ok {
			if ev.Device != nil {
				log.Debug().Str("name", ev.Device.Name).Str("addr", ev.Device.Addr()).Msg("[airplay] " + ev.Type)
			}
			ws.Broadcast(&ws.Message{Type: "airplay", Value: ev})
		}
	})
}

var scanMu sync.Mutex

// scan runs one discovery, concurrent calls wait for each other
func scan(ctx context.Context) ([]*airplay.Device, error) {
	scanMu.Lock()
	defer scanMu.Unlock()

	devices, err := scanner.Scan(ctx, config.ScanTimeout)
	if err != nil {
		return nil, err
	}

	log.Trace().Int("devices", len(devices)).Msg("[airplay] scan")

	return devices, nil
}

// wsHandler subscribes client to discovery events and sends known devices
func wsHandler(tr *ws.Transport, msg *ws.Message) error {
	ws.Subscribe("airplay", tr)

	tr.Write(&ws.Message{Type: "airplay", Value: &airplay.Event{
		Type: airplay.EventChanged, Devices: scanner.Devices(),
	}})

	return nil
}

// wsMirror subscribes client to mirror stats
func wsMirror(tr *ws.Transport, msg *ws.Message) error {
	ws.Subscribe("mirror", tr)
	return nil
}
