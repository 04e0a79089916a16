package app

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var Logger = zerolog.Nop()

// MemoryLog keeps last log records for GET /api/log
var MemoryLog = newLogRing(1000)

// modules - log section of config: output settings and per-module levels
var modules = map[string]string{
	"format": "",
	"level":  "info",
	"output": "stdout",
	"time":   zerolog.TimeFormatUnixMs,
}

// GetLogger returns logger with module level from config, e.g. `log: {airplay: trace}`
func GetLogger(module string) zerolog.Logger {
	s, ok := modules[module]
	if !ok {
		return Logger
	}

	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		Logger.Warn().Err(err).Str("module", module).Msg("[app] log level")
		return Logger
	}

	return Logger.Level(lvl)
}

// initLogger support:
// - output: empty (only to memory), stderr, stdout
// - format: empty (autodetect color support), color, json, text
// - time:   empty (disable timestamp), UNIXMS, UNIXMICRO, UNIXNANO
// - level:  disabled, trace, debug, info, warn, error...
func initLogger() {
	var cfg struct {
		Mod map[string]string `yaml:"log"`
	}

	cfg.Mod = modules

	LoadConfig(&cfg)

	Logger = NewLogger(modules["output"], modules["format"], modules["time"], modules["level"])
}

func NewLogger(output, format, timeFormat, level string) zerolog.Logger {
	var writer io.Writer = MemoryLog

	if out := outputFile(output); out != nil {
		writer = zerolog.MultiLevelWriter(formatWriter(out, format, timeFormat != ""), MemoryLog)
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	logger := zerolog.New(writer).Level(lvl)

	if timeFormat != "" {
		zerolog.TimeFieldFormat = timeFormat
		logger = logger.With().Timestamp().Logger()
	}

	return logger
}

func outputFile(output string) *os.File {
	switch output {
	case "stderr":
		return os.Stderr
	case "stdout":
		return os.Stdout
	}
	return nil
}

func formatWriter(out *os.File, format string, timestamp bool) io.Writer {
	if format == "json" {
		return out
	}

	console := &zerolog.ConsoleWriter{Out: out}

	switch format {
	case "text":
		console.NoColor = true
	case "color":
	default:
		console.NoColor = !isatty.IsTerminal(out.Fd())
	}

	if timestamp {
		console.TimeFormat = "15:04:05.000"
	} else {
		console.PartsOrder = []string{zerolog.LevelFieldName, zerolog.MessageFieldName}
	}

	return console
}

// logRing - last N log records. zerolog makes one Write per record.
type logRing struct {
	records [][]byte
	next    int
	full    bool
	mu      sync.Mutex
}

func newLogRing(size int) *logRing {
	return &logRing{records: make([][]byte, size)}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.records[r.next] = append(r.records[r.next][:0], p...)
	if r.next++; r.next == len(r.records) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// WriteTo writes records from oldest to newest
func (r *logRing) WriteTo(w io.Writer) (n int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, count := 0, r.next
	if r.full {
		i, count = r.next, len(r.records)
	}

	for ; count > 0; count-- {
		nn, err := w.Write(r.records[i])
		n += int64(nn)
		if err != nil {
			return n, err
		}
		if i++; i == len(r.records) {
			i = 0
		}
	}
	return n, nil
}

func (r *logRing) Reset() {
	r.mu.Lock()
	r.next = 0
	r.full = false
	r.mu.Unlock()
}
