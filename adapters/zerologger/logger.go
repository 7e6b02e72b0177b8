// Package zerologger backs the glog contracts with rs/zerolog for the relay
// binary.
package zerologger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"github.com/rs/zerolog"

	"github.com/goliatone/go-webhook-relay/core"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

type Config struct {
	Level   string
	Console bool
	Output  io.Writer
}

// Logger adapts a zerolog.Logger to glog.Logger and glog.FieldsLogger.
// Key/value args are written as structured fields.
type Logger struct {
	base zerolog.Logger
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	}
	base := zerolog.New(out).
		Level(ParseLevel(cfg.Level, zerolog.InfoLevel)).
		With().
		Timestamp().
		Logger()
	return &Logger{base: base}
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(base zerolog.Logger) *Logger {
	return &Logger{base: base}
}

func ParseLevel(value string, fallback zerolog.Level) zerolog.Level {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil {
		return fallback
	}
	return level
}

func (l *Logger) Trace(msg string, args ...any) { l.log(zerolog.TraceLevel, msg, args) }
func (l *Logger) Debug(msg string, args ...any) { l.log(zerolog.DebugLevel, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.log(zerolog.InfoLevel, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(zerolog.WarnLevel, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.log(zerolog.ErrorLevel, msg, args) }

// Fatal logs at fatal level without exiting. Process exit stays with main.
func (l *Logger) Fatal(msg string, args ...any) { l.log(zerolog.FatalLevel, msg, args) }

func (l *Logger) WithContext(ctx context.Context) glog.Logger {
	correlationID := core.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		return l
	}
	return &Logger{base: l.base.With().Str("correlation_id", correlationID).Logger()}
}

func (l *Logger) WithFields(fields map[string]any) glog.Logger {
	if len(fields) == 0 {
		return l
	}
	builder := l.base.With()
	for _, key := range sortedKeys(fields) {
		builder = builder.Interface(key, fields[key])
	}
	return &Logger{base: builder.Logger()}
}

func (l *Logger) log(level zerolog.Level, msg string, args []any) {
	if l == nil {
		return
	}
	event := l.base.WithLevel(level)
	if event == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprint(args[i])
		if i+1 >= len(args) {
			event.Bool(key, true)
			break
		}
		switch value := args[i+1].(type) {
		case error:
			event.AnErr(key, value)
		case string:
			event.Str(key, value)
		case int:
			event.Int(key, value)
		case int64:
			event.Int64(key, value)
		case bool:
			event.Bool(key, value)
		case time.Duration:
			event.Dur(key, value)
		case time.Time:
			event.Time(key, value)
		default:
			event.Interface(key, value)
		}
	}
	event.Msg(msg)
}

// Provider hands out loggers tagged with a "logger" field.
type Provider struct {
	root *Logger
}

func NewProvider(root *Logger) *Provider {
	if root == nil {
		root = FromZerolog(zerolog.Nop())
	}
	return &Provider{root: root}
}

func (p *Provider) GetLogger(name string) glog.Logger {
	name = strings.TrimSpace(name)
	if name == "" {
		return p.root
	}
	return &Logger{base: p.root.base.With().Str("logger", name).Logger()}
}

func sortedKeys(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ glog.Logger         = (*Logger)(nil)
	_ glog.FieldsLogger   = (*Logger)(nil)
	_ glog.LoggerProvider = (*Provider)(nil)
)
