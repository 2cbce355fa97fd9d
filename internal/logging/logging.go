// Package logging wraps zap for the transport core. Every Peer owns exactly
// one Logger instance, threaded by reference into its connections and
// channels; there is no package-level default logger to keep the core free
// of global "current instance" state (spec.md §9 design note).
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin facade over *zap.Logger with the field names the
// transport core uses consistently: peer, remote, channel, seq, reason.
type Logger struct {
	z *zap.Logger
}

// Config selects the logging backend. Development trades structured JSON
// for a human-readable console encoder, matching the teacher's colored
// console logger for local runs.
type Config struct {
	Development bool
	Level       zapcore.Level
}

// New builds a Logger from Config. A zero Config yields a production JSON
// logger at info level.
func New(cfg Config) (*Logger, error) {
	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level)
	z, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{z: z}, nil
}

// Noop returns a Logger that discards everything, for tests that don't
// want to assert on log output.
func Noop() *Logger { return &Logger{z: zap.NewNop()} }

// With returns a child logger carrying the given fields on every
// subsequent call, mirroring how a Connection tags its logger with
// "remote" once at construction time.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }

// Sync flushes any buffered log entries, intended to be deferred once at
// peer shutdown.
func (l *Logger) Sync() error { return l.z.Sync() }

// Field helpers keep call sites terse and consistent across packages.

func Peer(id uint64) zap.Field        { return zap.Uint64("peer", id) }
func Remote(addr string) zap.Field    { return zap.String("remote", addr) }
func Channel(i int) zap.Field         { return zap.Int("channel", i) }
func Seq(seq uint16) zap.Field        { return zap.Uint16("seq", seq) }
func Reason(reason string) zap.Field  { return zap.String("reason", reason) }
func MsgType(t byte) zap.Field        { return zap.Uint8("msg_type", t) }
func Err(err error) zap.Field         { return zap.Error(err) }
