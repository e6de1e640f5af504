// Package logger owns the process-wide slog loggers: an operational logger
// for diagnostics and an audit logger that journals ledger mutations to its
// own rotated file.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	// Rotate applies to file entries in OutputPaths. A zero MaxSizeMB keeps
	// them as plain append-only files.
	Rotate Rotation    `json:"rotate"`
	Audit  AuditConfig `json:"audit"`
}

type Rotation struct {
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// AuditConfig always rotates; unset limits fall back to 100MB, 7 backups, 30 days.
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Rotation
}

// redacted lists attribute keys whose values never reach a log sink.
var redacted = map[string]bool{
	"password":      true,
	"password_hash": true,
	"secret":        true,
	"authorization": true,
	"access_token":  true,
	"refresh_token": true,
}

const redactedValue = "[REDACTED]"

type sinks struct {
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	initMu  sync.Mutex
	current atomic.Pointer[sinks]
)

// Init builds both loggers from cfg and swaps them in atomically. Files
// opened by a previous Init are closed once the swap succeeds.
func Init(cfg Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	next, err := build(cfg)
	if err != nil {
		return err
	}
	if prev := current.Swap(next); prev != nil {
		_ = closeAll(prev.closers)
	}
	return nil
}

func build(cfg Config) (_ *sinks, err error) {
	s := &sinks{}
	defer func() {
		if err != nil {
			_ = closeAll(s.closers)
		}
	}()

	var writers []io.Writer
	for _, path := range cfg.OutputPaths {
		w, err := s.open(path, cfg.Rotate)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redact}
	s.base = slog.New(newHandler(cfg.Format, fanIn(writers), opts))
	s.audit = s.base

	if cfg.Audit.Enabled {
		if strings.TrimSpace(cfg.Audit.Path) == "" {
			return nil, errors.New("audit log path cannot be empty when enabled")
		}
		w, err := s.rotating(cfg.Audit.Path, cfg.Audit.Rotation.withDefaults())
		if err != nil {
			return nil, err
		}
		// 审计日志固定为 JSON，便于离线对账。
		s.audit = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact}))
	}
	s.audit = s.audit.With(slog.String("stream", "audit"))
	return s, nil
}

func (s *sinks) open(path string, rot Rotation) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if rot.MaxSizeMB > 0 {
		return s.rotating(path, rot)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	s.closers = append(s.closers, file)
	return file, nil
}

func (s *sinks) rotating(path string, rot Rotation) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	s.closers = append(s.closers, w)
	return w, nil
}

func (r Rotation) withDefaults() Rotation {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

func fanIn(writers []io.Writer) io.Writer {
	switch len(writers) {
	case 0:
		return os.Stdout
	case 1:
		return writers[0]
	default:
		return io.MultiWriter(writers...)
	}
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redacted[strings.ToLower(a.Key)] && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func closeAll(list []io.Closer) error {
	var err error
	for _, c := range list {
		err = errors.Join(err, c.Close())
	}
	return err
}

func load() *sinks {
	if s := current.Load(); s != nil {
		return s
	}
	_ = Init(Config{})
	return current.Load()
}

// L returns the operational logger, initialising a stdout JSON logger on first use.
func L() *slog.Logger {
	return load().base
}

// Audit returns the audit logger; without an audit file it shares L's sink.
func Audit() *slog.Logger {
	return load().audit
}

// Sync closes the files opened by the last Init.
func Sync() error {
	initMu.Lock()
	defer initMu.Unlock()
	s := current.Load()
	if s == nil {
		return nil
	}
	err := closeAll(s.closers)
	s.closers = nil
	return err
}

func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}
