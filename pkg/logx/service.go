package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// TelegramConfig enables the alert sink. Records at or above MinLevel are
// forwarded to ChatID through the Sender given to New.
type TelegramConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

// Sender delivers a plain text alert to a chat.
type Sender interface {
	SendAlert(ctx context.Context, chatID int64, threadID int, text string) error
}

const defaultLogFile = "./campaignd.log"

// Service owns the sinks. Loggers obtained from it pick up every Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu     sync.Mutex
	file   *os.File
	alerts *alertSink
	stdout io.Writer
}

// New builds the service and applies cfg. sender may be nil and set later.
func New(cfg Config, sender Sender) (*Service, Logger) {
	s := &Service{alerts: newAlertSink(sender), stdout: os.Stdout}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetSender swaps the alert transport. A nil sender silences the alert sink.
func (s *Service) SetSender(sender Sender) { s.alerts.setSender(sender) }

// Apply rebuilds the sinks from cfg. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriterTo(s.stdout))
	}

	prev := s.file
	s.file = nil
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	s.alerts.configure(cfg.Telegram)
	if cfg.Telegram.Enabled {
		sinks = append(sinks, s.alerts)
	}

	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriterTo(s.stdout))
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	// The old file may still get a record from a logger that loaded the
	// previous root; SyncWriter turns that into a harmless write error.
	if prev != nil {
		_ = prev.Close()
	}
}

// Close stops the alert worker and closes the log file.
func (s *Service) Close() error {
	s.alerts.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func consoleWriter() io.Writer { return consoleWriterTo(os.Stdout) }

func consoleWriterTo(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}
