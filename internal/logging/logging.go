// Package logging configures the structured logger every other package
// logs through: level selection, colored console output by default, and
// an optional file sink named by the date it was opened on.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Level mirrors the handful of severities the CLI exposes; it maps
// directly onto a logrus.Level.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case Debug:
		return logrus.DebugLevel
	case Warn:
		return logrus.WarnLevel
	case Error:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a *logrus.Logger at the given level, writing colored,
// timestamped text to stderr.
func New(level Level) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(level.logrusLevel())
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// WithFileOutput additionally appends every log line to a dated file
// under dir, named "<prefix>_<date>.log". The directory is created if
// missing; a failure here is returned rather than silently dropped,
// since the caller asked explicitly for durable logs.
func WithFileOutput(l *logrus.Logger, dir, prefix string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s.log", prefix, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.AddHook(&fileHook{file: f, formatter: &logrus.TextFormatter{FullTimestamp: true}})
	return f, nil
}

// NewTransfer returns a log entry tagged with a fresh correlation id, so
// every line logged for one client or server transfer can be grepped out
// of a shared log stream by "transfer_id".
func NewTransfer(l *logrus.Logger) *logrus.Entry {
	return l.WithField("transfer_id", uuid.NewString())
}

// fileHook mirrors every entry logrus accepts into a plain-text file,
// independent of whatever formatter is attached to the console output.
type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
