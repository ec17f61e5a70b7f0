package realtime

import (
	"os"

	"github.com/charmbracelet/log"
)

// CharmLogger adapts github.com/charmbracelet/log to the Logger interface.
type CharmLogger struct {
	l *log.Logger
}

// NewCharmLogger builds a Logger that writes structured, leveled output to
// stderr via charmbracelet/log, the same logger doismellburning/samoyed
// wires as its default.
func NewCharmLogger() *CharmLogger {
	l := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.000",
	})
	return &CharmLogger{l: l}
}

func (c *CharmLogger) Debug(msg string, args ...interface{}) { c.l.Debug(msg, args...) }
func (c *CharmLogger) Info(msg string, args ...interface{})  { c.l.Info(msg, args...) }
func (c *CharmLogger) Warn(msg string, args ...interface{})  { c.l.Warn(msg, args...) }
func (c *CharmLogger) Error(msg string, args ...interface{}) { c.l.Error(msg, args...) }

// With returns a logger with additional persistent key-value context,
// useful for attaching a per-session ID without threading it through every
// call site.
func (c *CharmLogger) With(args ...interface{}) *CharmLogger {
	return &CharmLogger{l: c.l.With(args...)}
}
