package panel

import (
	"context"
	"time"

	"github.com/golang/glog"
)

const DefaultRecentLogSize = 50

const defaultLogger = "frontend"

// forwards log entries to the server log and keeps the most recent ones in state
type LoggingMixin struct {
	recentSize int
	logging    *SliceWriter[LoggingSlice]
}

func NewLoggingMixinWithDefaults() *LoggingMixin {
	return NewLoggingMixin(DefaultRecentLogSize)
}

func NewLoggingMixin(recentSize int) *LoggingMixin {
	return &LoggingMixin{
		recentSize: recentSize,
	}
}

func (self *LoggingMixin) Name() string {
	return "logging"
}

func (self *LoggingMixin) Claim(host *Host) error {
	logging, err := ClaimSlice(host, LoggingField)
	if err != nil {
		return err
	}
	self.logging = logging
	return nil
}

func (self *LoggingMixin) FirstRender(ctx context.Context, host *Host) {
	Listen(host.Bus(), func(ctx context.Context, event WriteLogEvent) error {
		entry := LogEntry{
			Time:    time.Now(),
			Level:   event.Level,
			Logger:  event.Logger,
			Message: event.Message,
		}
		if entry.Level == "" {
			entry.Level = LogLevelInfo
		}
		if entry.Logger == "" {
			entry.Logger = defaultLogger
		}
		self.record(entry)

		conn := host.Connection()
		if conn == nil {
			return ErrNotConnected
		}
		return conn.CallService(ctx, "system_log", "write", map[string]any{
			"logger":  entry.Logger,
			"level":   string(entry.Level),
			"message": entry.Message,
		})
	})
}

// appends to the recent ring. The previous slice is never modified.
// A non-positive size keeps no ring
func (self *LoggingMixin) record(entry LogEntry) {
	if self.recentSize <= 0 {
		return
	}
	self.logging.Modify(func(logging LoggingSlice) LoggingSlice {
		recent := logging.Recent
		if self.recentSize <= len(recent) {
			recent = recent[len(recent)-self.recentSize+1:]
		}
		next := make([]LogEntry, 0, len(recent)+1)
		next = append(next, recent...)
		next = append(next, entry)
		return LoggingSlice{
			Recent: next,
		}
	})
}

func (self *LoggingMixin) PanelChanged(ctx context.Context, host *Host, panel string) {
	glog.V(1).Infof("[logging]panel %s\n", panel)
}

func (self *LoggingMixin) Disconnected(ctx context.Context, host *Host) {
	self.record(LogEntry{
		Time:    time.Now(),
		Level:   LogLevelWarning,
		Logger:  defaultLogger,
		Message: "Connection lost.",
	})
}
