// Package alert fans operator alerts out to configured channels. Sending is
// asynchronous so a slow channel never blocks the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"fundarb/internal/core"
)

// channelTimeout bounds each channel's delivery attempt.
const channelTimeout = 10 * time.Second

// Payload is one alert as handed to channels.
type Payload struct {
	Severity  core.AlertSeverity
	Title     string
	Message   string
	Timestamp time.Time
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.IAlerter over a set of channels.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewManager creates an alert manager with no channels.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert dispatches to every channel concurrently and returns without waiting
// for delivery.
func (m *Manager) Alert(ctx context.Context, severity core.AlertSeverity, title, message string) {
	payload := Payload{
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			// Detach from the caller's context; alert delivery should
			// outlive a cancelled request
			sendCtx, cancel := context.WithTimeout(context.Background(), channelTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert",
					"channel", c.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}

// LogChannel writes alerts to the structured log. Always configured.
type LogChannel struct {
	logger core.ILogger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alerts")}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, alert Payload) error {
	switch alert.Severity {
	case core.AlertCritical, core.AlertError:
		l.logger.Error(alert.Title, "severity", string(alert.Severity), "message", alert.Message)
	case core.AlertWarning:
		l.logger.Warn(alert.Title, "severity", string(alert.Severity), "message", alert.Message)
	default:
		l.logger.Info(alert.Title, "severity", string(alert.Severity), "message", alert.Message)
	}
	return nil
}
