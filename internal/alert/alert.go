// Package alert delivers operator notifications to chat channels
package alert

import (
	"context"
	"sync"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
)

type AlertLevel string

const (
	Info    AlertLevel = "INFO"
	Warning AlertLevel = "WARNING"
	Error   AlertLevel = "ERROR"
)

const sendTimeout = 10 * time.Second

type AlertPayload struct {
	Level     AlertLevel
	Category  core.AlertCategory
	Title     string
	Message   string
	Timestamp time.Time
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager fans notifications out to its channels. Categories switched off in the
// configuration are dropped. Delivery runs in the background and failures are only logged.
type AlertManager struct {
	channels []AlertChannel
	enabled  map[core.AlertCategory]bool
	logger   core.ILogger
	now      func() time.Time
	mu       sync.RWMutex
	inflight sync.WaitGroup
}

var _ core.AlertSink = (*AlertManager)(nil)

func NewAlertManager(cfg config.AlertsConfig, logger core.ILogger) *AlertManager {
	return &AlertManager{
		enabled: map[core.AlertCategory]bool{
			core.AlertSystemError:    cfg.SystemError,
			core.AlertTradeEntry:     cfg.TradeEntry,
			core.AlertTradeCancelled: cfg.TradeCancelled,
			core.AlertTradeClosed:    cfg.TradeClosed,
		},
		logger: logger.WithField("component", "alert_manager"),
		now:    time.Now,
	}
}

// FromConfig builds a manager with every channel enabled in cfg
func FromConfig(cfg config.AlertsConfig, logger core.ILogger) (*AlertManager, error) {
	am := NewAlertManager(cfg, logger)
	if cfg.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Telegram.BotToken.Reveal(), cfg.Telegram.ChatID)
		if err != nil {
			return nil, err
		}
		am.AddChannel(ch)
	}
	if cfg.Slack.Enabled {
		am.AddChannel(NewSlackChannel(cfg.Slack.WebhookURL.Reveal()))
	}
	return am, nil
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Enabled reports whether alerts of the category are delivered. Unknown categories are.
func (am *AlertManager) Enabled(category core.AlertCategory) bool {
	on, known := am.enabled[category]
	return on || !known
}

// Notify implements core.AlertSink
func (am *AlertManager) Notify(ctx context.Context, subject, body string, category core.AlertCategory) {
	if !am.Enabled(category) {
		am.logger.Debug("Alert suppressed", "title", subject, "category", category)
		return
	}
	am.Alert(ctx, AlertPayload{
		Level:     levelOf(category),
		Category:  category,
		Title:     subject,
		Message:   body,
		Timestamp: am.now(),
	})
}

// Alert sends payload to every channel without waiting for delivery
func (am *AlertManager) Alert(ctx context.Context, payload AlertPayload) {
	am.logger.Info("Triggering alert", "title", payload.Title, "level", payload.Level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// the caller's cancellation must not abort a send that already started
	base := context.WithoutCancel(ctx)
	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			sendCtx, cancel := context.WithTimeout(base, sendTimeout)
			defer cancel()

			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "title", payload.Title, "error", err)
			}
		}(ch)
	}
}

// Flush waits for in-flight sends or until ctx is done
func (am *AlertManager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func levelOf(category core.AlertCategory) AlertLevel {
	switch category {
	case core.AlertSystemError:
		return Error
	case core.AlertTradeCancelled:
		return Warning
	default:
		return Info
	}
}
