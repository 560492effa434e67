package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAlertChannel struct {
	name     string
	sent     []AlertPayload
	sendFunc func(ctx context.Context, alert AlertPayload) error
	mu       sync.Mutex
}

func (m *mockAlertChannel) Name() string {
	return m.name
}

func (m *mockAlertChannel) Send(ctx context.Context, alert AlertPayload) error {
	m.mu.Lock()
	m.sent = append(m.sent, alert)
	m.mu.Unlock()
	if m.sendFunc != nil {
		return m.sendFunc(ctx, alert)
	}
	return nil
}

func (m *mockAlertChannel) getSent() []AlertPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]AlertPayload, len(m.sent))
	copy(res, m.sent)
	return res
}

func allAlerts() config.AlertsConfig {
	return config.AlertsConfig{TradeEntry: true, TradeCancelled: true, TradeClosed: true, SystemError: true}
}

func flush(t *testing.T, am *AlertManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, am.Flush(ctx))
}

func TestAlertManager_Notify(t *testing.T) {
	am := NewAlertManager(allAlerts(), logging.NewNopLogger())
	fixed := time.Date(2026, 2, 1, 0, 15, 0, 0, time.UTC)
	am.now = func() time.Time { return fixed }

	ch1 := &mockAlertChannel{name: "mock1"}
	ch2 := &mockAlertChannel{name: "mock2"}
	am.AddChannel(ch1)
	am.AddChannel(ch2)

	am.Notify(context.Background(), "Trade Closed: BTCUSDT", "Exit Type: Level0", core.AlertTradeClosed)
	flush(t, am)

	require.Len(t, ch1.getSent(), 1)
	require.Len(t, ch2.getSent(), 1)

	payload := ch1.getSent()[0]
	assert.Equal(t, "Trade Closed: BTCUSDT", payload.Title)
	assert.Equal(t, "Exit Type: Level0", payload.Message)
	assert.Equal(t, Info, payload.Level)
	assert.Equal(t, core.AlertTradeClosed, payload.Category)
	assert.Equal(t, fixed, payload.Timestamp)
}

func TestAlertManager_CategorySuppression(t *testing.T) {
	cfg := allAlerts()
	cfg.TradeEntry = false
	cfg.TradeCancelled = false
	am := NewAlertManager(cfg, logging.NewNopLogger())
	ch := &mockAlertChannel{name: "mock"}
	am.AddChannel(ch)

	ctx := context.Background()
	am.Notify(ctx, "Trade Entry: BTCUSDT", "filled", core.AlertTradeEntry)
	am.Notify(ctx, "Trade Cancelled: BTCUSDT", "timed out", core.AlertTradeCancelled)
	am.Notify(ctx, "System Error", "boom", core.AlertSystemError)
	am.Notify(ctx, "Custom", "uncategorized", core.AlertCategory("Custom"))
	flush(t, am)

	sent := ch.getSent()
	require.Len(t, sent, 2)
	titles := []string{sent[0].Title, sent[1].Title}
	assert.ElementsMatch(t, []string{"System Error", "Custom"}, titles)

	assert.False(t, am.Enabled(core.AlertTradeEntry))
	assert.True(t, am.Enabled(core.AlertTradeClosed))
}

func TestAlertManager_LevelsFollowCategory(t *testing.T) {
	assert.Equal(t, Error, levelOf(core.AlertSystemError))
	assert.Equal(t, Warning, levelOf(core.AlertTradeCancelled))
	assert.Equal(t, Info, levelOf(core.AlertTradeEntry))
	assert.Equal(t, Info, levelOf(core.AlertTradeClosed))
}

func TestAlertManager_ChannelFailureIsContained(t *testing.T) {
	am := NewAlertManager(allAlerts(), logging.NewNopLogger())
	failing := &mockAlertChannel{name: "failing", sendFunc: func(context.Context, AlertPayload) error {
		return errors.New("webhook down")
	}}
	healthy := &mockAlertChannel{name: "healthy"}
	am.AddChannel(failing)
	am.AddChannel(healthy)

	am.Notify(context.Background(), "System Error", "boom", core.AlertSystemError)
	flush(t, am)

	assert.Len(t, failing.getSent(), 1)
	assert.Len(t, healthy.getSent(), 1)
}

func TestAlertManager_SendOutlivesCallerContext(t *testing.T) {
	am := NewAlertManager(allAlerts(), logging.NewNopLogger())
	release := make(chan struct{})
	var sendErr error
	ch := &mockAlertChannel{name: "slow", sendFunc: func(ctx context.Context, _ AlertPayload) error {
		<-release
		sendErr = ctx.Err()
		return sendErr
	}}
	am.AddChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	am.Notify(ctx, "Trade Entry: BTCUSDT", "filled", core.AlertTradeEntry)
	cancel()
	close(release)
	flush(t, am)

	assert.NoError(t, sendErr)
}

func TestAlertManager_FlushHonoursContext(t *testing.T) {
	am := NewAlertManager(allAlerts(), logging.NewNopLogger())
	block := make(chan struct{})
	defer close(block)
	am.AddChannel(&mockAlertChannel{name: "stuck", sendFunc: func(context.Context, AlertPayload) error {
		<-block
		return nil
	}})

	am.Notify(context.Background(), "System Error", "boom", core.AlertSystemError)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, am.Flush(ctx), context.DeadlineExceeded)
}

func TestSlackChannel_Send(t *testing.T) {
	var body map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	err := ch.Send(context.Background(), AlertPayload{
		Level:     Error,
		Category:  core.AlertSystemError,
		Title:     "System Error",
		Message:   "Exchange error for BTCUSDT",
		Timestamp: time.Unix(1769904900, 0),
	})
	require.NoError(t, err)

	attachments := body["attachments"].([]interface{})
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]interface{})
	assert.Equal(t, "#ff0000", att["color"])
	assert.Equal(t, "[ERROR] System Error", att["pretext"])
	assert.Equal(t, "Exchange error for BTCUSDT", att["text"])
	assert.EqualValues(t, 1769904900, att["ts"])
}

func TestSlackChannel_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	err := NewSlackChannel(server.URL).Send(context.Background(), AlertPayload{Title: "x"})
	assert.ErrorContains(t, err, "403")

	// no webhook configured is a no-op
	assert.NoError(t, NewSlackChannel("").Send(context.Background(), AlertPayload{Title: "x"}))
}

func TestTelegramChannel_Send(t *testing.T) {
	var mu sync.Mutex
	var sent url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = r.PostForm
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":1769904900,"chat":{"id":42,"type":"private"}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	defer server.Close()

	ch, err := newTelegramChannel("token", server.URL+"/bot%s/%s", 42)
	require.NoError(t, err)
	assert.Equal(t, "telegram", ch.Name())

	err = ch.Send(context.Background(), AlertPayload{
		Level:   Warning,
		Title:   "Trade Cancelled: BTC_USDT",
		Message: "Entry timed out",
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", sent.Get("chat_id"))
	assert.Equal(t, "Markdown", sent.Get("parse_mode"))
	assert.Contains(t, sent.Get("text"), `[WARNING] Trade Cancelled: BTC\_USDT`)
	assert.Contains(t, sent.Get("text"), "Entry timed out")
}

func TestTelegramChannel_InvalidToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer server.Close()

	_, err := newTelegramChannel("bad", server.URL+"/bot%s/%s", 42)
	assert.ErrorContains(t, err, "telegram login")
}

func TestFromConfig(t *testing.T) {
	cfg := allAlerts()
	cfg.Slack.Enabled = true
	cfg.Slack.WebhookURL = "https://hooks.slack.invalid/x"

	am, err := FromConfig(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	require.Len(t, am.channels, 1)
	assert.Equal(t, "slack", am.channels[0].Name())
}
