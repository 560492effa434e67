package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"signal_trader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForCancel(stopped *atomic.Int32) RunnerFunc {
	return func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return ctx.Err()
	}
}

func TestApp_RunStopsOnParentCancel(t *testing.T) {
	app := &App{Logger: logging.NewNopLogger()}
	var stopped atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx, waitForCancel(&stopped), waitForCancel(&stopped)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Equal(t, int32(2), stopped.Load())
}

func TestApp_RunnerFailureStopsOthers(t *testing.T) {
	app := &App{Logger: logging.NewNopLogger()}
	var stopped atomic.Int32
	boom := errors.New("listen tcp :9090: address already in use")

	err := app.Run(context.Background(),
		waitForCancel(&stopped),
		RunnerFunc(func(context.Context) error { return boom }),
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), stopped.Load())
}

func TestNewApp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  name: trader-test\n  log_level: WARN\n"), 0o600))

	app, err := NewApp(path)
	require.NoError(t, err)
	assert.Equal(t, "trader-test", app.Cfg.App.Name)
	assert.True(t, app.Cfg.App.Paper)

	_, err = NewApp(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
