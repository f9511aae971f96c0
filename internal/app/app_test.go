package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/config"
)

func baseConfig() config.Config {
	return config.Config{
		General:     config.GeneralConfig{Workers: 2},
		RateLimiter: config.RateLimiterConfig{Requests: 10, Per: time.Second},
		HTTP:        config.HTTPConfig{Timeout: time.Second, UserAgent: "test"},
		Storage:     config.StorageConfig{Provider: "memory", Prefix: "pages"},
	}
}

func TestNewMemory(t *testing.T) {
	t.Parallel()

	a, err := New(context.Background(), baseConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.Engine())
	require.NotNil(t, a.Logger())
	require.Equal(t, "memory", a.Config().Storage.Provider)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewLocal(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Storage.Provider = "local"
	cfg.Storage.BaseDir = t.TempDir()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestNewBadStorage(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Storage.Provider = "tape"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init storage")
}

func TestNewBadDSN(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.DB = config.DBConfig{DSN: "postgres://%zz", Table: "retrievals"}
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init retrieval store")
}

func TestCloseJoinsErrors(t *testing.T) {
	t.Parallel()

	var order []string
	a := &App{logger: zap.NewNop(), closers: []namedCloser{
		{"first", func() error { order = append(order, "first"); return nil }},
		{"second", func() error { order = append(order, "second"); return errors.New("boom") }},
	}}
	err := a.Close()
	require.ErrorContains(t, err, "close second: boom")
	require.Equal(t, []string{"second", "first"}, order)
}
