package cmd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/app"
	"github.com/JakeFAU/scrapewire/internal/config"
	"github.com/JakeFAU/scrapewire/internal/protocol"
	"github.com/JakeFAU/scrapewire/internal/wire"
)

func testConfig() config.Config {
	return config.Config{
		General:     config.GeneralConfig{Workers: 2},
		RateLimiter: config.RateLimiterConfig{Requests: 100, Per: time.Second},
		HTTP:        config.HTTPConfig{Timeout: 5 * time.Second, UserAgent: "scrapewire-test"},
		Storage:     config.StorageConfig{Provider: "memory", Prefix: "pages"},
	}
}

// stubRuntime replaces config loading and logger construction for one test.
func stubRuntime(t *testing.T, cfg config.Config) {
	t.Helper()
	origLoad, origLogger := loadConfig, newLogger
	loadConfig = func(string) (config.Config, error) { return cfg, nil }
	newLogger = func(bool, string) (*zap.Logger, error) { return zap.NewNop(), nil }
	t.Cleanup(func() {
		loadConfig, newLogger = origLoad, origLogger
	})
}

func TestRunWorkerCSS(t *testing.T) {
	var in bytes.Buffer
	require.NoError(t, protocol.WriteJob(&in, []byte(`{"url":{"url":"https://a.example/s.css"}}`),
		bytes.NewReader([]byte(`a { background: url(img/x.png) } b { background: url(data:,) }`)), wire.DefaultChunkSize))
	require.NoError(t, protocol.WriteTerminate(&in))

	var out bytes.Buffer
	require.NoError(t, runWorker(context.Background(), "css", &in, &out, zap.NewNop()))

	msg, err := protocol.ReadWorkerMessage(&out)
	require.NoError(t, err)
	require.Equal(t, protocol.WorkerMessage{Op: protocol.OpSubmit, URL: "img/x.png"}, msg)
	msg, err = protocol.ReadWorkerMessage(&out)
	require.NoError(t, err)
	require.Equal(t, protocol.OpJobComplete, msg.Op)
	_, err = protocol.ReadWorkerMessage(&out)
	require.ErrorIs(t, err, wire.ErrTruncatedStream)
}

func TestRunWorkerUnknownScript(t *testing.T) {
	err := runWorker(context.Background(), "perl", bytes.NewReader(nil), io.Discard, zap.NewNop())
	require.ErrorContains(t, err, "unknown script")
}

func TestWorkerCommandRequiresScript(t *testing.T) {
	stubRuntime(t, testConfig())
	root := newRootCmd()
	root.SetArgs([]string{"worker"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	require.ErrorContains(t, root.Execute(), "script")
}

func TestCrawlCommandRequiresStartPoint(t *testing.T) {
	stubRuntime(t, testConfig())
	root := newRootCmd()
	root.SetArgs([]string{"crawl"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	require.ErrorContains(t, root.Execute(), "start-point")
}

func TestCrawlCommandRejectsRelativeStartPoint(t *testing.T) {
	stubRuntime(t, testConfig())
	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--start-point", "/relative"})
	require.ErrorContains(t, root.Execute(), "start point")
}

func TestCrawlCommandArchivesStartPoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="/next">next</a>`))
	}))
	defer srv.Close()

	stubRuntime(t, testConfig())
	var built *app.App
	origApp := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		a, err := app.New(ctx, cfg, logger)
		built = a
		return a, err
	}
	t.Cleanup(func() { newApp = origApp })

	root := newRootCmd()
	root.SetArgs([]string{"crawl", "--start-point", srv.URL + "/"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, built)
	// No scripts are configured, so nothing beyond the start point is found.
	require.EqualValues(t, 1, built.Engine().Archived())
}

func TestLoadConfigFailureIsReported(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"--config", "/nonexistent/scrapewire.toml", "worker", "--script", "css"})
	require.ErrorContains(t, root.Execute(), "load config")
}
