package scripts

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/protocol"
	"github.com/JakeFAU/scrapewire/internal/scraper"
	"github.com/JakeFAU/scrapewire/internal/wire"
)

func TestCSSLinks(t *testing.T) {
	t.Parallel()

	css := `
body { background: url("img/bg.png"); }
.a { background-image: url( 'icons/a.svg' ); }
.b { background: url(plain.gif) no-repeat; }
.c { background: url(data:image/png;base64,AAAA); }
.d { background: url('DATA:image/gif;base64,BBBB'); }
.e { background: url(img/bg.png); }
@font-face { src: url(fonts/x.woff2) format("woff2"); }
`
	rpc := &fakeCapability{}
	require.NoError(t, CSSLinks(zap.NewNop())(context.Background(), rpc, job(css)))
	require.Equal(t, []string{"img/bg.png", "icons/a.svg", "plain.gif", "fonts/x.woff2"}, rpc.submitted)
}

func TestHTMLLinks(t *testing.T) {
	t.Parallel()

	page := `<!doctype html>
<html><head>
<link rel="stylesheet" href="/main.css">
<script src="https://cdn.example/app.js"></script>
<style>.hero { background: url(/hero.jpg) } .x { background: url(data:,) }</style>
</head><body>
<a href="/about">About</a>
<a href="  ">blank</a>
<a>no href</a>
<a href="/about">dup</a>
<img src="logo.png">
</body></html>`
	rpc := &fakeCapability{}
	require.NoError(t, HTMLLinks(zap.NewNop())(context.Background(), rpc, job(page)))
	require.Equal(t, []string{
		"/about",
		"/main.css",
		"logo.png",
		"https://cdn.example/app.js",
		"/hero.jpg",
	}, rpc.submitted)
	require.Empty(t, rpc.fetched)
}

func TestScriptAssets(t *testing.T) {
	t.Parallel()

	page := `<html><head>
<script src="/app.js"></script>
<script src="/broken.js"></script>
<script>inline()</script>
</head></html>`
	rpc := &fakeCapability{
		bodies: map[string]string{
			"/app.js": `load("https://cdn.example/a.css"); var u = 'http://img.example/b.png'; var rel = "/c.js"; load("https://cdn.example/a.css");`,
		},
		rpcErrors: map[string]string{"/broken.js": "connection refused"},
	}
	require.NoError(t, ScriptAssets(zap.NewNop())(context.Background(), rpc, job(page)))
	require.Equal(t, []string{"/app.js", "/broken.js"}, rpc.fetched)
	require.Equal(t, []string{
		"/app.js",
		"https://cdn.example/a.css",
		"http://img.example/b.png",
		"/broken.js",
	}, rpc.submitted)
}

func TestScriptAssetsFatalFetchError(t *testing.T) {
	t.Parallel()

	rpc := &fakeCapability{fatal: wire.ErrTruncatedStream}
	err := ScriptAssets(zap.NewNop())(context.Background(), rpc, job(`<script src="/app.js"></script>`))
	require.ErrorIs(t, err, wire.ErrTruncatedStream)
	require.Empty(t, rpc.submitted)
}

func TestSubmitErrorIsReturned(t *testing.T) {
	t.Parallel()

	rpc := &fakeCapability{submitErr: scraper.ErrNoActiveJob}
	err := CSSLinks(zap.NewNop())(context.Background(), rpc, job(`a { background: url(x.png) }`))
	require.ErrorIs(t, err, scraper.ErrNoActiveJob)
}

func TestOversizedURLsAreSkipped(t *testing.T) {
	t.Parallel()

	long := "/" + strings.Repeat("a", wire.MaxShortLen)
	rpc := &fakeCapability{}
	require.NoError(t, CSSLinks(zap.NewNop())(context.Background(), rpc, job(`a { background: url(`+long+`) } b { background: url(ok.png) }`)))
	require.Equal(t, []string{"ok.png"}, rpc.submitted)
}

func TestNew(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		fn, err := New(name, nil)
		require.NoError(t, err)
		require.NotNil(t, fn)
	}
	_, err := New("python", nil)
	require.ErrorContains(t, err, "css, html, js-assets")
}

func job(body string) scraper.Job {
	return scraper.Job{Header: protocol.Header(`{}`), Body: bytes.NewReader([]byte(body))}
}

type fakeCapability struct {
	submitted []string
	fetched   []string
	bodies    map[string]string
	rpcErrors map[string]string
	fatal     error
	submitErr error
}

func (f *fakeCapability) Submit(url string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, url)
	return nil
}

func (f *fakeCapability) Fetch(url string) (protocol.Payload, error) {
	f.fetched = append(f.fetched, url)
	if f.fatal != nil {
		return protocol.Payload{}, f.fatal
	}
	if msg, ok := f.rpcErrors[url]; ok {
		return protocol.Payload{}, &protocol.RPCError{Message: msg}
	}
	body, ok := f.bodies[url]
	if !ok {
		return protocol.Payload{}, errors.New("unexpected fetch")
	}
	return protocol.Payload{Header: protocol.Header(`{}`), Body: []byte(body)}, nil
}
