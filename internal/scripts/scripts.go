// Package scripts holds the scrape callbacks bundled with the worker command.
package scripts

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapewire/internal/scraper"
	"github.com/JakeFAU/scrapewire/internal/wire"
)

// Bundled script names.
const (
	NameCSS      = "css"
	NameHTML     = "html"
	NameJSAssets = "js-assets"
)

var (
	cssURL    = regexp.MustCompile(`url\(\s*['"]?([^'")]*)['"]?\s*\)`)
	jsLiteral = regexp.MustCompile(`["'](https?://[^"'\s\\]+)["']`)
)

// Names lists the bundled scripts.
func Names() []string {
	names := []string{NameCSS, NameHTML, NameJSAssets}
	sort.Strings(names)
	return names
}

// New returns the named bundled script.
func New(name string, logger *zap.Logger) (scraper.ScrapeFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("script", name))
	switch name {
	case NameCSS:
		return CSSLinks(logger), nil
	case NameHTML:
		return HTMLLinks(logger), nil
	case NameJSAssets:
		return ScriptAssets(logger), nil
	default:
		return nil, fmt.Errorf("unknown script %q (have %s)", name, strings.Join(Names(), ", "))
	}
}

// CSSLinks submits every url(...) reference of a stylesheet except data URIs.
func CSSLinks(logger *zap.Logger) scraper.ScrapeFunc {
	return func(_ context.Context, rpc scraper.Capability, job scraper.Job) error {
		body, err := io.ReadAll(job.Body)
		if err != nil {
			return fmt.Errorf("read stylesheet: %w", err)
		}
		return newSubmitter(rpc, logger).add(cssReferences(string(body))...).flush()
	}
}

// HTMLLinks submits the targets of anchors, link tags, images, scripts and
// url(...) references inside style elements.
func HTMLLinks(logger *zap.Logger) scraper.ScrapeFunc {
	return func(_ context.Context, rpc scraper.Capability, job scraper.Job) error {
		doc, err := goquery.NewDocumentFromReader(job.Body)
		if err != nil {
			return fmt.Errorf("parse html: %w", err)
		}
		s := newSubmitter(rpc, logger)
		s.add(attrs(doc, "a", "href")...)
		s.add(attrs(doc, "link", "href")...)
		s.add(attrs(doc, "img", "src")...)
		s.add(attrs(doc, "script", "src")...)
		doc.Find("style").Each(func(_ int, sel *goquery.Selection) {
			s.add(cssReferences(sel.Text())...)
		})
		return s.flush()
	}
}

// ScriptAssets submits each external script of a page, fetches it, and
// submits the absolute URLs found in its string literals. Scripts the host
// fails to fetch are skipped.
func ScriptAssets(logger *zap.Logger) scraper.ScrapeFunc {
	return func(_ context.Context, rpc scraper.Capability, job scraper.Job) error {
		doc, err := goquery.NewDocumentFromReader(job.Body)
		if err != nil {
			return fmt.Errorf("parse html: %w", err)
		}
		s := newSubmitter(rpc, logger)
		for _, src := range attrs(doc, "script", "src") {
			src = strings.TrimSpace(src)
			s.add(src)
			if src == "" || len(src) > wire.MaxShortLen {
				continue
			}
			payload, err := rpc.Fetch(src)
			if rpcErr, ok := scraper.IsRPCError(err); ok {
				logger.Warn("script fetch failed", zap.String("src", src), zap.String("error", rpcErr.Message))
				continue
			}
			if err != nil {
				return fmt.Errorf("fetch %s: %w", src, err)
			}
			for _, m := range jsLiteral.FindAllStringSubmatch(string(payload.Body), -1) {
				s.add(m[1])
			}
		}
		return s.flush()
	}
}

func attrs(doc *goquery.Document, tag, attr string) []string {
	var out []string
	doc.Find(tag).Each(func(_ int, sel *goquery.Selection) {
		if v, ok := sel.Attr(attr); ok {
			out = append(out, v)
		}
	})
	return out
}

func cssReferences(css string) []string {
	var out []string
	for _, m := range cssURL.FindAllStringSubmatch(css, -1) {
		ref := strings.TrimSpace(m[1])
		if strings.HasPrefix(strings.ToLower(ref), "data:") {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// submitter collects URLs in order, dropping blanks, duplicates and URLs too
// long for a frame.
type submitter struct {
	rpc    scraper.Capability
	logger *zap.Logger
	seen   map[string]struct{}
	urls   []string
}

func newSubmitter(rpc scraper.Capability, logger *zap.Logger) *submitter {
	return &submitter{rpc: rpc, logger: logger, seen: make(map[string]struct{})}
}

func (s *submitter) add(urls ...string) *submitter {
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := s.seen[u]; dup {
			continue
		}
		s.seen[u] = struct{}{}
		if len(u) > wire.MaxShortLen {
			s.logger.Debug("skipping oversized url", zap.Int("bytes", len(u)))
			continue
		}
		s.urls = append(s.urls, u)
	}
	return s
}

func (s *submitter) flush() error {
	for _, u := range s.urls {
		if err := s.rpc.Submit(u); err != nil {
			return fmt.Errorf("submit %s: %w", u, err)
		}
	}
	s.logger.Debug("urls submitted", zap.Int("count", len(s.urls)))
	s.urls = nil
	return nil
}
