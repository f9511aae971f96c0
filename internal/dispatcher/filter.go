package dispatcher

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/JakeFAU/scrapewire/internal/crawler"
)

// Filter decides whether a script receives a response.
type Filter struct {
	pattern *regexp.Regexp
	ranges  []string
}

// NewFilter compiles a filter. An empty pattern matches every URL and an empty
// mimeTypes list matches every content type.
func NewFilter(urlPattern string, mimeTypes []string) (Filter, error) {
	var f Filter
	if urlPattern != "" {
		re, err := regexp.Compile(urlPattern)
		if err != nil {
			return Filter{}, fmt.Errorf("compile url pattern: %w", err)
		}
		f.pattern = re
	}
	for _, m := range mimeTypes {
		r := strings.ToLower(strings.TrimSpace(m))
		if r == "" {
			continue
		}
		if !strings.Contains(r, "/") {
			return Filter{}, fmt.Errorf("invalid media range %q", m)
		}
		f.ranges = append(f.ranges, r)
	}
	return f, nil
}

// Matches reports whether meta passes both the URL pattern and the media
// ranges. A missing or unparsable Content-Type matches.
func (f Filter) Matches(meta crawler.ResponseMeta) bool {
	if f.pattern != nil && !f.pattern.MatchString(meta.URL.URL) {
		return false
	}
	if len(f.ranges) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(meta.ContentType())
	if err != nil {
		return true
	}
	for _, r := range f.ranges {
		if matchRange(r, mediaType) {
			return true
		}
	}
	return false
}

// matchRange matches a media range such as "text/*" against a parsed,
// lowercase media type.
func matchRange(r, mediaType string) bool {
	rType, rSub, _ := strings.Cut(r, "/")
	mType, mSub, _ := strings.Cut(mediaType, "/")
	if rType != "*" && rType != mType {
		return false
	}
	return rSub == "*" || rSub == mSub
}
