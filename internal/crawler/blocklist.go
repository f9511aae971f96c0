package crawler

import "strings"

// HostBlocklist matches hosts against exact names and suffix wildcards
// ("*.example.com" or ".example.com").
type HostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewHostBlocklist builds a blocklist. It returns nil when patterns holds no
// usable entry; a nil blocklist blocks nothing.
func NewHostBlocklist(patterns []string) *HostBlocklist {
	b := &HostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			b.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			b.addSuffix(strings.TrimPrefix(value, "."))
		default:
			b.exact[value] = struct{}{}
		}
	}
	if len(b.exact) == 0 && len(b.suffixes) == 0 {
		return nil
	}
	return b
}

func (b *HostBlocklist) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// Blocks reports whether u's host is on the list.
func (b *HostBlocklist) Blocks(u URLInfo) bool {
	if b == nil {
		return false
	}
	host := u.Host()
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	for _, suffix := range b.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
