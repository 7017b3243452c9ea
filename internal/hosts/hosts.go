// Package hosts turns raw URLs and hostnames into the canonical domain keys
// that time is accounted against.
package hosts

import (
	"fmt"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the number of raw hosts the Classifier remembers.
const DefaultCacheSize = 512

// Canonicalize strips a leading "www." and collapses the hostname to its
// last two labels. Hostnames with two or fewer labels are returned as-is
// (minus the "www." prefix). An empty input yields an empty result.
func Canonicalize(raw string) string {
	host := trimWWW(raw)
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	// The collapsed form can itself start with "www." (a.www.com), which
	// would canonicalize differently a second time.
	return trimWWW(strings.Join(parts[len(parts)-2:], "."))
}

func trimWWW(host string) string {
	for strings.HasPrefix(host, "www.") {
		host = host[len("www."):]
	}
	return host
}

// FromURL extracts the canonical host from a URL. Anything that does not
// parse, or parses without a hostname (about:blank, relative paths), yields
// an empty string.
func FromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return Canonicalize(u.Hostname())
}

// Classifier canonicalizes URLs with a bounded cache in front of the
// hostname normalization.
type Classifier struct {
	cache *lru.Cache[string, string]
}

// NewClassifier creates a classifier that caches up to size hostnames.
func NewClassifier(size int) (*Classifier, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create host cache: %w", err)
	}
	return &Classifier{cache: cache}, nil
}

// FromURL returns the canonical host for a URL, or "" if it has none.
func (c *Classifier) FromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	hostname := u.Hostname()
	if hostname == "" {
		return ""
	}
	if host, ok := c.cache.Get(hostname); ok {
		return host
	}
	host := Canonicalize(hostname)
	c.cache.Add(hostname, host)
	return host
}

// Len reports how many hostnames are cached.
func (c *Classifier) Len() int {
	return c.cache.Len()
}
