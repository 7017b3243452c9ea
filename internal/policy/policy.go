// Package policy decides whether a canonical host should accrue time.
package policy

import (
	"sort"
	"strings"
	"sync"

	"github.com/goodtune/sitetime/internal/hosts"
)

// DefaultSettings tracks nothing until hosts are whitelisted.
var DefaultSettings = Settings{Mode: ModeWhitelist, List: []string{}}

// Policy holds the tracking mode and whitelist. It is safe for concurrent
// readers; Update replaces both fields under one lock.
type Policy struct {
	mode    Mode
	allowed map[string]struct{}
	mu      sync.RWMutex
}

// New creates a policy from settings. An empty mode falls back to WHITELIST.
func New(settings Settings) (*Policy, error) {
	p := &Policy{
		mode:    ModeWhitelist,
		allowed: make(map[string]struct{}),
	}
	if err := p.Update(settings); err != nil {
		return nil, err
	}
	return p, nil
}

// IsTracked reports whether host should accrue time under the current rules.
func (p *Policy) IsTracked(host string) bool {
	if host == "" {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.mode {
	case ModeAll:
		return true
	case ModeWhitelist:
		_, ok := p.allowed[host]
		return ok
	default:
		return false
	}
}

// Update replaces the mode and/or whitelist. It never re-accounts the
// current interval; callers finalize under the old rules first.
func (p *Policy) Update(settings Settings) error {
	var mode Mode
	if settings.Mode != "" {
		parsed, err := ParseMode(string(settings.Mode))
		if err != nil {
			return err
		}
		mode = parsed
	}

	var allowed map[string]struct{}
	if settings.List != nil {
		allowed = make(map[string]struct{}, len(settings.List))
		for _, entry := range settings.List {
			host := hosts.Canonicalize(strings.TrimSpace(entry))
			if host == "" {
				continue
			}
			allowed[host] = struct{}{}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if mode != "" {
		p.mode = mode
	}
	if allowed != nil {
		p.allowed = allowed
	}
	return nil
}

// Mode returns the current tracking mode.
func (p *Policy) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Settings returns a copy of the current settings with a sorted list.
func (p *Policy) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := make([]string, 0, len(p.allowed))
	for host := range p.allowed {
		list = append(list, host)
	}
	sort.Strings(list)

	return Settings{Mode: p.mode, List: list}
}
