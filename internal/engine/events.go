package engine

import "github.com/goodtune/sitetime/internal/policy"

// Kind identifies an event handled by the accounting loop.
type Kind int

const (
	HostChanged Kind = iota
	FocusLost
	FocusGained
	Tick
	Flush
	PolicyChanged
	Connect
	Shutdown
)

var kindNames = map[Kind]string{
	HostChanged:   "host_changed",
	FocusLost:     "focus_lost",
	FocusGained:   "focus_gained",
	Tick:          "tick",
	Flush:         "flush",
	PolicyChanged: "policy_changed",
	Connect:       "connect",
	Shutdown:      "shutdown",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a single input to the accounting loop.
type Event struct {
	Kind Kind

	// URL of the foreground tab for HostChanged and FocusGained. Host may
	// be set instead when the caller already knows the hostname.
	URL  string
	Host string

	// Settings for PolicyChanged. Empty fields are left unchanged.
	Settings policy.Settings
}
