package policy

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mode selects which hosts accrue time.
type Mode string

const (
	// ModeAll tracks every host.
	ModeAll Mode = "ALL"
	// ModeWhitelist tracks only hosts on the allow list.
	ModeWhitelist Mode = "WHITELIST"
)

// ParseMode normalizes s to a known Mode.
func ParseMode(s string) (Mode, error) {
	normalized := Mode(strings.ToUpper(strings.TrimSpace(s)))
	switch normalized {
	case ModeAll, ModeWhitelist:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid tracking mode: %s (must be ALL or WHITELIST)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize mode to uppercase.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*m = ""
		return nil
	}
	mode, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Settings is the persisted form of a filter policy.
//
// An empty Mode or a nil List means "leave unchanged" when passed to Update.
type Settings struct {
	Mode Mode     `json:"mode"`
	List []string `json:"list"`
}
