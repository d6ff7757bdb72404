// Package market handles market scope-key parsing and validation.
//
// A scope key pins a wager to one market tight enough that unrelated
// positions never offset each other in exposure math:
//
//	{sport}:{kind}:{eventID}:{marketName}
//
// Example: cricket:MATCH:evt-4471:match_odds
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported market kinds.
const (
	// KindMatch is a binary/handicap market with discrete selections
	// (match winner and similar, including a synthetic draw selection).
	KindMatch = "MATCH"

	// KindSession is a range/line market whose outcome is a numeric value
	// (runs in a session and similar).
	KindSession = "SESSION"
)

var validKinds = map[string]bool{
	KindMatch:   true,
	KindSession: true,
}

// scopeRegex matches: {sport}:{kind}:{eventID}:{marketName}
// Example: cricket:MATCH:evt-4471:match_odds
var scopeRegex = regexp.MustCompile(
	`^([a-z0-9_-]+):([A-Z]+):([A-Za-z0-9_-]+):([a-z0-9_-]+)$`,
)

var (
	ErrInvalidScope = errors.New("market: invalid scope key format")
	ErrUnknownKind  = errors.New("market: unsupported market kind")
)

// Scope is a parsed market scope key.
type Scope struct {
	Key        string `json:"key"`
	Sport      string `json:"sport"`
	Kind       string `json:"kind"`
	EventID    string `json:"event_id"`
	MarketName string `json:"market_name"`
}

// ParseScope parses and validates a scope key string.
// Format: {sport}:{kind}:{eventID}:{marketName}
func ParseScope(key string) (*Scope, error) {
	matches := scopeRegex.FindStringSubmatch(key)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {sport}:{kind}:{event}:{market})",
			ErrInvalidScope, key)
	}

	kind := matches[2]
	if !validKinds[kind] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	return &Scope{
		Key:        key,
		Sport:      matches[1],
		Kind:       kind,
		EventID:    matches[3],
		MarketName: matches[4],
	}, nil
}

// EventRef returns the {sport}:{kind}:{eventID} prefix shared by every
// market of one event and kind. Hierarchy distribution batches and
// event-level exposure limits are keyed on this.
func (s *Scope) EventRef() string {
	return s.Sport + ":" + s.Kind + ":" + s.EventID
}

// KindOf extracts the market kind from a scope key without full parsing.
// Returns ErrUnknownKind for keys that do not carry a supported kind.
func KindOf(key string) (string, error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 {
		return "", fmt.Errorf("%w: %s", ErrInvalidScope, key)
	}
	if !validKinds[parts[1]] {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, parts[1])
	}
	return parts[1], nil
}
