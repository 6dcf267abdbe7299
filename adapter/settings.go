package adapter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

// Settings holds parsed connection-string settings. Keys are case-insensitive;
// values are stored verbatim. `{...}` sub-expressions (FILTER expressions and
// the like) survive parsing intact, including embedded semicolons.
type Settings map[string]string

// ParseConnectionString parses a semicolon-delimited `key=value` connection
// string. Braced values are kept opaque; brace nesting is honored. Empty
// segments are skipped.
func ParseConnectionString(s string) Settings {
	settings := make(Settings)

	var segment strings.Builder
	depth := 0
	flush := func() {
		pair := strings.TrimSpace(segment.String())
		segment.Reset()
		if pair == "" {
			return
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			return
		}
		settings[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	for _, r := range s {
		switch r {
		case '{':
			depth++
			segment.WriteRune(r)
		case '}':
			if depth > 0 {
				depth--
			}
			segment.WriteRune(r)
		case ';':
			if depth > 0 {
				segment.WriteRune(r)
			} else {
				flush()
			}
		default:
			segment.WriteRune(r)
		}
	}
	flush()

	return settings
}

// Get returns the value for key, case-insensitively.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s[strings.ToLower(key)]
	return v, ok
}

// String returns the value for key, or def when absent.
func (s Settings) String(key, def string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Require returns the value for key or a missing-setting error.
func (s Settings) Require(key string) (string, error) {
	if v, ok := s.Get(key); ok && v != "" {
		return v, nil
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrMissingSetting, key),
		"Settings", "Require", "setting lookup")
}

// Int returns the integer value for key, or def when absent or malformed.
func (s Settings) Int(key string, def int) int {
	if v, ok := s.Get(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Uint64 returns the unsigned value for key, or def when absent or malformed.
func (s Settings) Uint64(key string, def uint64) uint64 {
	if v, ok := s.Get(key); ok {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Float returns the float value for key, or def when absent or malformed.
func (s Settings) Float(key string, def float64) float64 {
	if v, ok := s.Get(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Bool returns the boolean value for key, or def when absent or malformed.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s.Get(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the duration value for key, or def when absent or malformed.
func (s Settings) Duration(key string, def time.Duration) time.Duration {
	if v, ok := s.Get(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// KeyList parses a key-set setting into measurement keys. A `{FILTER ...}`
// sub-expression is opaque to this core (resolved by an external key parser)
// and yields (nil, expression, nil); callers treat nil as "every signal"
// until the expression is resolved.
func (s Settings) KeyList(key string) (keys []measurement.Key, filter string, err error) {
	v, ok := s.Get(key)
	if !ok || v == "" {
		return nil, "", nil
	}
	if strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}") {
		return nil, strings.TrimSpace(v[1 : len(v)-1]), nil
	}
	keys, err = measurement.ParseKeyList(v)
	return keys, "", err
}
