// Package measurement defines the measurement key and value types routed by
// the framework, plus the key-set algebra the routing layer is built on.
//
// A Key identifies a signal (source + point id) and is the unit of
// subscription. A Measurement is immutable once dispatched: producers create
// it, the dispatch layer shares read-only references with every subscribed
// consumer. Consumers must never mutate a delivered Measurement.
package measurement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/measureflow/errors"
)

// Key is the opaque, immutable, hashable identity of a signal.
// Equality and hashing are stable for the process lifetime, which makes Key
// usable directly as a map key throughout the routing layer.
type Key struct {
	Source  string
	PointID uint64
}

// Undefined is the zero Key, used where no signal identity applies.
var Undefined = Key{}

// NewKey creates a key for the given source and point id.
func NewKey(source string, pointID uint64) Key {
	return Key{Source: source, PointID: pointID}
}

// String renders the key in SOURCE:ID form.
func (k Key) String() string {
	return k.Source + ":" + strconv.FormatUint(k.PointID, 10)
}

// IsUndefined reports whether the key carries no identity.
func (k Key) IsUndefined() bool {
	return k == Undefined
}

// ParseKey parses a SOURCE:ID string into a Key.
func ParseKey(s string) (Key, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Undefined, errors.WrapInvalid(
			fmt.Errorf("key %q is not in SOURCE:ID form", s),
			"measurement", "ParseKey", "key format validation")
	}
	id, err := strconv.ParseUint(s[idx+1:], 10, 64)
	if err != nil {
		return Undefined, errors.WrapInvalid(err, "measurement", "ParseKey", "point id parse")
	}
	return Key{Source: s[:idx], PointID: id}, nil
}

// ParseKeyList parses a comma or space separated list of SOURCE:ID keys.
func ParseKeyList(s string) ([]Key, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, nil
	}
	keys := make([]Key, 0, len(fields))
	for _, f := range fields {
		key, err := ParseKey(f)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// StateFlags carries the quality state of a measurement value.
type StateFlags uint32

// Quality state flags. Normal is the zero value.
const (
	Normal       StateFlags = 0
	BadData      StateFlags = 1 << 0
	SuspectData  StateFlags = 1 << 1
	BadTime      StateFlags = 1 << 2
	SuspectTime  StateFlags = 1 << 3
	CalculatedIn StateFlags = 1 << 4
	Discarded    StateFlags = 1 << 5
)

// IsGood reports whether neither the value nor the timestamp is flagged bad.
func (f StateFlags) IsGood() bool {
	return f&(BadData|BadTime) == 0
}

// Measurement is a single timestamped value for exactly one signal.
// Treat dispatched instances as shared-immutable.
type Measurement struct {
	Key       Key        `json:"key"`
	Value     float64    `json:"value"`
	Timestamp time.Time  `json:"timestamp"`
	Flags     StateFlags `json:"flags,omitempty"`
}

// New creates a measurement stamped with the current time.
func New(key Key, value float64) Measurement {
	return Measurement{Key: key, Value: value, Timestamp: time.Now()}
}

// String renders the measurement for status reporting.
func (m Measurement) String() string {
	return fmt.Sprintf("%s=%g@%s", m.Key, m.Value, m.Timestamp.Format(time.RFC3339Nano))
}
