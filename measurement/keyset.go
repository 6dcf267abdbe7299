package measurement

// KeySet is a membership set over measurement keys. The zero value is an
// empty set; a nil KeySet is also treated as empty by all methods.
type KeySet map[Key]struct{}

// NewKeySet builds a set from the given keys.
func NewKeySet(keys ...Key) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds the key.
func (s KeySet) Contains(key Key) bool {
	_, ok := s[key]
	return ok
}

// Add inserts the keys into the set.
func (s KeySet) Add(keys ...Key) {
	for _, k := range keys {
		s[k] = struct{}{}
	}
}

// Keys returns the set members as a slice. Order is unspecified.
func (s KeySet) Keys() []Key {
	if len(s) == 0 {
		return nil
	}
	keys := make([]Key, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// Overlaps reports whether any key in keys is a member of the set.
// A nil keys slice means "every signal" and overlaps any non-empty set.
func (s KeySet) Overlaps(keys []Key) bool {
	if len(s) == 0 {
		return false
	}
	if keys == nil {
		return true
	}
	for _, k := range keys {
		if _, ok := s[k]; ok {
			return true
		}
	}
	return false
}

// Overlap reports whether the two key slices share at least one key.
// A nil slice means "every signal" and overlaps any non-empty slice; two nil
// slices overlap trivially.
func Overlap(a, b []Key) bool {
	if a == nil {
		return b == nil || len(b) > 0
	}
	if b == nil {
		return len(a) > 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	set := NewKeySet(a...)
	for _, k := range b {
		if set.Contains(k) {
			return true
		}
	}
	return false
}

// Intersect returns the keys of own that are demanded. A nil own slice means
// the adapter handles every signal, so the demand itself is returned. The
// result is always a fresh slice (or nil when the intersection is empty and
// own is non-nil and demand empty).
func Intersect(own []Key, demand KeySet) []Key {
	if own == nil {
		return demand.Keys()
	}
	var out []Key
	for _, k := range own {
		if demand.Contains(k) {
			out = append(out, k)
		}
	}
	if out == nil {
		// Explicitly nothing, as opposed to "not restricted".
		return []Key{}
	}
	return out
}

// Union merges the key slices into one set.
func Union(slices ...[]Key) KeySet {
	set := make(KeySet)
	for _, keys := range slices {
		set.Add(keys...)
	}
	return set
}
