package shared

import "github.com/spf13/cast"

// Slots is the loosely typed slot bag carried by an intent record.
// Values arrive from JSON and may be float64, int, string or bool.
type Slots map[string]any

// Merge returns a copy of s with updates layered on top.
func (s Slots) Merge(updates map[string]any) Slots {
	merged := make(Slots, len(s)+len(updates))
	for k, v := range s {
		merged[k] = v
	}
	for k, v := range updates {
		merged[k] = v
	}
	return merged
}

// Int reads a slot as an integer, tolerating JSON number decoding.
func (s Slots) Int(name string) (int, bool) {
	v, ok := s[name]
	if !ok || v == nil {
		return 0, false
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// String reads a slot as a string.
func (s Slots) String(name string) (string, bool) {
	v, ok := s[name]
	if !ok || v == nil {
		return "", false
	}
	str, err := cast.ToStringE(v)
	if err != nil {
		return "", false
	}
	return str, true
}

// Float reads a slot as a float64.
func (s Slots) Float(name string) (float64, bool) {
	v, ok := s[name]
	if !ok || v == nil {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}
