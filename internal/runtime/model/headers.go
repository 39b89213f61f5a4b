package model

import "fmt"

// Headers carries message annotations.
type Headers map[string]any

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}
	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy. A nil map clones to an empty one.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns a copy containing the key/value pair.
func (h Headers) With(key string, value any) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing every entry of extra.
func (h Headers) WithAll(extra Headers) Headers {
	cloned := h.cloneWithExtra(len(extra))
	for k, v := range extra {
		cloned[k] = v
	}
	return cloned
}

// String returns the header rendered as a string, empty when absent.
func (h Headers) String(key string) string {
	v, ok := h[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Strings flattens the headers into string values, the shape broker
// metadata expects.
func (h Headers) Strings() map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.String(k)
	}
	return out
}
