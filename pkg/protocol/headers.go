package protocol

import (
	"strings"
)

// field is one header line. Parsed fields start as raw views into the
// connection read buffer and are converted to strings on first access.
type field struct {
	rawName  []byte
	rawValue []byte

	name     string
	value    string
	hasName  bool
	hasValue bool
	deleted  bool
}

func (f *field) nameString() string {
	if !f.hasName {
		f.name = string(f.rawName)
		f.hasName = true
		f.rawName = nil
	}
	return f.name
}

func (f *field) valueString() string {
	if !f.hasValue {
		f.value = string(f.rawValue)
		f.hasValue = true
		f.rawValue = nil
	}
	return f.value
}

func (f *field) matches(name string) bool {
	if f.hasName {
		return strings.EqualFold(f.name, name)
	}
	return equalFoldBytes(f.rawName, name)
}

// Headers is an ordered header multimap with case-insensitive lookup.
//
// Insertion order is preserved for serialization. Values added with AddRaw
// reference the caller's buffer until first accessed, so a request whose
// headers are never read costs no string allocations.
//
// Thread safety:
// Not safe for concurrent use. A Headers value belongs to one request and is
// only touched by the goroutine currently processing that request.
type Headers struct {
	fields []field
	live   int
	frozen error
}

// AddRaw appends a field whose name and value alias a read buffer. The
// buffer must stay unchanged until the request is recycled.
func (h *Headers) AddRaw(name, value []byte) error {
	if h.frozen != nil {
		return h.frozen
	}
	h.fields = append(h.fields, field{rawName: name, rawValue: value})
	h.live++
	return nil
}

// Add appends a field.
func (h *Headers) Add(name, value string) error {
	if h.frozen != nil {
		return h.frozen
	}
	h.fields = append(h.fields, field{name: name, value: value, hasName: true, hasValue: true})
	h.live++
	return nil
}

// Set replaces every field named name with a single field.
func (h *Headers) Set(name, value string) error {
	if h.frozen != nil {
		return h.frozen
	}
	h.del(name)
	return h.Add(name, value)
}

// Del removes every field named name.
func (h *Headers) Del(name string) error {
	if h.frozen != nil {
		return h.frozen
	}
	h.del(name)
	return nil
}

func (h *Headers) del(name string) {
	for i := range h.fields {
		f := &h.fields[i]
		if !f.deleted && f.matches(name) {
			f.deleted = true
			h.live--
		}
	}
}

// Get returns the first value for name, or "" if absent.
func (h *Headers) Get(name string) string {
	for i := range h.fields {
		f := &h.fields[i]
		if !f.deleted && f.matches(name) {
			return f.valueString()
		}
	}
	return ""
}

// Values returns every value for name in insertion order.
func (h *Headers) Values(name string) []string {
	var out []string
	for i := range h.fields {
		f := &h.fields[i]
		if !f.deleted && f.matches(name) {
			out = append(out, f.valueString())
		}
	}
	return out
}

// Has reports whether at least one field is named name.
func (h *Headers) Has(name string) bool {
	return h.Count(name) > 0
}

// Count returns how many fields are named name.
func (h *Headers) Count(name string) int {
	n := 0
	for i := range h.fields {
		f := &h.fields[i]
		if !f.deleted && f.matches(name) {
			n++
		}
	}
	return n
}

// HasToken reports whether any comma-separated element of any name field
// equals token, ignoring case. Used for Connection, Upgrade and Expect.
func (h *Headers) HasToken(name, token string) bool {
	for i := range h.fields {
		f := &h.fields[i]
		if f.deleted || !f.matches(name) {
			continue
		}
		for _, part := range strings.Split(f.valueString(), ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of fields.
func (h *Headers) Len() int { return h.live }

// Each calls fn for every field in insertion order until fn returns false.
func (h *Headers) Each(fn func(name, value string) bool) {
	for i := range h.fields {
		f := &h.fields[i]
		if f.deleted {
			continue
		}
		if !fn(f.nameString(), f.valueString()) {
			return
		}
	}
}

// Freeze makes every later mutation fail with err. A nil err unfreezes.
func (h *Headers) Freeze(err error) { h.frozen = err }

// Frozen returns the error set by Freeze.
func (h *Headers) Frozen() error { return h.frozen }

// Reset clears all fields and the frozen state, keeping the backing array.
func (h *Headers) Reset() {
	clear(h.fields)
	h.fields = h.fields[:0]
	h.live = 0
	h.frozen = nil
}

// Materialize converts every raw view into owned strings. Called before the
// backing read buffer is reused while the headers are still needed.
func (h *Headers) Materialize() {
	for i := range h.fields {
		h.fields[i].nameString()
		h.fields[i].valueString()
	}
}

func equalFoldBytes(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if lower(b[i]) != lower(s[i]) {
			return false
		}
	}
	return true
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
