package http11

import "strings"

// HeaderField is a single name/value pair as it appeared on the wire.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields.
//
// Design:
// - Insertion order is preserved and is the serialization order
// - Duplicate names are kept (Set replaces all of them)
// - Lookup is case-insensitive per RFC 7230
// - Linear scan; header counts are small and this stays cache-friendly
type Header struct {
	fields []HeaderField
}

// Add appends a header field.
// Returns ErrInvalidHeader if name or value contains CR or LF, or if the
// name is empty.
func (h *Header) Add(name, value string) error {
	if err := validateField(name, value); err != nil {
		return err
	}
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
	return nil
}

// Set replaces every field named name with a single field. The new field
// takes the position of the first replaced one, or is appended.
func (h *Header) Set(name, value string) error {
	if err := validateField(name, value); err != nil {
		return err
	}
	idx := -1
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if idx == -1 {
				idx = len(kept)
				kept = append(kept, HeaderField{Name: name, Value: value})
			}
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if idx == -1 {
		h.fields = append(h.fields, HeaderField{Name: name, Value: value})
	}
	return nil
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in insertion order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether a field named name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Del removes every field named name.
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// HasToken reports whether any comma-separated element of any field named
// name equals token, case-insensitively. Used for Connection and
// Transfer-Encoding lists.
func (h *Header) HasToken(name, token string) bool {
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			continue
		}
		for elem := range strings.SplitSeq(f.Value, ",") {
			if strings.EqualFold(strings.TrimSpace(elem), token) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// Fields returns the fields in order. The slice must not be modified.
func (h *Header) Fields() []HeaderField {
	return h.fields
}

// VisitAll calls visitor for each field in order.
// Iteration stops if visitor returns false.
func (h *Header) VisitAll(visitor func(name, value string) bool) {
	for _, f := range h.fields {
		if !visitor(f.Name, f.Value) {
			return
		}
	}
}

// Reset clears all fields, keeping the backing array.
func (h *Header) Reset() {
	clear(h.fields)
	h.fields = h.fields[:0]
}

// Clone returns an independent copy.
func (h *Header) Clone() Header {
	if len(h.fields) == 0 {
		return Header{}
	}
	return Header{fields: append([]HeaderField(nil), h.fields...)}
}

// add appends without validation; the parser has already checked the bytes.
func (h *Header) add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// validateField guards against response splitting: RFC 7230 §3.2 field
// values MUST NOT contain CR or LF.
func validateField(name, value string) error {
	if name == "" || strings.ContainsAny(name, "\r\n: \t") {
		return ErrInvalidHeader
	}
	if strings.ContainsAny(value, "\r\n") {
		return ErrInvalidHeader
	}
	return nil
}

// bytesEqualCaseInsensitive compares b to an ASCII string case-insensitively.
//
// Allocation behavior: 0 allocs/op
func bytesEqualCaseInsensitive(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := 0; i < len(b); i++ {
		if toLower(b[i]) != toLower(s[i]) {
			return false
		}
	}
	return true
}

// toLower converts an ASCII uppercase letter to lowercase.
func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}
