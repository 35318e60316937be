package types

import "encoding/json"

// OpaqueHistory wraps the AI engine's conversation history blob.
//
// The external engine owns this data. The core stores and forwards it
// verbatim; the only structure it acknowledges is top-level JSON array
// framing, used for length reporting in diagnostics.
type OpaqueHistory struct {
	raw json.RawMessage
}

// NewOpaqueHistory wraps raw JSON as an opaque history payload
func NewOpaqueHistory(raw []byte) OpaqueHistory {
	if len(raw) == 0 {
		return OpaqueHistory{}
	}
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return OpaqueHistory{raw: cp}
}

// Raw returns the verbatim payload, or nil if empty
func (h OpaqueHistory) Raw() []byte {
	return h.raw
}

// IsEmpty reports whether the payload holds no data
func (h OpaqueHistory) IsEmpty() bool {
	return len(h.raw) == 0
}

// Len counts top-level array elements without decoding their contents.
// Returns 0 for empty or non-array payloads.
func (h OpaqueHistory) Len() int {
	if h.IsEmpty() {
		return 0
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(h.raw, &elems); err != nil {
		return 0
	}
	return len(elems)
}

// Clone returns an independent copy of the payload
func (h OpaqueHistory) Clone() OpaqueHistory {
	return NewOpaqueHistory(h.raw)
}

// MarshalJSON emits the payload verbatim; empty history encodes as null
func (h OpaqueHistory) MarshalJSON() ([]byte, error) {
	if h.IsEmpty() {
		return []byte("null"), nil
	}
	return h.raw, nil
}

// UnmarshalJSON captures the payload verbatim
func (h *OpaqueHistory) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		h.raw = nil
		return nil
	}
	cp := make(json.RawMessage, len(data))
	copy(cp, data)
	h.raw = cp
	return nil
}
