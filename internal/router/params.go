package router

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// params reads fields from a JSON params object. A field of the wrong type
// reads as absent, and a non-object payload reads as empty.
type params map[string]json.RawMessage

func decodeParams(raw json.RawMessage) params {
	var p params
	if err := json.Unmarshal(raw, &p); err != nil || p == nil {
		return params{}
	}
	return p
}

func (p params) text(key string) string {
	var value string
	if raw, ok := p[key]; ok {
		_ = json.Unmarshal(raw, &value)
	}
	return value
}

// dimension reads a terminal size. Zero, negative, fractional or oversized
// values read as fallback.
func (p params) dimension(key string, fallback uint16) uint16 {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseUint(string(bytes.TrimSpace(raw)), 10, 64)
	if err != nil || n == 0 || n > math.MaxUint16 {
		return fallback
	}
	return uint16(n)
}

// env reads a string map. Non-string values become empty strings.
func (p params) env(key string) map[string]string {
	var fields map[string]json.RawMessage
	if raw, ok := p[key]; !ok || json.Unmarshal(raw, &fields) != nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(fields))
	for name, raw := range fields {
		var value string
		_ = json.Unmarshal(raw, &value)
		out[name] = value
	}
	return out
}

// strings reads the string elements of an array, skipping everything else.
func (p params) strings(key string) []string {
	var items []json.RawMessage
	if raw, ok := p[key]; !ok || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, raw := range items {
		var value string
		if json.Unmarshal(raw, &value) == nil {
			out = append(out, value)
		}
	}
	return out
}

// value returns the raw JSON for key, or {} when absent.
func (p params) value(key string) json.RawMessage {
	raw, ok := p[key]
	if !ok || len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
