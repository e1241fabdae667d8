package gitworker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// params gives loose, typed access to a JSON params object. Wrong types read
// as absent.
type params map[string]json.RawMessage

func parseParams(raw json.RawMessage) (params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return params{}, nil
	}
	var p params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if p == nil {
		p = params{}
	}
	return p, nil
}

// str returns the first key holding a string.
func (p params) str(keys ...string) (string, bool) {
	for _, key := range keys {
		raw, ok := p[key]
		if !ok {
			continue
		}
		var value string
		if json.Unmarshal(raw, &value) == nil {
			return value, true
		}
	}
	return "", false
}

func (p params) strOr(fallback string, keys ...string) string {
	if value, ok := p.str(keys...); ok {
		return value
	}
	return fallback
}

func (p params) require(what string, keys ...string) (string, error) {
	if value, ok := p.str(keys...); ok {
		return value, nil
	}
	return "", errors.New("missing " + what)
}

func (p params) boolean(key string) bool {
	raw, ok := p[key]
	if !ok {
		return false
	}
	var value bool
	if json.Unmarshal(raw, &value) != nil {
		return false
	}
	return value
}

func (p params) unsigned(key string, fallback uint64) uint64 {
	raw, ok := p[key]
	if !ok {
		return fallback
	}
	var value uint64
	if json.Unmarshal(raw, &value) != nil {
		return fallback
	}
	return value
}
