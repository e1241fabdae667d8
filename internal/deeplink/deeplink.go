// Package deeplink parses codex:// URLs into navigation routes.
package deeplink

import (
	"fmt"
	"strings"

	"pkt.systems/shellhost/schema"
)

// Scheme is the accepted URL scheme, compared case-insensitively.
const Scheme = "codex://"

// Kind names a route.
type Kind string

const (
	KindSettings          Kind = "settings"
	KindSkills            Kind = "skills"
	KindAutomations       Kind = "automations"
	KindNewThread         Kind = "new_thread"
	KindLocalConversation Kind = "local_conversation"
	KindUnknown           Kind = "unknown"
)

// Route is a parsed deep link. Value is set for local conversations and
// unknown paths.
type Route struct {
	Kind  Kind    `json:"kind"`
	Value *string `json:"value,omitempty"`
}

// Parse maps a deep link to a route. Links outside the codex scheme fail
// with schema.ErrInvalidDeepLink.
func Parse(raw string) (Route, error) {
	if len(raw) < len(Scheme) || !strings.EqualFold(raw[:len(Scheme)], Scheme) {
		return Route{}, fmt.Errorf("%w: %s", schema.ErrInvalidDeepLink, raw)
	}
	path := raw[len(Scheme):]
	switch {
	case strings.EqualFold(path, "settings"):
		return Route{Kind: KindSettings}, nil
	case strings.EqualFold(path, "skills"):
		return Route{Kind: KindSkills}, nil
	case strings.EqualFold(path, "automations"):
		return Route{Kind: KindAutomations}, nil
	case strings.EqualFold(path, "threads/new"):
		return Route{Kind: KindNewThread}, nil
	}
	if id, ok := strings.CutPrefix(path, "local/"); ok {
		return Route{Kind: KindLocalConversation, Value: &id}, nil
	}
	return Route{Kind: KindUnknown, Value: &path}, nil
}
