package deeplink

import (
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/shellhost/schema"
)

func TestParse(t *testing.T) {
	cases := []struct {
		raw   string
		kind  Kind
		value string
	}{
		{"codex://settings", KindSettings, ""},
		{"CODEX://Settings", KindSettings, ""},
		{"codex://skills", KindSkills, ""},
		{"codex://automations", KindAutomations, ""},
		{"codex://threads/new", KindNewThread, ""},
		{"codex://THREADS/NEW", KindNewThread, ""},
		{"codex://local/abc-123", KindLocalConversation, "abc-123"},
		{"codex://local/", KindLocalConversation, ""},
		{"codex://elsewhere/x", KindUnknown, "elsewhere/x"},
		{"codex://", KindUnknown, ""},
	}
	for _, tc := range cases {
		route, err := Parse(tc.raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.raw, err)
		}
		if route.Kind != tc.kind {
			t.Fatalf("Parse(%q) kind %q, want %q", tc.raw, route.Kind, tc.kind)
		}
		got := ""
		if route.Value != nil {
			got = *route.Value
		}
		if got != tc.value {
			t.Fatalf("Parse(%q) value %q, want %q", tc.raw, got, tc.value)
		}
	}
}

func TestParseRejectsOtherSchemes(t *testing.T) {
	for _, raw := range []string{"https://settings", "codex:/settings", "", "cod"} {
		if _, err := Parse(raw); !errors.Is(err, schema.ErrInvalidDeepLink) {
			t.Fatalf("Parse(%q) expected invalid scheme, got %v", raw, err)
		}
	}
}

func TestRouteJSON(t *testing.T) {
	route, err := Parse("codex://local/t1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	data, err := json.Marshal(route)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"kind":"local_conversation","value":"t1"}` {
		t.Fatalf("unexpected json %s", data)
	}
	settings, _ := Parse("codex://settings")
	data, _ = json.Marshal(settings)
	if string(data) != `{"kind":"settings"}` {
		t.Fatalf("unexpected json %s", data)
	}
}
