package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/workermock"
	"pkt.systems/shellhost/schema"
)

func TestArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		base string
		want string
	}{
		{name: "worker-mock", base: "worker-mock", want: "worker-mock"},
		{name: "shellhost-worker-mock", base: "shellhost-worker-mock", want: "worker-mock"},
		{name: "shellhost", base: "shellhost", want: ""},
	}
	for _, tc := range tests {
		if got := argv0Alias(tc.base); got != tc.want {
			t.Fatalf("%s: argv0Alias(%q) = %q, want %q", tc.name, tc.base, got, tc.want)
		}
	}
}

func TestApplyArgv0Alias(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "empty", args: nil, want: nil},
		{name: "no-alias", args: []string{"shellhost", "serve"}, want: []string{"shellhost", "serve"}},
		{name: "worker-mock", args: []string{"/usr/bin/worker-mock", "--mode", "echo"}, want: []string{"/usr/bin/worker-mock", "worker-mock", "--mode", "echo"}},
	}
	for _, tc := range tests {
		got := applyArgv0Alias(tc.args)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: applyArgv0Alias length = %d, want %d", tc.name, len(got), len(tc.want))
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: applyArgv0Alias[%d] = %q, want %q", tc.name, i, got[i], tc.want[i])
			}
		}
	}
}

func TestIsWorkerMockInvocation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want bool
	}{
		{name: "worker-mock", args: []string{"shellhost", "worker-mock"}, want: true},
		{name: "serve", args: []string{"shellhost", "serve"}, want: false},
		{name: "empty", args: nil, want: false},
	}
	for _, tc := range tests {
		if got := isWorkerMockInvocation(tc.args); got != tc.want {
			t.Fatalf("%s: isWorkerMockInvocation(%v) = %v, want %v", tc.name, tc.args, got, tc.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	ctx := quietContext()
	if got := exitCode(ctx, nil, &workermock.ExitError{Code: 7}); got != 7 {
		t.Fatalf("mock exit code = %d, want 7", got)
	}
	if got := exitCode(ctx, nil, &callFailedError{code: "unknown_method"}); got != 2 {
		t.Fatalf("call failure exit code = %d, want 2", got)
	}
	if got := exitCode(ctx, nil, errors.New("boom")); got != 1 {
		t.Fatalf("generic exit code = %d, want 1", got)
	}
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "call", "worker-mock", "deeplink", "config", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("command %q not registered: %v", name, err)
		}
	}
}

func TestDeeplinkCommand(t *testing.T) {
	out, err := runRoot(t, "deeplink", "codex://settings")
	if err != nil {
		t.Fatalf("deeplink: %v", err)
	}
	if !json.Valid([]byte(out)) {
		t.Fatalf("deeplink output is not JSON: %q", out)
	}
	if _, err := runRoot(t, "deeplink", "https://example.com"); err == nil {
		t.Fatalf("expected error for non-codex url")
	}
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	out, err := runRoot(t, "config", "init", "--path", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "wrote "+path) {
		t.Fatalf("unexpected output %q", out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if _, err := runRoot(t, "config", "init", "--path", path); err == nil {
		t.Fatalf("expected error when config exists")
	}
	if _, err := runRoot(t, "config", "init", "--path", path, "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
}

func TestVersionCommandJSON(t *testing.T) {
	out, err := runRoot(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info struct {
		Module string `json:"module"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info.Module == "" {
		t.Fatalf("module missing from version output")
	}
}

func TestCallLocalQuery(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runRoot(t, "call", "os-info", "-c", cfgPath, "--no-worker")
	if err != nil {
		t.Fatalf("call os-info: %v\n%s", err, out)
	}
	var resp schema.HostResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.OK || resp.RequestID == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCallUnknownMethodFails(t *testing.T) {
	cfgPath := writeTestConfig(t)
	out, err := runRoot(t, "call", "no-such-method", "-c", cfgPath, "--no-worker")
	var callErr *callFailedError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected callFailedError, got %v", err)
	}
	var resp schema.HostResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || resp.Error == nil {
		t.Fatalf("expected error envelope, got %+v", resp)
	}
}

func TestCallRejectsBadParams(t *testing.T) {
	cfgPath := writeTestConfig(t)
	if _, err := runRoot(t, "call", "os-info", "-c", cfgPath, "--no-worker", "--params", "{"); err == nil {
		t.Fatalf("expected invalid params error")
	}
	if _, err := runRoot(t, "call", "os-info", "-c", cfgPath, "--no-worker", "--params", "[1]"); err == nil {
		t.Fatalf("expected non-object params error")
	}
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "config.yaml")
	data := "config_version: 1\nstate_dir: " + filepath.Join(dir, "state") + "\nworker:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(quietContext())
	return out.String(), err
}

func quietContext() context.Context {
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.ErrorLevel})
	return pslog.ContextWithLogger(context.Background(), logger)
}
