package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/creack/pty"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/schema"
)

func requirePTY(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	_ = tty.Close()
	_ = ptmx.Close()
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	requirePTY(t)
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.ErrorLevel})
	m := NewManager(cfg, Options{Logger: logger})
	t.Cleanup(m.CloseAll)
	return m
}

func waitForOutput(t *testing.T, m *Manager, id schema.SessionID, want string) schema.AttachResult {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last schema.AttachResult
	for time.Now().Before(deadline) {
		res, err := m.Attach(id)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}
		last = res
		if strings.Contains(res.Output, want) {
			return res
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output never contained %q; got %q", want, last.Output)
	return last
}

func TestCreateAppliesDefaultsAndEnv(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/sh"})
	desc, err := m.Create(context.Background(), CreateRequest{Env: map[string]string{"SHELLHOST_MARK": "xyzzy"}})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if desc.ID == "" || desc.Cwd != "." || desc.Cols != DefaultCols || desc.Rows != DefaultRows {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if desc.Env["SHELLHOST_MARK"] != "xyzzy" {
		t.Fatalf("expected env snapshot, got %+v", desc.Env)
	}
	if err := m.Write(desc.ID, "echo mark-$SHELLHOST_MARK\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	res := waitForOutput(t, m, desc.ID, "mark-xyzzy")
	if res.ByteLength < len("mark-xyzzy") {
		t.Fatalf("unexpected byte length %d", res.ByteLength)
	}
}

func TestAttachBeforeAnyOutputIsEmpty(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/cat"})
	desc, err := m.Create(context.Background(), CreateRequest{Cwd: t.TempDir(), Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res, err := m.Attach(desc.ID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if res.Output != "" || res.ByteLength != 0 {
		t.Fatalf("expected empty output, got %q (%d)", res.Output, res.ByteLength)
	}
	if res.Session.Cols != 80 || res.Session.Rows != 24 {
		t.Fatalf("unexpected geometry: %+v", res.Session)
	}
}

func TestOutputKeepsEmissionOrder(t *testing.T) {
	script := "i=0; while [ $i -lt 300 ]; do echo line-$i; i=$((i+1)); done; echo done-marker; sleep 2"
	m := newTestManager(t, Config{Shell: "/bin/sh", ShellArgs: []string{"-c", script}})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := waitForOutput(t, m, desc.ID, "done-marker")
	last := -1
	for i := 0; i < 300; i++ {
		idx := strings.Index(res.Output, fmt.Sprintf("line-%d\r\n", i))
		if idx < 0 {
			t.Fatalf("missing line-%d", i)
		}
		if idx <= last {
			t.Fatalf("line-%d out of order", i)
		}
		last = idx
	}
}

func TestFollowHasNoGapOrOverlap(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/sh"})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Write(desc.ID, "echo first-part\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitForOutput(t, m, desc.ID, "first-part")

	snap, events, cancel, err := m.Follow(desc.ID)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer cancel()
	if err := m.Write(desc.ID, "echo second-part\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	combined := []byte(nil)
	combined = append(combined, snap.Output...)
	expected := snap.ByteLength
	deadline := time.After(5 * time.Second)
	for !strings.Contains(string(combined), "second-part\r\n") {
		select {
		case event := <-events:
			if event.Type != eventbus.EventTerminalOutput {
				continue
			}
			if event.Output.Offset != expected {
				t.Fatalf("expected offset %d, got %d", expected, event.Output.Offset)
			}
			expected += len(event.Output.Data)
			combined = append(combined, event.Output.Data...)
		case <-deadline:
			t.Fatalf("follow never saw second-part; got %q", combined)
		}
	}
	full, err := m.Attach(desc.ID)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if !strings.HasPrefix(full.Output, string(combined)) {
		t.Fatalf("followed output diverged from buffer")
	}
}

func TestResizeUpdatesDescriptorAndPTY(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/cat"})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Resize(desc.ID, 100, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	list := m.List()
	if len(list) != 1 || list[0].Cols != 100 || list[0].Rows != 40 {
		t.Fatalf("unexpected list: %+v", list)
	}
	s, err := m.lookup(desc.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	size, err := pty.GetsizeFull(s.ptmx)
	if err != nil {
		t.Fatalf("GetsizeFull: %v", err)
	}
	if size.Cols != 100 || size.Rows != 40 {
		t.Fatalf("pty size not updated: %+v", size)
	}
}

func TestCloseTwiceReportsNotFound(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/cat"})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	exited, err := m.Exited(desc.ID)
	if err != nil {
		t.Fatalf("Exited: %v", err)
	}
	if err := m.Close(desc.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(desc.ID); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found on second close, got %v", err)
	}
	if err := m.Write(desc.ID, "x"); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found on write, got %v", err)
	}
	if _, err := m.Attach(desc.ID); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found on attach, got %v", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("shell survived close")
	}
}

func TestExitEventQueuedBeforeExitedCloses(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/sh"})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, events, cancel, err := m.Follow(desc.ID)
	if err != nil {
		t.Fatalf("Follow: %v", err)
	}
	defer cancel()
	exited, err := m.Exited(desc.ID)
	if err != nil {
		t.Fatalf("Exited: %v", err)
	}
	if err := m.Write(desc.ID, "exit 7\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatalf("shell did not exit")
	}
	for {
		select {
		case event := <-events:
			if event.Type != eventbus.EventTerminalExit {
				continue
			}
			if event.Exit.ExitCode != 7 {
				t.Fatalf("expected exit code 7, got %d", event.Exit.ExitCode)
			}
			return
		default:
			t.Fatalf("exit event was not queued when exited closed")
		}
	}
}

func TestOutputSince(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/sh"})
	desc, err := m.Create(context.Background(), CreateRequest{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Write(desc.ID, "echo since-mark\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	snap := waitForOutput(t, m, desc.ID, "since-mark")

	all, end, err := m.OutputSince(desc.ID, 0)
	if err != nil {
		t.Fatalf("OutputSince: %v", err)
	}
	if end < snap.ByteLength || len(all) != end || !strings.Contains(string(all), "since-mark") {
		t.Fatalf("unexpected output since 0: end=%d len=%d", end, len(all))
	}
	tail, tailEnd, err := m.OutputSince(desc.ID, 5)
	if err != nil {
		t.Fatalf("OutputSince tail: %v", err)
	}
	if tailEnd < end || string(tail[:end-5]) != string(all[5:]) {
		t.Fatalf("tail does not match buffer from offset 5")
	}
	if _, _, err := m.OutputSince(desc.ID, tailEnd+1); err == nil {
		t.Fatalf("expected error for offset past the buffer")
	}
	if _, _, err := m.OutputSince("missing", 0); !errors.Is(err, schema.ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	m := NewManager(Config{}, Options{})
	for _, id := range []schema.SessionID{"", "missing"} {
		if _, err := m.Attach(id); !errors.Is(err, schema.ErrSessionNotFound) {
			t.Fatalf("expected not found for %q, got %v", id, err)
		}
		if err := m.Resize(id, 10, 10); !errors.Is(err, schema.ErrSessionNotFound) {
			t.Fatalf("expected not found on resize for %q, got %v", id, err)
		}
	}
}

func TestCreateFailsForMissingCwd(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/sh"})
	if _, err := m.Create(context.Background(), CreateRequest{Cwd: "/nonexistent/shellhost/dir"}); err == nil {
		t.Fatalf("expected error for missing cwd")
	}
	if n := len(m.List()); n != 0 {
		t.Fatalf("failed create left %d sessions", n)
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	m := newTestManager(t, Config{Shell: "/bin/cat"})
	seen := map[schema.SessionID]bool{}
	for i := 0; i < 5; i++ {
		desc, err := m.Create(context.Background(), CreateRequest{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if seen[desc.ID] {
			t.Fatalf("duplicate session id %s", desc.ID)
		}
		seen[desc.ID] = true
	}
	m.CloseAll()
	if n := len(m.List()); n != 0 {
		t.Fatalf("expected empty table after CloseAll, got %d", n)
	}
}

func TestDefaultShellFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell lookup")
	}
	t.Setenv("SHELL", "")
	if got := DefaultShell(); got != "sh" {
		t.Fatalf("expected sh fallback, got %q", got)
	}
}

func TestDefaultShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell lookup")
	}
	t.Setenv("SHELL", "/bin/zsh")
	if got := DefaultShell(); got != "/bin/zsh" {
		t.Fatalf("unexpected default shell %q", got)
	}
}
