package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithWorkerAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithWorker(newCaptureLogger(capture), "git", "")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["worker"] != "git" {
		t.Fatalf("expected worker field, got %+v", entry)
	}
	if _, ok := entry["worker_request"]; ok {
		t.Fatalf("did not expect worker_request without an id")
	}
}

func TestAnnotatorsTakeLogger(t *testing.T) {
	capture := &logCapture{}
	log := WithMethod(WithSession(WithRequest(newCaptureLogger(capture), "r1"), "s1"), "os-info")
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["request"] != "r1" || entry["session"] != "s1" || entry["method"] != "os-info" {
		t.Fatalf("expected request, session and method fields, got %+v", entry)
	}
}

func TestEmptyIdentifiersAreSkipped(t *testing.T) {
	capture := &logCapture{}
	WithMethod(WithSession(WithRequest(newCaptureLogger(capture), ""), ""), "").Info("hello")

	entry := capture.firstEntry(t)
	for _, field := range []string{"request", "session", "method"} {
		if _, ok := entry[field]; ok {
			t.Fatalf("did not expect %s field, got %+v", field, entry)
		}
	}
}

func TestSessionSkipsBoundField(t *testing.T) {
	capture := &logCapture{}
	base := newCaptureLogger(capture)
	ctx := Bind(context.Background(), WithSession(base, "s1"), SessionMark("s1"))
	Session(ctx, "s1").Info("hello")

	line := capture.buf.String()
	if n := bytes.Count([]byte(line), []byte(`"session"`)); n != 1 {
		t.Fatalf("expected one session field, got %d in %s", n, line)
	}
}

func TestBindKeepsOuterMarks(t *testing.T) {
	capture := &logCapture{}
	ctx := Bind(context.Background(), newCaptureLogger(capture), SessionMark("s1"))
	ctx = Bind(ctx, Request(ctx, "r1"), RequestMark("r1"))
	if !bound(ctx, SessionMark("s1")) || !bound(ctx, RequestMark("r1")) {
		t.Fatalf("expected both marks bound")
	}
	if bound(ctx, SessionMark("s2")) {
		t.Fatalf("different session must not count as bound")
	}

	Session(ctx, "s2").Info("hello")
	entry := capture.firstEntry(t)
	if entry["session"] != "s2" || entry["request"] != "r1" {
		t.Fatalf("expected new session on request logger, got %+v", entry)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
