package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/workermock"
)

type fakeRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	line    string
}

type fakeWorker struct {
	requests chan fakeRequest
	invalid  chan string
	outMu    sync.Mutex
	out      *io.PipeWriter
}

func newPipeBridge(t *testing.T, opts Options) (*Bridge, *fakeWorker) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 2 * time.Second
	}
	b, err := New(context.Background(), Pipes{Stdin: inW, Stdout: outR}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fw := &fakeWorker{
		requests: make(chan fakeRequest, 1024),
		invalid:  make(chan string, 1024),
		out:      outW,
	}
	go func() {
		reader := bufio.NewReader(inR)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			var req fakeRequest
			if json.Unmarshal([]byte(line), &req) != nil {
				fw.invalid <- line
				continue
			}
			req.line = line
			fw.requests <- req
		}
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
		_ = outW.Close()
	})
	return b, fw
}

func (f *fakeWorker) next(t *testing.T) fakeRequest {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for request")
	}
	return fakeRequest{}
}

func (f *fakeWorker) send(line string) {
	f.outMu.Lock()
	defer f.outMu.Unlock()
	_, _ = io.WriteString(f.out, line+"\n")
}

func (f *fakeWorker) reply(id json.RawMessage, result string) {
	f.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, id, result))
}

func waitPending(t *testing.T, b *Bridge, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Pending() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d pending, got %d", want, b.Pending())
}

type callResult struct {
	msg Message
	err error
}

func requestAsync(b *Bridge, call Call) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		msg, err := b.Request(context.Background(), call)
		ch <- callResult{msg, err}
	}()
	return ch
}

func awaitResult(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for request result")
	}
	return callResult{}
}

func TestRequestAssignsCounterIDAndDefaultsParams(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	first := requestAsync(b, Call{Method: "thread/list"})
	req := fw.next(t)
	if string(req.ID) != "1" {
		t.Fatalf("expected id 1, got %s", req.ID)
	}
	if req.JSONRPC != "2.0" || req.Method != "thread/list" || string(req.Params) != "{}" {
		t.Fatalf("unexpected wire request: %s", req.line)
	}
	fw.reply(req.ID, `{"threads":[]}`)
	res := awaitResult(t, first)
	if res.err != nil {
		t.Fatalf("Request: %v", res.err)
	}
	if string(res.msg.Result) != `{"threads":[]}` {
		t.Fatalf("unexpected result: %s", res.msg.Result)
	}

	second := requestAsync(b, Call{Method: "thread/list"})
	req = fw.next(t)
	if string(req.ID) != "2" {
		t.Fatalf("expected id 2, got %s", req.ID)
	}
	fw.reply(req.ID, `{}`)
	awaitResult(t, second)
	if b.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", b.Pending())
	}
}

func TestLateReplyBecomesNotification(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	notes, cancel := b.Subscribe()
	defer cancel()

	started := time.Now()
	_, err := b.Request(context.Background(), Call{ID: "late", Method: "slow", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) || KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	if b.Pending() != 0 {
		t.Fatalf("timed out request still pending")
	}

	req := fw.next(t)
	fw.reply(req.ID, `{"done":true}`)
	select {
	case event := <-notes:
		if event.Type != eventbus.EventNotification {
			t.Fatalf("unexpected event type %q", event.Type)
		}
		if !strings.Contains(string(event.Notification.Message), `"late"`) {
			t.Fatalf("expected late reply as notification, got %s", event.Notification.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("late reply was not published")
	}
}

func TestInvalidLinesAreSkipped(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	notes, cancel := b.Subscribe()
	defer cancel()

	pending := requestAsync(b, Call{ID: 9, Method: "ping"})
	req := fw.next(t)
	fw.send("not json at all")
	fw.send("")
	fw.send("[1,2,3]")
	fw.send(`"just a string"`)
	fw.reply(req.ID, `{"pong":true}`)

	res := awaitResult(t, pending)
	if res.err != nil {
		t.Fatalf("Request: %v", res.err)
	}
	if string(res.msg.Result) != `{"pong":true}` {
		t.Fatalf("unexpected result: %s", res.msg.Result)
	}
	select {
	case event := <-notes:
		t.Fatalf("invalid line leaked as notification: %s", event.Notification.Message)
	default:
	}
}

func TestNotificationsReachEverySubscriber(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	fw.send(`{"jsonrpc":"2.0","method":"turn/started","params":{}}`)
	for i, ch := range []<-chan eventbus.Event{first, second} {
		select {
		case event := <-ch:
			if event.Notification.Method != "turn/started" {
				t.Fatalf("subscriber %d got %q", i, event.Notification.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %d missed notification", i)
		}
	}

	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatalf("expected canceled subscriber to be closed")
	}
	fw.send(`{"jsonrpc":"2.0","method":"turn/completed"}`)
	select {
	case event := <-second:
		if event.Notification.Method != "turn/completed" {
			t.Fatalf("unexpected notification %q", event.Notification.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remaining subscriber missed notification")
	}
}

func TestNullIDReplyIsNotification(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	notes, cancel := b.Subscribe()
	defer cancel()
	fw.send(`{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`)
	select {
	case event := <-notes:
		if !strings.Contains(string(event.Notification.Message), "parse error") {
			t.Fatalf("unexpected notification: %s", event.Notification.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("null id message was not published")
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	first := requestAsync(b, Call{ID: "dup", Method: "a"})
	req := fw.next(t)
	waitPending(t, b, 1)

	_, err := b.Request(context.Background(), Call{ID: "dup", Method: "b"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
	fw.reply(req.ID, `{"first":true}`)
	res := awaitResult(t, first)
	if res.err != nil || string(res.msg.Result) != `{"first":true}` {
		t.Fatalf("first request disturbed: %v %s", res.err, res.msg.Result)
	}
}

func TestNullIDRequestRejected(t *testing.T) {
	b, _ := newPipeBridge(t, Options{})
	_, err := b.Request(context.Background(), Call{ID: json.RawMessage("null"), Method: "x"})
	if KindOf(err) != KindEncode {
		t.Fatalf("expected encode error, got %v", err)
	}
	if b.Pending() != 0 {
		t.Fatalf("rejected request left a slot")
	}
}

func TestCanceledContextRemovesSlot(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, Call{Method: "x"})
		done <- err
	}()
	fw.next(t)
	waitPending(t, b, 1)
	cancel()
	select {
	case err := <-done:
		if KindOf(err) != KindCanceled || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request ignored cancellation")
	}
	if b.Pending() != 0 {
		t.Fatalf("canceled request still pending")
	}
}

func TestStdoutCloseFailsPendingImmediately(t *testing.T) {
	b, fw := newPipeBridge(t, Options{DefaultTimeout: time.Minute})
	pending := requestAsync(b, Call{Method: "x"})
	fw.next(t)
	waitPending(t, b, 1)

	started := time.Now()
	_ = fw.out.Close()
	res := awaitResult(t, pending)
	if !errors.Is(res.err, ErrTransport) || !errors.Is(res.err, ErrExited) {
		t.Fatalf("expected transport error, got %v", res.err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("pending request was not failed promptly")
	}
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatalf("bridge not done after stdout closed")
	}
	if _, err := b.Request(context.Background(), Call{Method: "y"}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected later request to fail fast, got %v", err)
	}
}

// newStalledBridge returns a bridge whose worker never reads stdin.
func newStalledBridge(t *testing.T) *Bridge {
	t.Helper()
	_, inW := io.Pipe()
	outR, outW := io.Pipe()
	b, err := New(context.Background(), Pipes{Stdin: inW, Stdout: outR}, Options{Logger: quietLogger(), DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
		_ = outW.Close()
	})
	return b
}

func TestStalledStdinHonorsTimeout(t *testing.T) {
	b := newStalledBridge(t)
	started := time.Now()
	_, err := b.Request(context.Background(), Call{Method: "x", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("timeout ignored while writing: %s", elapsed)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty correlation table, got %d", b.Pending())
	}
	if !errors.Is(b.Err(), ErrStalled) {
		t.Fatalf("expected stalled transport, got %v", b.Err())
	}

	started = time.Now()
	_, err = b.Request(context.Background(), Call{Method: "y"})
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrStalled) {
		t.Fatalf("expected fail-fast stalled transport error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("request after stall did not fail fast: %s", elapsed)
	}
}

func TestCanceledStalledWriteReleasesQueuedRequests(t *testing.T) {
	b := newStalledBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := make(chan callResult, 1)
	go func() {
		msg, err := b.Request(ctx, Call{ID: "a", Method: "a"})
		first <- callResult{msg, err}
	}()
	deadline := time.Now().Add(2 * time.Second)
	for len(b.writeSlot) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first request never started writing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	queued := requestAsync(b, Call{ID: "b", Method: "b"})
	waitPending(t, b, 2)

	cancel()
	res := awaitResult(t, first)
	if KindOf(res.err) != KindCanceled {
		t.Fatalf("expected canceled, got %v", res.err)
	}
	res = awaitResult(t, queued)
	if !errors.Is(res.err, ErrStalled) {
		t.Fatalf("expected queued request to fail with stalled transport, got %v", res.err)
	}
}

func TestConcurrentRequestsDoNotInterleave(t *testing.T) {
	b, fw := newPipeBridge(t, Options{})
	const n = 64
	go func() {
		for i := 0; i < n; i++ {
			req := <-fw.requests
			fw.reply(req.ID, fmt.Sprintf(`{"id":%s,"size":%d}`, req.ID, len(req.Params)))
		}
	}()

	payload := strings.Repeat("x", 16*1024)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := b.Request(context.Background(), Call{ID: fmt.Sprintf("c%d", i), Method: "big", Params: map[string]string{"blob": payload}})
			if err != nil {
				errs <- err
				return
			}
			var result struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(msg.Result, &result); err != nil {
				errs <- err
				return
			}
			if result.ID != fmt.Sprintf("c%d", i) {
				errs <- fmt.Errorf("request c%d got reply for %s", i, result.ID)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request failed: %v", err)
	}
	select {
	case line := <-fw.invalid:
		t.Fatalf("worker saw an interleaved line: %.80s", line)
	default:
	}
}

func TestRepliesInAnyOrderReachTheirCallers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("each caller receives exactly its own reply", prop.ForAll(
		func(n int, seed int64) bool {
			b, fw := newPipeBridge(t, Options{})
			results := make([]<-chan callResult, n)
			for i := 0; i < n; i++ {
				results[i] = requestAsync(b, Call{ID: i + 100, Method: "p"})
			}
			reqs := make([]fakeRequest, 0, n)
			for i := 0; i < n; i++ {
				select {
				case req := <-fw.requests:
					reqs = append(reqs, req)
				case <-time.After(2 * time.Second):
					return false
				}
			}
			for _, idx := range rand.New(rand.NewSource(seed)).Perm(n) {
				fw.reply(reqs[idx].ID, string(reqs[idx].ID))
			}
			for i := 0; i < n; i++ {
				select {
				case res := <-results[i]:
					if res.err != nil || string(res.msg.Result) != fmt.Sprint(i+100) {
						return false
					}
				case <-time.After(2 * time.Second):
					return false
				}
			}
			return b.Pending() == 0
		},
		gen.IntRange(1, 16),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestIDKey(t *testing.T) {
	cases := []struct {
		raw  string
		key  string
		live bool
	}{
		{`"abc"`, "s:abc", true},
		{`42`, "n:42", true},
		{`-1.5`, "n:-1.5", true},
		{`true`, "b:true", true},
		{`{"b": 1}`, `j:{"b":1}`, true},
		{`[1, 2]`, "j:[1,2]", true},
		{`null`, "", false},
		{``, "", false},
	}
	for _, tc := range cases {
		key, ok := IDKey(json.RawMessage(tc.raw))
		if ok != tc.live || key != tc.key {
			t.Fatalf("IDKey(%s) = %q %v, want %q %v", tc.raw, key, ok, tc.key, tc.live)
		}
	}
	if a, _ := IDKey(json.RawMessage(`"1"`)); a == "n:1" {
		t.Fatalf("string and number ids must not collide")
	}
}

func spawnHelper(t *testing.T, mode workermock.Mode, opts Options) *Bridge {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	b, err := Spawn(context.Background(), Config{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    []string{helperEnv + "=" + string(mode)},
	}, opts)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestSpawnedWorkerEchoes(t *testing.T) {
	b := spawnHelper(t, workermock.ModeEcho, Options{})
	// Warm up so process start-up does not count against the reply budget.
	if _, err := b.Request(context.Background(), Call{ID: "warmup", Method: "warmup"}); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	started := time.Now()
	msg, err := b.Request(ctx, Call{Method: "echo", Params: map[string]int{"x": 1}})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("echo took %s", elapsed)
	}
	if string(msg.Result) != `{"echo":{"x":1}}` {
		t.Fatalf("unexpected echo: %s", msg.Result)
	}
	if string(msg.ID) != "1" {
		t.Fatalf("expected first counter id 1, got %s", msg.ID)
	}
}

func TestSpawnedWorkerErrorReply(t *testing.T) {
	b := spawnHelper(t, workermock.ModeEcho, Options{})
	msg, err := b.Request(context.Background(), Call{Method: workermock.MethodError})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !msg.IsError() {
		t.Fatalf("expected error reply, got %s", msg.Raw)
	}
}

func TestSilentWorkerTimesOut(t *testing.T) {
	b := spawnHelper(t, workermock.ModeSilent, Options{})
	started := time.Now()
	_, err := b.Request(context.Background(), Call{Method: "anything", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < 50*time.Millisecond || elapsed > 150*time.Millisecond {
		t.Fatalf("unexpected timeout duration %s", elapsed)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected empty correlation table, got %d", b.Pending())
	}
}

func TestWorkerExitFailsPendingRequests(t *testing.T) {
	b := spawnHelper(t, workermock.ModeEcho, Options{DefaultTimeout: time.Minute})
	sleeping := requestAsync(b, Call{Method: workermock.MethodSleep, Params: map[string]int{"ms": 30000}})
	waitPending(t, b, 1)

	started := time.Now()
	_, err := b.Request(context.Background(), Call{Method: workermock.MethodExit, Params: map[string]int{"code": 4}})
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrExited) {
		t.Fatalf("expected exit transport error, got %v", err)
	}
	if !strings.Contains(err.Error(), "exit status 4") {
		t.Fatalf("expected exit status in error, got %v", err)
	}
	res := awaitResult(t, sleeping)
	if !errors.Is(res.err, ErrTransport) {
		t.Fatalf("expected sleeping request to fail, got %v", res.err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("pending requests were not failed eagerly")
	}
	if _, err := b.Request(context.Background(), Call{Method: "after"}); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected fail-fast after exit, got %v", err)
	}
}

func TestShutdownDropsPendingRequests(t *testing.T) {
	b := spawnHelper(t, workermock.ModeSilent, Options{DefaultTimeout: time.Minute})
	pending := requestAsync(b, Call{Method: "never"})
	waitPending(t, b, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res := awaitResult(t, pending)
	if !errors.Is(res.err, ErrDropped) {
		t.Fatalf("expected dropped error, got %v", res.err)
	}
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := Spawn(context.Background(), Config{Binary: "/nonexistent/shellhost-worker"}, Options{Logger: quietLogger()})
	if KindOf(err) != KindTransport {
		t.Fatalf("expected transport error, got %v", err)
	}
}
