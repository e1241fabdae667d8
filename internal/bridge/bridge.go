package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/schema"
)

const (
	// DefaultTimeout bounds a request when neither the call nor the options set one.
	DefaultTimeout = 120 * time.Second
	// DefaultShutdownGrace is how long Shutdown waits after SIGTERM before SIGKILL.
	DefaultShutdownGrace = 2 * time.Second
)

// Pipes are the worker's standard streams as seen from the host.
type Pipes struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// Options configures a Bridge.
type Options struct {
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	// Bus receives notifications. A private bus is created when nil.
	Bus            *eventbus.Bus
	DefaultTimeout time.Duration
	ShutdownGrace  time.Duration
}

type pendingRequest struct {
	ch      chan Message
	method  string
	created time.Time
	err     error
}

// fail must only be called by whoever removed the request from the table.
func (p *pendingRequest) fail(err error) {
	p.err = err
	close(p.ch)
}

// Bridge multiplexes requests and notifications over one worker's stdio.
type Bridge struct {
	log     pslog.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus
	timeout time.Duration
	grace   time.Duration

	stdin io.WriteCloser
	// writeSlot serializes whole lines on stdin. A channel rather than a
	// mutex so waiters can give up on their deadline.
	writeSlot chan struct{}
	writer    *bufio.Writer

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closing bool
	exitErr error

	nextID atomic.Int64

	proc      *process
	closers   []io.Closer
	readers   sync.WaitGroup
	stopOnce  sync.Once
	done      chan struct{}
	stdoutEOF chan struct{}
}

// New builds a bridge over existing streams and starts its readers.
func New(ctx context.Context, pipes Pipes, opts Options) (*Bridge, error) {
	return newBridge(ctx, pipes, nil, opts)
}

func newBridge(ctx context.Context, pipes Pipes, proc *process, opts Options) (*Bridge, error) {
	if pipes.Stdin == nil || pipes.Stdout == nil {
		return nil, newError(KindTransport, "start", errors.New("stdin and stdout are required"))
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(ctx)
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New(log)
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	b := &Bridge{
		log:       log,
		metrics:   opts.Metrics,
		bus:       bus,
		timeout:   timeout,
		grace:     grace,
		stdin:     pipes.Stdin,
		writeSlot: make(chan struct{}, 1),
		writer:    bufio.NewWriter(pipes.Stdin),
		pending:   make(map[string]*pendingRequest),
		proc:      proc,
		done:      make(chan struct{}),
		stdoutEOF: make(chan struct{}),
	}
	if proc == nil {
		for _, r := range []io.Reader{pipes.Stdout, pipes.Stderr} {
			if closer, ok := r.(io.Closer); ok {
				b.closers = append(b.closers, closer)
			}
		}
	}
	b.readers.Add(1)
	go b.readStdout(pipes.Stdout)
	if pipes.Stderr != nil {
		b.readers.Add(1)
		go b.readStderr(pipes.Stderr)
	}
	go b.watch()
	return b, nil
}

// Request sends one request and waits for the matching reply, the timeout,
// or ctx, whichever comes first.
func (b *Bridge) Request(ctx context.Context, call Call) (Message, error) {
	method := strings.TrimSpace(call.Method)
	started := time.Now()
	idRaw, err := b.requestID(call.ID)
	if err != nil {
		return Message{}, newError(KindEncode, "request", err).withCall("", method)
	}
	key, ok := IDKey(idRaw)
	if !ok {
		return Message{}, newError(KindEncode, "request", errNullID).withCall("", method)
	}
	params, err := encodeParams(call.Params)
	if err != nil {
		return Message{}, newError(KindEncode, "request", err).withCall(key, method)
	}
	line, err := json.Marshal(outgoing{JSONRPC: "2.0", ID: idRaw, Method: method, Params: params})
	if err != nil {
		return Message{}, newError(KindEncode, "request", err).withCall(key, method)
	}

	pending := &pendingRequest{ch: make(chan Message, 1), method: method, created: started}
	if err := b.register(key, pending); err != nil {
		return Message{}, err
	}
	log := b.log.With("id", key, "method", method)

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := b.send(ctx, timer.C, timeout, line); err != nil {
		b.remove(key, pending)
		outcome := metrics.OutcomeTransport
		switch err.Kind {
		case KindTimeout:
			outcome = metrics.OutcomeTimeout
		case KindCanceled:
			outcome = metrics.OutcomeCanceled
		}
		log.Warn("bridge request write failed", "err", err)
		b.metrics.RequestFinished(method, outcome, time.Since(started))
		return Message{}, err.withCall(key, method)
	}
	log.Debug("bridge request sent", "bytes", len(line))

	select {
	case msg, ok := <-pending.ch:
		return b.finish(log, pending, msg, ok)
	case <-timer.C:
		if b.remove(key, pending) {
			log.Warn("bridge request timed out", "timeout", timeout)
			b.metrics.RequestFinished(method, metrics.OutcomeTimeout, time.Since(started))
			return Message{}, newError(KindTimeout, "request", fmt.Errorf("%w after %s", ErrTimeout, timeout)).withCall(key, method)
		}
	case <-ctx.Done():
		if b.remove(key, pending) {
			log.Debug("bridge request canceled", "err", ctx.Err())
			b.metrics.RequestFinished(method, metrics.OutcomeCanceled, time.Since(started))
			return Message{}, newError(KindCanceled, "request", ctx.Err()).withCall(key, method)
		}
	}
	// The reader or the exit watcher claimed the slot first; its outcome wins.
	msg, ok := <-pending.ch
	return b.finish(log, pending, msg, ok)
}

func (b *Bridge) finish(log pslog.Logger, pending *pendingRequest, msg Message, ok bool) (Message, error) {
	elapsed := time.Since(pending.created)
	if !ok {
		outcome := metrics.OutcomeTransport
		if KindOf(pending.err) == KindDropped {
			outcome = metrics.OutcomeDropped
		}
		b.metrics.RequestFinished(pending.method, outcome, elapsed)
		log.Debug("bridge request failed", "err", pending.err)
		return Message{}, pending.err
	}
	outcome := metrics.OutcomeOK
	if msg.IsError() {
		outcome = metrics.OutcomeError
	}
	b.metrics.RequestFinished(pending.method, outcome, elapsed)
	log.Debug("bridge reply received", "elapsed_ms", elapsed.Milliseconds(), "error", msg.IsError())
	return msg, nil
}

func (b *Bridge) requestID(id any) (json.RawMessage, error) {
	if id == nil {
		return json.RawMessage(strconv.FormatInt(b.nextID.Add(1), 10)), nil
	}
	return encodeID(id)
}

func (b *Bridge) register(key string, pending *pendingRequest) error {
	b.mu.Lock()
	if b.exitErr != nil {
		err := b.exitErr
		b.mu.Unlock()
		if bridgeErr, ok := err.(*Error); ok {
			return bridgeErr.withCall(key, pending.method)
		}
		return err
	}
	if b.closing {
		b.mu.Unlock()
		return newError(KindDropped, "request", ErrDropped).withCall(key, pending.method)
	}
	if _, exists := b.pending[key]; exists {
		b.mu.Unlock()
		return newError(KindDuplicateID, "request", ErrDuplicateID).withCall(key, pending.method)
	}
	b.pending[key] = pending
	n := len(b.pending)
	b.mu.Unlock()
	b.metrics.PendingChanged(n)
	return nil
}

// remove deletes the slot only if it still belongs to pending.
func (b *Bridge) remove(key string, pending *pendingRequest) bool {
	b.mu.Lock()
	current, ok := b.pending[key]
	if ok && current == pending {
		delete(b.pending, key)
	}
	n := len(b.pending)
	b.mu.Unlock()
	if ok && current == pending {
		b.metrics.PendingChanged(n)
		return true
	}
	return false
}

func (b *Bridge) claim(key string) *pendingRequest {
	b.mu.Lock()
	pending, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	n := len(b.pending)
	b.mu.Unlock()
	if ok {
		b.metrics.PendingChanged(n)
	}
	return pending
}

// send writes line to stdin unless expired fires or ctx ends first. Waiting
// for the write slot can be abandoned freely; abandoning a write in
// progress may leave part of a line on the wire, so it fails the transport.
func (b *Bridge) send(ctx context.Context, expired <-chan time.Time, timeout time.Duration, line []byte) *Error {
	select {
	case b.writeSlot <- struct{}{}:
	case <-expired:
		return newError(KindTimeout, "write", fmt.Errorf("%w after %s waiting to write", ErrTimeout, timeout))
	case <-ctx.Done():
		return newError(KindCanceled, "write", ctx.Err())
	}
	if err := b.Err(); err != nil {
		<-b.writeSlot
		var bridgeErr *Error
		if errors.As(err, &bridgeErr) {
			return bridgeErr
		}
		return newError(KindTransport, "write", err)
	}

	written := make(chan error, 1)
	go func() {
		err := b.writeLine(line)
		<-b.writeSlot
		written <- err
	}()
	var gaveUp *Error
	select {
	case err := <-written:
		if err != nil {
			return newError(KindTransport, "write", err)
		}
		return nil
	case <-expired:
		gaveUp = newError(KindTimeout, "write", fmt.Errorf("%w after %s writing to worker", ErrTimeout, timeout))
	case <-ctx.Done():
		gaveUp = newError(KindCanceled, "write", ctx.Err())
	}
	select {
	case err := <-written:
		// The line went out whole; only this request is abandoned.
		if err != nil {
			return newError(KindTransport, "write", err)
		}
	default:
		b.abandonWrite(gaveUp)
	}
	return gaveUp
}

// abandonWrite marks the transport failed after a stalled stdin write,
// fails every pending request and closes stdin to release the writer.
func (b *Bridge) abandonWrite(cause error) {
	b.mu.Lock()
	if b.exitErr != nil {
		b.mu.Unlock()
		return
	}
	exitErr := newError(KindTransport, "write", fmt.Errorf("%w: %v", ErrStalled, cause))
	b.exitErr = exitErr
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()
	b.metrics.PendingChanged(0)

	for key, p := range pending {
		p.fail(exitErr.withCall(key, p.method))
	}
	b.log.Warn("bridge worker stopped reading stdin", "pending_failed", len(pending), "cause", cause)
	_ = b.stdin.Close()
}

func (b *Bridge) writeLine(line []byte) error {
	if _, err := b.writer.Write(line); err != nil {
		b.writer.Reset(b.stdin)
		return err
	}
	if err := b.writer.WriteByte('\n'); err != nil {
		b.writer.Reset(b.stdin)
		return err
	}
	if err := b.writer.Flush(); err != nil {
		b.writer.Reset(b.stdin)
		return err
	}
	return nil
}

// Subscribe returns an independent stream of notifications published from
// now on. Cancel closes the channel.
func (b *Bridge) Subscribe() (<-chan eventbus.Event, func()) {
	return b.bus.Subscribe(eventbus.TopicNotifications)
}

// Pending reports the number of requests awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Done is closed once the worker is gone and every pending request failed.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Err reports why the worker is gone, or nil while it is running.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitErr
}

func (b *Bridge) readStdout(r io.Reader) {
	defer b.readers.Done()
	defer close(b.stdoutEOF)
	lines := newLineReader(r)
	for {
		msg, err := lines.Next()
		if err != nil {
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				line := string(decodeErr.Line())
				preview := previewText(line, 200)
				b.log.Warn("bridge stdout line discarded", "preview", preview, "truncated", len(preview) < len(line), "err", err)
				b.metrics.InvalidLine()
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				b.log.Warn("bridge stdout read failed", "err", err)
			}
			return
		}
		if key, ok := IDKey(msg.ID); ok {
			if pending := b.claim(key); pending != nil {
				pending.ch <- msg
				continue
			}
		}
		b.bus.PublishNotification(schema.NotificationEvent{Method: msg.Method, Message: msg.Raw})
		b.metrics.NotificationPublished()
		b.log.Trace("bridge notification published", "method", msg.Method)
	}
}

func (b *Bridge) readStderr(r io.Reader) {
	defer b.readers.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	count := 0
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		count++
		preview := previewText(text, 200)
		b.log.Debug("bridge worker stderr", "preview", preview, "truncated", len(preview) < len(text))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
		b.log.Warn("bridge stderr read failed", "err", err)
	}
	if count > 0 {
		b.log.Debug("bridge stderr completed", "lines", count)
	}
}

// watch fails every pending request once stdout ends, since no reply can
// arrive after that.
func (b *Bridge) watch() {
	<-b.stdoutEOF
	cause := errors.New("worker stdout closed")
	if b.proc != nil {
		b.readers.Wait()
		cause = b.proc.wait()
	}

	b.mu.Lock()
	closing := b.closing
	exitErr := newError(KindTransport, "request", fmt.Errorf("%w: %v", ErrExited, cause))
	if b.exitErr == nil {
		b.exitErr = exitErr
	}
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.mu.Unlock()
	b.metrics.PendingChanged(0)

	for key, p := range pending {
		if closing {
			p.fail(newError(KindDropped, "request", ErrDropped).withCall(key, p.method))
			continue
		}
		p.fail(exitErr.withCall(key, p.method))
	}
	if closing {
		b.log.Info("bridge worker stopped", "pending_dropped", len(pending), "cause", cause)
	} else {
		b.log.Warn("bridge worker exited", "pending_failed", len(pending), "cause", cause)
	}
	close(b.done)
}

// Shutdown closes the worker's stdin, asks it to stop, and escalates to a
// kill after the grace period or when ctx ends. It is safe to call more than
// once and waits for the worker to be gone.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closing = true
		b.mu.Unlock()
		b.log.Info("bridge shutdown requested", "pending", b.Pending())
		_ = b.stdin.Close()
		if b.proc == nil {
			for _, closer := range b.closers {
				_ = closer.Close()
			}
			return
		}
		if err := b.proc.terminate(); err != nil {
			b.log.Debug("bridge terminate failed", "err", err)
		}
		go func() {
			timer := time.NewTimer(b.grace)
			defer timer.Stop()
			select {
			case <-b.done:
			case <-timer.C:
				b.log.Warn("bridge worker ignored terminate; killing", "grace", b.grace)
				_ = b.proc.kill()
			}
		}()
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		if b.proc != nil {
			_ = b.proc.kill()
		}
		return ctx.Err()
	}
}
