// Package terminal runs interactive shells on pseudo-terminals and keeps the
// full output of each session for later attach.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/schema"
)

const (
	// DefaultCols is used when a create request has no width.
	DefaultCols uint16 = 120
	// DefaultRows is used when a create request has no height.
	DefaultRows uint16 = 30

	chunkQueue = 64
	readSize   = 4096
)

// Config controls how shells are started.
type Config struct {
	// Shell overrides the platform default shell.
	Shell       string
	ShellArgs   []string
	DefaultCwd  string
	DefaultCols uint16
	DefaultRows uint16
}

// Options wires the manager to its collaborators.
type Options struct {
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	// Bus receives terminal events. A private bus is created when nil.
	Bus *eventbus.Bus
}

// CreateRequest describes a new session. Zero values fall back to defaults.
type CreateRequest struct {
	Cwd  string
	Env  map[string]string
	Cols uint16
	Rows uint16
}

// Manager owns the session table.
type Manager struct {
	cfg     Config
	log     pslog.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus

	mu       sync.Mutex
	sessions map[schema.SessionID]*session
}

type session struct {
	id      schema.SessionID
	created time.Time
	log     pslog.Logger

	metaMu sync.Mutex
	desc   schema.SessionDescriptor

	writeMu sync.Mutex
	ptmx    *os.File
	cmd     *exec.Cmd

	outMu  sync.Mutex
	output []byte

	closeOnce sync.Once
	exited    chan struct{}
}

// NewManager constructs an empty session table.
func NewManager(cfg Config, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	bus := opts.Bus
	if bus == nil {
		bus = eventbus.New(log)
	}
	if cfg.DefaultCwd == "" {
		cfg.DefaultCwd = "."
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = DefaultCols
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = DefaultRows
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		metrics:  opts.Metrics,
		bus:      bus,
		sessions: make(map[schema.SessionID]*session),
	}
}

// Bus returns the bus terminal events are published on.
func (m *Manager) Bus() *eventbus.Bus {
	return m.bus
}

// DefaultShell returns the shell used when none is configured.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		if shell := os.Getenv("ComSpec"); shell != "" {
			return shell
		}
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "sh"
}

func (m *Manager) shell() string {
	if m.cfg.Shell != "" {
		return m.cfg.Shell
	}
	return DefaultShell()
}

// Create starts a shell on a new PTY and begins capturing its output.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (schema.SessionDescriptor, error) {
	cwd := strings.TrimSpace(req.Cwd)
	if cwd == "" {
		cwd = m.cfg.DefaultCwd
	}
	cols := req.Cols
	if cols == 0 {
		cols = m.cfg.DefaultCols
	}
	rows := req.Rows
	if rows == 0 {
		rows = m.cfg.DefaultRows
	}
	env := make(map[string]string, len(req.Env))
	for key, value := range req.Env {
		env[key] = value
	}

	shell := m.shell()
	cmd := exec.Command(shell, m.cfg.ShellArgs...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, key+"="+env[key])
	}

	id := schema.SessionID(uuid.NewString())
	log := pslog.Ctx(ctx).With("session", id)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		log.Warn("terminal session start failed", "shell", shell, "cwd", cwd, "err", err)
		return schema.SessionDescriptor{}, fmt.Errorf("start shell %s: %w", shell, err)
	}

	s := &session{
		id:      id,
		created: time.Now(),
		log:     log,
		desc:    schema.SessionDescriptor{ID: id, Cwd: cwd, Env: env, Cols: cols, Rows: rows},
		ptmx:    ptmx,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[id] = s
	count := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SessionOpened()

	chunks := make(chan []byte, chunkQueue)
	go readPTY(ptmx, chunks, log)
	go m.own(s, chunks)
	go m.reap(s)

	log.Info("terminal session created", "shell", shell, "cwd", cwd, "cols", cols, "rows", rows, "pid", cmd.Process.Pid, "sessions", count)
	return s.descriptor(), nil
}

// readPTY copies PTY output into chunks until EOF or a read error. It never
// touches the session table.
func readPTY(r io.Reader, chunks chan<- []byte, log pslog.Logger) {
	defer close(chunks)
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks <- chunk
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				log.Debug("terminal read stopped", "err", err)
			}
			return
		}
	}
}

// own is the only writer of the session buffer. Publishing under outMu keeps
// Follow snapshots and live events contiguous.
func (m *Manager) own(s *session, chunks <-chan []byte) {
	for chunk := range chunks {
		s.outMu.Lock()
		offset := len(s.output)
		s.output = append(s.output, chunk...)
		m.bus.PublishTerminalOutput(schema.TerminalOutputEvent{SessionID: s.id, Data: chunk, Offset: offset})
		s.outMu.Unlock()
		m.metrics.OutputCaptured(len(chunk))
	}
	s.log.Debug("terminal output drained")
}

func (m *Manager) reap(s *session) {
	err := s.cmd.Wait()
	exitCode := 0
	event := schema.TerminalExitEvent{SessionID: s.id}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			event.Error = err.Error()
		}
	}
	event.ExitCode = exitCode
	// Publish first: followers that see exited closed find the exit event queued.
	m.bus.PublishTerminalExit(event)
	close(s.exited)
	s.log.Info("terminal shell exited", "exit_code", exitCode)
}

func (m *Manager) lookup(id schema.SessionID) (*session, error) {
	if err := schema.ValidateSessionID(id); err != nil {
		return nil, fmt.Errorf("%w: %q", schema.ErrSessionNotFound, id)
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrSessionNotFound, id)
	}
	return s, nil
}

func (s *session) descriptor() schema.SessionDescriptor {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	desc := s.desc
	desc.Env = make(map[string]string, len(s.desc.Env))
	for key, value := range s.desc.Env {
		desc.Env[key] = value
	}
	return desc
}

func (s *session) snapshot() schema.AttachResult {
	s.outMu.Lock()
	raw := append([]byte(nil), s.output...)
	s.outMu.Unlock()
	return schema.AttachResult{
		Session:    s.descriptor(),
		Output:     strings.ToValidUTF8(string(raw), "\uFFFD"),
		ByteLength: len(raw),
	}
}

// Attach returns everything the session has printed so far.
func (m *Manager) Attach(id schema.SessionID) (schema.AttachResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return schema.AttachResult{}, err
	}
	return s.snapshot(), nil
}

// Follow returns the output so far plus a subscription to later output with
// no gap and no overlap between the two.
func (m *Manager) Follow(id schema.SessionID) (schema.AttachResult, <-chan eventbus.Event, func(), error) {
	s, err := m.lookup(id)
	if err != nil {
		return schema.AttachResult{}, nil, nil, err
	}
	s.outMu.Lock()
	raw := append([]byte(nil), s.output...)
	events, cancel := m.bus.Subscribe(eventbus.TerminalTopic(id))
	s.outMu.Unlock()
	return schema.AttachResult{
		Session:    s.descriptor(),
		Output:     strings.ToValidUTF8(string(raw), "\uFFFD"),
		ByteLength: len(raw),
	}, events, cancel, nil
}

// OutputSince returns the raw bytes captured from offset on, plus the
// buffer length they end at.
func (m *Manager) OutputSince(id schema.SessionID, offset int) ([]byte, int, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	n := len(s.output)
	if offset < 0 || offset > n {
		return nil, n, fmt.Errorf("offset %d outside %d bytes of output", offset, n)
	}
	return append([]byte(nil), s.output[offset:]...), n, nil
}

// Exited is closed when the session shell exits.
func (m *Manager) Exited(id schema.SessionID) (<-chan struct{}, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.exited, nil
}

// Write sends raw input to the session.
func (m *Manager) Write(id schema.SessionID, text string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.ptmx, text); err != nil {
		s.log.Debug("terminal write failed", "err", err)
		return fmt.Errorf("write to session %s: %w", id, err)
	}
	return nil
}

// Resize changes the PTY geometry and the descriptor together.
func (m *Manager) Resize(id schema.SessionID, cols, rows uint16) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: cols and rows must be positive", schema.ErrInvalidRequest)
	}
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}
	s.desc.Cols = cols
	s.desc.Rows = rows
	s.log.Debug("terminal session resized", "cols", cols, "rows", rows)
	return nil
}

// Close removes the session, closes its PTY and kills the shell.
func (m *Manager) Close(id schema.SessionID) error {
	if err := schema.ValidateSessionID(id); err != nil {
		return fmt.Errorf("%w: %q", schema.ErrSessionNotFound, id)
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", schema.ErrSessionNotFound, id)
	}
	m.release(s)
	s.log.Info("terminal session closed", "sessions", count)
	return nil
}

func (m *Manager) release(s *session) {
	s.closeOnce.Do(func() {
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			if err := killGroup(s.cmd.Process); err != nil {
				s.log.Debug("terminal kill failed", "err", err)
			}
		}
		m.metrics.SessionClosed()
	})
}

// List returns descriptors in creation order.
func (m *Manager) List() []schema.SessionDescriptor {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].created.Before(sessions[j].created)
	})
	out := make([]schema.SessionDescriptor, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.descriptor())
	}
	return out
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[schema.SessionID]*session)
	m.mu.Unlock()
	for _, s := range sessions {
		m.release(s)
	}
	if len(sessions) > 0 {
		m.log.Info("terminal sessions closed", "count", len(sessions))
	}
}
