// Package workermock is a scripted stand-in for the assistant worker. It
// speaks the same line-delimited JSON-RPC on stdio and is driven by method
// names so tests can provoke replies, errors, notifications and exits.
package workermock

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Mode selects how the mock answers.
type Mode string

const (
	// ModeEcho answers every request.
	ModeEcho Mode = "echo"
	// ModeSilent reads requests and never answers.
	ModeSilent Mode = "silent"
)

// Methods with scripted behaviour in echo mode.
const (
	MethodError   = "mock/error"
	MethodNotify  = "mock/notify"
	MethodGarbage = "mock/garbage"
	MethodExit    = "mock/exit"
	MethodSleep   = "mock/sleep"
	// NotificationMethod is the method of notifications sent by MethodNotify.
	NotificationMethod = "mock/notified"
	// ReadyLine is written to stderr once the mock reads stdin.
	ReadyLine = "workermock ready"
)

// ExitError asks the caller to exit with Code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("workermock exit %d", e.Code)
}

// ParseMode accepts echo or silent, defaulting to echo.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeEcho:
		return ModeEcho, nil
	case ModeSilent:
		return ModeSilent, nil
	default:
		return "", fmt.Errorf("unknown workermock mode %q", raw)
	}
}

type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type mock struct {
	mode   Mode
	mu     sync.Mutex
	out    io.Writer
	wg     sync.WaitGroup
	exitCh chan int
}

// Run serves requests from in until EOF, an exit request, or ctx ends.
func Run(ctx context.Context, mode Mode, in io.Reader, out io.Writer, errOut io.Writer) error {
	m := &mock{mode: mode, out: out, exitCh: make(chan int, 1)}
	if errOut != nil {
		_, _ = fmt.Fprintln(errOut, ReadyLine)
	}
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		reader := bufio.NewReaderSize(in, 64*1024)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- bytes.TrimSpace(line):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case code := <-m.exitCh:
			return &ExitError{Code: code}
		case err := <-readErr:
			m.wg.Wait()
			if err == io.EOF {
				return nil
			}
			return err
		case line := <-lines:
			m.handle(line)
		}
	}
}

func (m *mock) handle(line []byte) {
	if m.mode == ModeSilent {
		return
	}
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return
	}
	if len(req.ID) == 0 || string(req.ID) == "null" {
		return
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	switch req.Method {
	case MethodError:
		m.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32000, "message": "mock failure", "data": params},
		})
	case MethodNotify:
		m.write(map[string]any{"jsonrpc": "2.0", "method": NotificationMethod, "params": params})
		m.reply(req.ID, map[string]any{"notified": true})
	case MethodGarbage:
		m.writeRaw([]byte("this is not json"))
		m.writeRaw([]byte(`[1,2,3]`))
		m.reply(req.ID, map[string]any{"garbage": true})
	case MethodExit:
		var p struct {
			Code *int `json:"code"`
		}
		_ = json.Unmarshal(params, &p)
		code := 3
		if p.Code != nil {
			code = *p.Code
		}
		select {
		case m.exitCh <- code:
		default:
		}
	case MethodSleep:
		var p struct {
			MS int `json:"ms"`
		}
		_ = json.Unmarshal(params, &p)
		m.wg.Add(1)
		go func(id json.RawMessage) {
			defer m.wg.Done()
			time.Sleep(time.Duration(p.MS) * time.Millisecond)
			m.reply(id, map[string]any{"slept": p.MS})
		}(req.ID)
	default:
		m.reply(req.ID, map[string]any{"echo": params})
	}
}

func (m *mock) reply(id json.RawMessage, result any) {
	m.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (m *mock) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	m.writeRaw(data)
}

func (m *mock) writeRaw(line []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = m.out.Write(append(append([]byte(nil), line...), '\n'))
}
