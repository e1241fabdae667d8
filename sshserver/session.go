package sshserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/eventbus"
	"pkt.systems/shellhost/internal/logx"
	"pkt.systems/shellhost/internal/terminal"
	"pkt.systems/shellhost/schema"
)

// detachKey (Ctrl-]) leaves an attached session running.
const detachKey = 0x1d

const usage = "usage: ssh host [new | attach <session-id>]\r\n"

type sessionCommand struct {
	create  bool
	session schema.SessionID
}

func parseCommand(args []string) (sessionCommand, error) {
	switch {
	case len(args) == 0, len(args) == 1 && args[0] == "new":
		return sessionCommand{create: true}, nil
	case len(args) == 2 && args[0] == "attach":
		id := schema.SessionID(strings.TrimSpace(args[1]))
		if err := schema.ValidateSessionID(id); err != nil {
			return sessionCommand{}, err
		}
		return sessionCommand{session: id}, nil
	default:
		return sessionCommand{}, fmt.Errorf("unknown command %q", strings.Join(args, " "))
	}
}

func dimension(value int) uint16 {
	if value <= 0 || value > 0xFFFF {
		return 0
	}
	return uint16(value)
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.logger
	if log == nil {
		log = pslog.Ctx(sess.Context())
	}
	log = log.With("user", sess.User(), "remote", sess.RemoteAddr().String())
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	ctx := pslog.ContextWithLogger(sess.Context(), log)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}
	cmd, err := parseCommand(sess.Command())
	if err != nil {
		log.Info("ssh session rejected", "reason", "bad command", "err", err)
		_, _ = io.WriteString(sess, err.Error()+"\r\n"+usage)
		_ = sess.Exit(2)
		return
	}

	id := cmd.session
	if cmd.create {
		desc, err := s.Terminals.Create(ctx, terminal.CreateRequest{
			Env:  map[string]string{"TERM": pty.Term},
			Cols: dimension(pty.Window.Width),
			Rows: dimension(pty.Window.Height),
		})
		if err != nil {
			log.Warn("ssh session create failed", "err", err)
			_, _ = fmt.Fprintf(sess, "create session: %v\r\n", err)
			_ = sess.Exit(1)
			return
		}
		id = desc.ID
		defer func() {
			if err := s.Terminals.Close(id); err != nil {
				log.Debug("ssh session close failed", "session", id, "err", err)
			}
		}()
	}
	log = logx.Session(ctx, id)
	ctx = logx.Bind(ctx, log, logx.SessionMark(id))
	code := s.attach(ctx, sess, id, cmd.create, pty.Window, winCh, log)
	_ = sess.Exit(code)
}

// attach streams session output to the client and client input to the
// session until the shell exits, the client detaches or disconnects.
func (s *Server) attach(ctx context.Context, sess gliderssh.Session, id schema.SessionID, owned bool, window gliderssh.Window, winCh <-chan gliderssh.Window, log pslog.Logger) int {
	snapshot, events, unsubscribe, err := s.Terminals.Follow(id)
	if err != nil {
		log.Info("ssh attach failed", "err", err)
		_, _ = fmt.Fprintf(sess, "attach %s: %v\r\n", id, err)
		return 1
	}
	defer unsubscribe()
	exited, err := s.Terminals.Exited(id)
	if err != nil {
		_, _ = fmt.Fprintf(sess, "attach %s: %v\r\n", id, err)
		return 1
	}
	if !owned {
		if cols, rows := dimension(window.Width), dimension(window.Height); cols > 0 && rows > 0 {
			_ = s.Terminals.Resize(id, cols, rows)
		}
	}
	log.Info("ssh session attached", "owned", owned, "replay_bytes", snapshot.ByteLength)
	if snapshot.Output != "" {
		_, _ = io.WriteString(sess, snapshot.Output)
	}
	out := &outputStream{w: sess, id: id, terminals: s.Terminals, next: snapshot.ByteLength, log: log}

	detached := make(chan struct{})
	go s.pumpInput(sess, id, detached, log)
	go func() {
		for win := range winCh {
			cols, rows := dimension(win.Width), dimension(win.Height)
			if cols == 0 || rows == 0 {
				continue
			}
			if err := s.Terminals.Resize(id, cols, rows); err != nil {
				log.Debug("ssh resize failed", "err", err)
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return 0
			}
			if code, done := out.deliver(event); done {
				out.catchUp()
				log.Info("ssh session ended", "exit_code", code)
				return code
			}
		case <-exited:
			code := out.drain(events)
			log.Info("ssh session ended", "exit_code", code)
			return code
		case <-detached:
			_, _ = io.WriteString(sess, "\r\n[detached]\r\n")
			log.Info("ssh session detached")
			return 0
		case <-ctx.Done():
			log.Info("ssh client disconnected")
			return 0
		}
	}
}

// exitWait bounds how long drain waits for the exit event once the shell
// is gone.
const exitWait = 250 * time.Millisecond

// outputStream writes session output to the client once and in order,
// tracking the buffer offset of the next byte. Output the bus dropped for
// a slow subscriber is re-read from the session buffer.
type outputStream struct {
	w         io.Writer
	id        schema.SessionID
	terminals Terminals
	next      int
	log       pslog.Logger
}

// deliver writes one event to the client and reports whether the shell exited.
func (o *outputStream) deliver(event eventbus.Event) (int, bool) {
	switch event.Type {
	case eventbus.EventTerminalOutput:
		o.write(event.Output)
	case eventbus.EventTerminalExit:
		return event.Exit.ExitCode, true
	}
	return 0, false
}

func (o *outputStream) write(chunk schema.TerminalOutputEvent) {
	end := chunk.Offset + len(chunk.Data)
	switch {
	case end <= o.next:
	case chunk.Offset > o.next:
		missing := chunk.Offset - o.next
		if !o.catchUp() {
			_, _ = o.w.Write(chunk.Data)
			o.next = end
			return
		}
		o.log.Debug("ssh output gap recovered", "missing_bytes", missing)
	default:
		_, _ = o.w.Write(chunk.Data[o.next-chunk.Offset:])
		o.next = end
	}
}

// catchUp writes everything captured after the last delivered byte.
func (o *outputStream) catchUp() bool {
	data, end, err := o.terminals.OutputSince(o.id, o.next)
	if err != nil {
		o.log.Debug("ssh output reread failed", "err", err)
		return false
	}
	if len(data) > 0 {
		_, _ = o.w.Write(data)
	}
	o.next = end
	return true
}

// drain flushes queued events after the shell exited and returns its exit
// code. It gives up after exitWait without events.
func (o *outputStream) drain(events <-chan eventbus.Event) int {
	timer := time.NewTimer(exitWait)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				o.catchUp()
				return 0
			}
			if code, done := o.deliver(event); done {
				o.catchUp()
				return code
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(exitWait)
		case <-timer.C:
			o.catchUp()
			return 0
		}
	}
}

func (s *Server) pumpInput(sess gliderssh.Session, id schema.SessionID, detached chan<- struct{}, log pslog.Logger) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			idx := bytes.IndexByte(chunk, detachKey)
			if idx >= 0 {
				chunk = chunk[:idx]
			}
			if len(chunk) > 0 {
				if werr := s.Terminals.Write(id, string(chunk)); werr != nil {
					log.Debug("ssh input write failed", "err", werr)
					return
				}
			}
			if idx >= 0 {
				close(detached)
				return
			}
		}
		if err != nil {
			return
		}
	}
}
