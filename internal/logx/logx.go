// Package logx attaches shellhost identifiers to pslog loggers.
//
// The With* helpers annotate a logger directly. Bind stores a logger on a
// context together with marks naming the identifiers it already carries,
// so Request and Session do not repeat a field when scopes nest.
package logx

import (
	"context"
	"maps"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/schema"
)

const (
	requestField = "request"
	sessionField = "session"
)

type marksKey struct{}

// Mark names an identifier already present on a bound logger.
type Mark struct {
	field string
	value string
}

// RequestMark marks the request id as bound.
func RequestMark(id schema.RequestID) Mark { return Mark{field: requestField, value: string(id)} }

// SessionMark marks the session id as bound.
func SessionMark(id schema.SessionID) Mark { return Mark{field: sessionField, value: string(id)} }

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRequest annotates log with a request id.
func WithRequest(log pslog.Logger, id schema.RequestID) pslog.Logger {
	return with(log, requestField, string(id))
}

// WithSession annotates log with a session id.
func WithSession(log pslog.Logger, id schema.SessionID) pslog.Logger {
	return with(log, sessionField, string(id))
}

// WithMethod annotates log with a method name.
func WithMethod(log pslog.Logger, method string) pslog.Logger {
	return with(log, "method", method)
}

// WithWorker annotates log with the worker and its request id.
func WithWorker(log pslog.Logger, workerID schema.WorkerID, requestID string) pslog.Logger {
	return with(with(log, "worker", string(workerID)), "worker_request", requestID)
}

func with(log pslog.Logger, field, value string) pslog.Logger {
	if value == "" {
		return log
	}
	return log.With(field, value)
}

// Request returns the context logger with the request id, unless the
// context already marks it as bound.
func Request(ctx context.Context, id schema.RequestID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if bound(ctx, RequestMark(id)) {
		return log
	}
	return WithRequest(log, id)
}

// Session returns the context logger with the session id, unless the
// context already marks it as bound.
func Session(ctx context.Context, id schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if bound(ctx, SessionMark(id)) {
		return log
	}
	return WithSession(log, id)
}

// Bind stores log on ctx and records the marks it carries. Marks from
// outer scopes are kept.
func Bind(ctx context.Context, log pslog.Logger, marks ...Mark) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	if len(marks) == 0 {
		return ctx
	}
	current, _ := ctx.Value(marksKey{}).(map[string]string)
	next := maps.Clone(current)
	if next == nil {
		next = make(map[string]string, len(marks))
	}
	for _, m := range marks {
		if m.value != "" {
			next[m.field] = m.value
		}
	}
	return context.WithValue(ctx, marksKey{}, next)
}

func bound(ctx context.Context, m Mark) bool {
	if m.value == "" {
		return false
	}
	current, _ := ctx.Value(marksKey{}).(map[string]string)
	return current[m.field] == m.value
}
