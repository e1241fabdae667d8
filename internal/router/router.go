// Package router classifies UI requests and runs them locally, against the
// terminal sessions, or on the worker bridge.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/bridge"
	"pkt.systems/shellhost/internal/logx"
	"pkt.systems/shellhost/internal/metrics"
	"pkt.systems/shellhost/internal/terminal"
	"pkt.systems/shellhost/schema"
)

// Bridge forwards requests to the worker.
type Bridge interface {
	Request(ctx context.Context, call bridge.Call) (bridge.Message, error)
}

// Terminals manages shell sessions.
type Terminals interface {
	Create(ctx context.Context, req terminal.CreateRequest) (schema.SessionDescriptor, error)
	Attach(id schema.SessionID) (schema.AttachResult, error)
	Write(id schema.SessionID, text string) error
	Resize(id schema.SessionID, cols, rows uint16) error
	Close(id schema.SessionID) error
}

// StateStore persists whole JSON documents by key.
type StateStore interface {
	GetJSON(key string) (json.RawMessage, error)
	SetJSON(key string, value json.RawMessage) error
}

// Worker answers in-process worker messages.
type Worker interface {
	Handle(ctx context.Context, req schema.WorkerRequest) schema.WorkerResponse
}

// State keys for the configuration and global-state documents.
const (
	KeyConfiguration = "configuration"
	KeyGlobalState   = "global-state"
)

// DefaultRequestTimeout bounds forwarded requests.
const DefaultRequestTimeout = 120 * time.Second

// Config holds router defaults.
type Config struct {
	// AllowedReadRoots is canonicalized by New; empty means the working directory.
	AllowedReadRoots []string
	DefaultCwd       string
	DefaultCols      uint16
	DefaultRows      uint16
	RequestTimeout   time.Duration
}

// Options wires collaborators. Bridge and Git may be nil. Logger, when set,
// replaces the logger carried by request contexts.
type Options struct {
	Logger    pslog.Logger
	Metrics   *metrics.Metrics
	Bridge    Bridge
	Terminals Terminals
	Store     StateStore
	Git       Worker
}

type handlerFunc func(ctx context.Context, p params) (any, error)

// Router dispatches UI requests.
type Router struct {
	cfg       Config
	logger    pslog.Logger
	metrics   *metrics.Metrics
	bridge    Bridge
	terminals Terminals
	store     StateStore
	git       Worker
	roots     []string
	handlers  map[string]handlerFunc
}

// New builds a router. It fails when the local handler set and the local
// routes of the registry differ.
func New(cfg Config, opts Options) (*Router, error) {
	if opts.Terminals == nil {
		return nil, errors.New("router: terminal manager is required")
	}
	if opts.Store == nil {
		return nil, errors.New("router: state store is required")
	}
	if cfg.DefaultCwd == "" {
		cfg.DefaultCwd = "."
	}
	if cfg.DefaultCols == 0 {
		cfg.DefaultCols = 120
	}
	if cfg.DefaultRows == 0 {
		cfg.DefaultRows = 30
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	r := &Router{
		cfg:       cfg,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		bridge:    opts.Bridge,
		terminals: opts.Terminals,
		store:     opts.Store,
		git:       opts.Git,
		roots:     ResolveAllowedRoots(cfg.AllowedReadRoots),
	}
	r.handlers = map[string]handlerFunc{
		MethodGetConfiguration: r.getState(KeyConfiguration),
		MethodGetGlobalState:   r.getState(KeyGlobalState),
		MethodDispatchRegistry: r.dispatchRegistry,
		MethodOSInfo:           r.osInfo,
		MethodLocalEnvironment: r.localEnvironment,
		MethodPathsExist:       r.pathsExist,
		MethodReadFile:         r.readFile,
		MethodSetConfiguration: r.setState(KeyConfiguration),
		MethodSetGlobalState:   r.setState(KeyGlobalState),
		MethodTerminalCreate:   r.terminalCreate,
		MethodTerminalAttach:   r.terminalAttach,
		MethodTerminalWrite:    r.terminalWrite,
		MethodTerminalResize:   r.terminalResize,
		MethodTerminalClose:    r.terminalClose,
	}
	if err := checkHandlers(r.handlers); err != nil {
		return nil, err
	}
	r.baseLogger(context.Background()).Debug("router ready", "allowed_roots", r.roots, "bridge", r.bridge != nil, "git_worker", r.git != nil)
	return r, nil
}

func (r *Router) baseLogger(ctx context.Context) pslog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return pslog.Ctx(ctx)
}

func checkHandlers(handlers map[string]handlerFunc) error {
	for method, route := range registry {
		_, has := handlers[method]
		local := route.Kind == KindLocalQuery || route.Kind == KindLocalMutation
		switch {
		case local && !has:
			return fmt.Errorf("router: local method %q has no handler", method)
		case !local && has:
			return fmt.Errorf("router: method %q has a handler but is %s", method, route.Kind)
		}
	}
	for method := range handlers {
		if _, ok := registry[method]; !ok {
			return fmt.Errorf("router: handler %q is not registered", method)
		}
	}
	return nil
}

// AllowedRoots returns the canonical read roots in effect.
func (r *Router) AllowedRoots() []string {
	return slices.Clone(r.roots)
}

// HasBridge reports whether forwardable methods can reach a worker.
func (r *Router) HasBridge() bool {
	return r.bridge != nil
}

// HandleQuery runs a request from the query surface.
func (r *Router) HandleQuery(ctx context.Context, req schema.HostRequest) schema.HostResponse {
	return r.handle(ctx, SurfaceQuery, req)
}

// HandleMutation runs a request from the mutation surface.
func (r *Router) HandleMutation(ctx context.Context, req schema.HostRequest) schema.HostResponse {
	return r.handle(ctx, SurfaceMutation, req)
}

func (r *Router) handle(ctx context.Context, surface Surface, req schema.HostRequest) schema.HostResponse {
	if ctx == nil {
		ctx = context.Background()
	}
	if req.RequestID == "" {
		req.RequestID = schema.RequestID(uuid.NewString())
	}
	if r.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, r.logger)
	}
	log := logx.WithMethod(logx.Request(ctx, req.RequestID), req.Method).With("surface", string(surface))
	ctx = logx.Bind(ctx, log, logx.RequestMark(req.RequestID))

	route, ok := Lookup(req.Method)
	if !ok || route.Surface != surface {
		code := schema.CodeQueryMethodUnknown
		if surface == SurfaceMutation {
			code = schema.CodeMutationMethodUnknown
		}
		log.Warn("router method rejected", "reason", rejectReason(req.Method, ok))
		r.metrics.Routed(string(surface), KindUnknown.String(), false)
		return schema.ErrResponse(req.RequestID, code, fmt.Sprintf("%s method '%s' is not registered", surface, req.Method))
	}

	start := time.Now()
	var resp schema.HostResponse
	if route.Kind == KindForwardable {
		resp = r.forward(ctx, req)
	} else {
		resp = r.runLocal(ctx, req)
	}
	r.metrics.Routed(string(surface), route.Kind.String(), resp.OK)
	fields := []any{"kind", route.Kind.String(), "ok", resp.OK, "duration_ms", time.Since(start).Milliseconds()}
	if resp.Error != nil {
		fields = append(fields, "code", resp.Error.Code)
	}
	log.Debug("router request handled", fields...)
	return resp
}

func rejectReason(method string, registered bool) string {
	if registered {
		return "wrong_surface"
	}
	if _, err := schema.NormalizeMethod(method); errors.Is(err, schema.ErrMissingMethod) {
		return "missing_method"
	}
	return "unregistered"
}

func (r *Router) runLocal(ctx context.Context, req schema.HostRequest) schema.HostResponse {
	result, err := r.handlers[req.Method](ctx, decodeParams(req.Params))
	if err != nil {
		var herr *hostError
		if errors.As(err, &herr) {
			pslog.Ctx(ctx).Warn("router local request failed", "code", herr.code, "err", herr.message)
			return schema.HostResponse{RequestID: req.RequestID, Error: herr.envelope()}
		}
		pslog.Ctx(ctx).Error("router local request failed", "err", err)
		return schema.ErrResponse(req.RequestID, schema.CodeSerializationError, err.Error())
	}
	data, err := marshalResult(result)
	if err != nil {
		pslog.Ctx(ctx).Error("router result encode failed", "err", err)
		return schema.ErrResponse(req.RequestID, schema.CodeSerializationError, err.Error())
	}
	return schema.OKResponse(req.RequestID, data)
}

func marshalResult(result any) (json.RawMessage, error) {
	if raw, ok := result.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(result)
}

// hostError is a handler failure with a UI error code.
type hostError struct {
	code    string
	message string
	details json.RawMessage
}

func (e *hostError) Error() string {
	return e.code + ": " + e.message
}

func (e *hostError) envelope() *schema.HostError {
	return &schema.HostError{Code: e.code, Message: e.message, Details: e.details}
}

func failf(code, format string, args ...any) error {
	return &hostError{code: code, message: fmt.Sprintf(format, args...)}
}

func fail(code string, err error) error {
	return &hostError{code: code, message: err.Error()}
}
