package router

import (
	"context"
	"errors"
	"os"
	"runtime"
	"strings"
	"unicode/utf8"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/terminal"
	"pkt.systems/shellhost/schema"
)

// localEnvKeys are the environment variables local-environment reports.
var localEnvKeys = []string{"SHELL", "ComSpec", "HOME", "USERPROFILE", "PATH", "TERM"}

func (r *Router) getState(key string) handlerFunc {
	return func(ctx context.Context, _ params) (any, error) {
		value, err := r.store.GetJSON(key)
		if err != nil {
			return nil, fail(schema.CodeStateError, err)
		}
		return value, nil
	}
}

func (r *Router) setState(key string) handlerFunc {
	return func(ctx context.Context, p params) (any, error) {
		if err := r.store.SetJSON(key, p.value("value")); err != nil {
			return nil, fail(schema.CodeStateError, err)
		}
		pslog.Ctx(ctx).Info("router state saved", "key", key)
		return map[string]bool{"saved": true}, nil
	}
}

func (r *Router) dispatchRegistry(context.Context, params) (any, error) {
	return Registry(), nil
}

type osInfoResult struct {
	OS     string `json:"os"`
	Arch   string `json:"arch"`
	Family string `json:"family"`
}

func (r *Router) osInfo(context.Context, params) (any, error) {
	family := "unix"
	if runtime.GOOS == "windows" {
		family = "windows"
	}
	return osInfoResult{OS: runtime.GOOS, Arch: runtime.GOARCH, Family: family}, nil
}

type localEnvironmentResult struct {
	Cwd   string            `json:"cwd"`
	Env   map[string]string `json:"env"`
	Shell *string           `json:"shell"`
}

func (r *Router) localEnvironment(context.Context, params) (any, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	env := make(map[string]string, len(localEnvKeys))
	for _, key := range localEnvKeys {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	out := localEnvironmentResult{Cwd: cwd, Env: env}
	if shell, ok := env["SHELL"]; ok {
		out.Shell = &shell
	} else if shell, ok := env["ComSpec"]; ok {
		out.Shell = &shell
	}
	return out, nil
}

type pathExists struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

func (r *Router) pathsExist(_ context.Context, p params) (any, error) {
	paths := p.strings("paths")
	items := make([]pathExists, 0, len(paths))
	for _, path := range paths {
		_, err := os.Stat(path)
		items = append(items, pathExists{Path: path, Exists: err == nil})
	}
	return map[string][]pathExists{"items": items}, nil
}

type fileContents struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

func (r *Router) readFile(ctx context.Context, p params) (any, error) {
	path := p.text("path")
	if strings.TrimSpace(path) == "" {
		return nil, failf(schema.CodeInvalidPath, "%s", schema.ErrInvalidPath)
	}
	log := pslog.Ctx(ctx)
	canonical, err := canonicalize(path)
	if err != nil {
		log.Debug("router read-file resolve failed", "path", path, "err", err)
		return nil, failf(schema.CodeIOError, "failed to read file")
	}
	if !withinRoots(canonical, r.roots) {
		log.Warn("router read-file outside allowed roots", "path", canonical)
		return nil, failf(schema.CodePathNotAllowed, "%s", schema.ErrPathNotAllowed)
	}
	data, err := os.ReadFile(canonical)
	if err != nil || !utf8.Valid(data) {
		log.Debug("router read-file failed", "path", canonical, "err", err)
		return nil, failf(schema.CodeIOError, "failed to read file")
	}
	return fileContents{Path: canonical, Contents: string(data)}, nil
}

func (r *Router) terminalCreate(ctx context.Context, p params) (any, error) {
	cwd := p.text("cwd")
	if cwd == "" {
		cwd = r.cfg.DefaultCwd
	}
	desc, err := r.terminals.Create(ctx, terminal.CreateRequest{
		Cwd:  cwd,
		Env:  p.env("env"),
		Cols: p.dimension("cols", r.cfg.DefaultCols),
		Rows: p.dimension("rows", r.cfg.DefaultRows),
	})
	if err != nil {
		return nil, fail(schema.CodeTerminalError, err)
	}
	return desc, nil
}

func (r *Router) terminalAttach(_ context.Context, p params) (any, error) {
	result, err := r.terminals.Attach(sessionParam(p))
	if err != nil {
		return nil, fail(schema.CodeTerminalError, err)
	}
	return result, nil
}

func (r *Router) terminalWrite(_ context.Context, p params) (any, error) {
	if err := r.terminals.Write(sessionParam(p), p.text("text")); err != nil {
		return nil, fail(schema.CodeTerminalError, err)
	}
	return okResult, nil
}

func (r *Router) terminalResize(_ context.Context, p params) (any, error) {
	id := sessionParam(p)
	cols := p.dimension("cols", r.cfg.DefaultCols)
	rows := p.dimension("rows", r.cfg.DefaultRows)
	if err := r.terminals.Resize(id, cols, rows); err != nil {
		return nil, fail(schema.CodeTerminalError, err)
	}
	return okResult, nil
}

func (r *Router) terminalClose(ctx context.Context, p params) (any, error) {
	id := sessionParam(p)
	if err := r.terminals.Close(id); err != nil {
		if !errors.Is(err, schema.ErrSessionNotFound) {
			pslog.Ctx(ctx).Warn("router terminal close failed", "session", id, "err", err)
		}
		return nil, fail(schema.CodeTerminalError, err)
	}
	return okResult, nil
}

var okResult = map[string]bool{"ok": true}

func sessionParam(p params) schema.SessionID {
	return schema.SessionID(p.text("id"))
}
