// Package gitworker answers "git" worker messages from the UI by running git
// in the requested working directory.
package gitworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pslog"
	"pkt.systems/shellhost/internal/git"
	"pkt.systems/shellhost/internal/logx"
	"pkt.systems/shellhost/schema"
)

type handler func(ctx context.Context, cwd string, p params) (any, error)

// Service dispatches git worker methods.
type Service struct {
	handlers map[string]handler
}

// Methods lists the supported methods in registry order.
var Methods = []string{
	"stable-metadata",
	"current-branch",
	"upstream-branch",
	"branch-ahead-count",
	"default-branch",
	"base-branch",
	"recent-branches",
	"branch-changes",
	"status-summary",
	"staged-and-unstaged-changes",
	"untracked-changes",
	"tracked-uncommitted-changes",
	"submodule-paths",
	"cat-file",
	"index-info",
	"config-value",
	"set-config-value",
	"create-worktree",
	"restore-worktree",
	"delete-worktree",
	"apply-changes",
	"commit",
	"list-worktrees",
	"codex-worktree",
	"worktree-snapshot-ref",
	"git-init-repo",
	"invalidate-stable-metadata",
}

// New constructs the git worker.
func New() *Service {
	s := &Service{}
	s.handlers = map[string]handler{
		"stable-metadata":             stableMetadata,
		"current-branch":              currentBranch,
		"upstream-branch":             upstreamBranch,
		"branch-ahead-count":          branchAheadCount,
		"default-branch":              defaultBranch,
		"base-branch":                 baseBranch,
		"recent-branches":             recentBranches,
		"branch-changes":              branchChanges,
		"status-summary":              statusSummary,
		"staged-and-unstaged-changes": stagedAndUnstaged,
		"untracked-changes":           untrackedChanges,
		"tracked-uncommitted-changes": trackedUncommitted,
		"submodule-paths":             submodulePaths,
		"cat-file":                    catFile,
		"index-info":                  indexInfo,
		"config-value":                configValue,
		"set-config-value":            setConfigValue,
		"create-worktree":             createWorktree,
		"restore-worktree":            restoreWorktree,
		"delete-worktree":             deleteWorktree,
		"apply-changes":               applyChanges,
		"commit":                      commit,
		"list-worktrees":              listWorktrees,
		"codex-worktree":              codexWorktree,
		"worktree-snapshot-ref":       worktreeSnapshotRef,
		"git-init-repo":               initRepo,
		"invalidate-stable-metadata":  invalidateStableMetadata,
	}
	return s
}

// Supports reports whether method is a git worker method.
func (s *Service) Supports(method string) bool {
	_, ok := s.handlers[method]
	return ok
}

// Handle runs one worker request. Failures come back as git_worker_error.
func (s *Service) Handle(ctx context.Context, req schema.WorkerRequest) schema.WorkerResponse {
	resp := schema.WorkerResponse{WorkerID: req.WorkerID, RequestID: req.RequestID}
	log := logx.WithMethod(logx.WithWorker(pslog.Ctx(ctx), req.WorkerID, req.RequestID), req.Method)
	result, err := s.handle(ctx, req)
	if err != nil {
		log.Debug("git worker request failed", "err", err)
		resp.Error = &schema.HostError{Code: schema.CodeGitWorkerError, Message: err.Error()}
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = &schema.HostError{Code: schema.CodeSerializationError, Message: err.Error()}
		return resp
	}
	log.Debug("git worker request ok")
	resp.OK = true
	resp.Result = data
	return resp
}

func (s *Service) handle(ctx context.Context, req schema.WorkerRequest) (any, error) {
	p, err := parseParams(req.Params)
	if err != nil {
		return nil, err
	}
	h, ok := s.handlers[req.Method]
	if !ok {
		return nil, fmt.Errorf("unsupported git worker method '%s'", req.Method)
	}
	cwd := p.strOr(".", "cwd")
	return h(ctx, cwd, p)
}

type statusSummaryResult struct {
	ChangedCount int      `json:"changedCount"`
	Lines        []string `json:"lines"`
}

func stableMetadata(ctx context.Context, cwd string, _ params) (any, error) {
	branch, err := git.CurrentBranch(ctx, cwd)
	if err != nil {
		branch = "HEAD"
	}
	var upstream *string
	if value, err := git.UpstreamBranch(ctx, cwd); err == nil {
		upstream = &value
	}
	ahead, _ := git.AheadCount(ctx, cwd)
	lines, _ := git.StatusLines(ctx, cwd)
	if lines == nil {
		lines = []string{}
	}
	return map[string]any{
		"currentBranch":    branch,
		"upstreamBranch":   upstream,
		"branchAheadCount": ahead,
		"statusSummary":    statusSummaryResult{ChangedCount: len(lines), Lines: lines},
	}, nil
}

func currentBranch(ctx context.Context, cwd string, _ params) (any, error) {
	branch, err := git.CurrentBranch(ctx, cwd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"branch": branch}, nil
}

func upstreamBranch(ctx context.Context, cwd string, _ params) (any, error) {
	var upstream *string
	if value, err := git.UpstreamBranch(ctx, cwd); err == nil {
		upstream = &value
	}
	return map[string]any{"branch": upstream}, nil
}

func branchAheadCount(ctx context.Context, cwd string, _ params) (any, error) {
	count, _ := git.AheadCount(ctx, cwd)
	return map[string]any{"count": count}, nil
}

func defaultBranch(ctx context.Context, cwd string, _ params) (any, error) {
	return map[string]any{"branch": git.DefaultBranch(ctx, cwd)}, nil
}

func resolveBase(ctx context.Context, cwd string, p params) string {
	if base, ok := p.str("baseBranch", "base_branch"); ok {
		return base
	}
	return git.DefaultBranch(ctx, cwd)
}

func baseBranch(ctx context.Context, cwd string, p params) (any, error) {
	return map[string]any{"branch": resolveBase(ctx, cwd, p)}, nil
}

func recentBranches(ctx context.Context, cwd string, p params) (any, error) {
	limit := p.unsigned("limit", 20)
	out, err := git.Run(ctx, cwd, "for-each-ref", "--sort=-committerdate", "--format=%(refname:short)\t%(committerdate:iso8601)", "refs/heads")
	if err != nil {
		return nil, err
	}
	items := []map[string]string{}
	for _, line := range git.Lines(out) {
		if uint64(len(items)) >= limit {
			break
		}
		branch, date, _ := strings.Cut(line, "\t")
		items = append(items, map[string]string{"branch": branch, "committerDate": date})
	}
	return map[string]any{"items": items}, nil
}

func branchChanges(ctx context.Context, cwd string, p params) (any, error) {
	base := resolveBase(ctx, cwd, p)
	out, err := git.Run(ctx, cwd, "diff", "--name-status", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	items := []map[string]string{}
	for _, line := range git.Lines(out) {
		status, path, _ := strings.Cut(line, "\t")
		items = append(items, map[string]string{"status": status, "path": path})
	}
	return map[string]any{"base": base, "items": items}, nil
}

func statusSummary(ctx context.Context, cwd string, _ params) (any, error) {
	lines, err := git.StatusLines(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []string{}
	}
	return map[string]any{"changed_count": len(lines), "lines": lines}, nil
}

func stagedAndUnstaged(ctx context.Context, cwd string, _ params) (any, error) {
	out, err := git.Run(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	items := []map[string]string{}
	for _, line := range git.Lines(out) {
		status := line
		path := ""
		if len(line) >= 2 {
			status = line[:2]
		}
		if len(line) > 3 {
			path = line[3:]
		}
		items = append(items, map[string]string{"status": strings.TrimSpace(status), "path": strings.TrimSpace(path)})
	}
	return map[string]any{"items": items}, nil
}

func untrackedChanges(ctx context.Context, cwd string, _ params) (any, error) {
	out, err := git.Run(ctx, cwd, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	items := []string{}
	for _, line := range git.Lines(out) {
		items = append(items, strings.TrimSpace(line))
	}
	return map[string]any{"items": items}, nil
}

func trackedUncommitted(ctx context.Context, cwd string, _ params) (any, error) {
	items, err := git.TrackedChanges(ctx, cwd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items}, nil
}

func submodulePaths(ctx context.Context, cwd string, _ params) (any, error) {
	out, _ := git.Run(ctx, cwd, "submodule", "status", "--recursive")
	items := []string{}
	for _, line := range git.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) > 1 {
			items = append(items, fields[1])
		}
	}
	return map[string]any{"items": items}, nil
}

func catFile(ctx context.Context, cwd string, p params) (any, error) {
	object, err := p.require("object/sha parameter", "object", "sha")
	if err != nil {
		return nil, err
	}
	out, err := git.Run(ctx, cwd, "cat-file", "-p", object)
	if err != nil {
		return nil, err
	}
	return map[string]any{"object": object, "contents": out}, nil
}

func indexInfo(ctx context.Context, cwd string, _ params) (any, error) {
	out, err := git.Run(ctx, cwd, "ls-files", "-s")
	if err != nil {
		return nil, err
	}
	items := []map[string]string{}
	for _, line := range git.Lines(out) {
		fields := strings.Fields(line)
		field := func(i int) string {
			if i < len(fields) {
				return fields[i]
			}
			return ""
		}
		items = append(items, map[string]string{"mode": field(0), "sha": field(1), "stage": field(2), "path": field(3)})
	}
	return map[string]any{"items": items}, nil
}

func configValue(ctx context.Context, cwd string, p params) (any, error) {
	key, err := p.require("config key", "key")
	if err != nil {
		return nil, err
	}
	var value *string
	if out, err := git.Run(ctx, cwd, "config", "--get", key); err == nil {
		trimmed := strings.TrimSpace(out)
		value = &trimmed
	}
	return map[string]any{"key": key, "value": value}, nil
}

func setConfigValue(ctx context.Context, cwd string, p params) (any, error) {
	key, err := p.require("config key", "key")
	if err != nil {
		return nil, err
	}
	if err := git.CheckConfigKey(key); err != nil {
		return nil, err
	}
	value, err := p.require("config value", "value")
	if err != nil {
		return nil, err
	}
	if _, err := git.Run(ctx, cwd, "config", key, value); err != nil {
		return nil, err
	}
	return map[string]any{"saved": true, "key": key}, nil
}

func createWorktree(ctx context.Context, cwd string, p params) (any, error) {
	path, err := p.require("worktree path", "path", "worktreePath")
	if err != nil {
		return nil, err
	}
	branch, hasBranch := p.str("branch")
	base, hasBase := p.str("base")
	args := []string{"worktree", "add"}
	if p.boolean("createBranch") {
		name := branch
		if !hasBranch {
			name = "codex-worktree"
		}
		args = append(args, "-b", name, path)
		if hasBase {
			args = append(args, base)
		}
	} else {
		args = append(args, path)
		if hasBranch {
			args = append(args, branch)
		} else if hasBase {
			args = append(args, base)
		}
	}
	if _, err := git.Run(ctx, cwd, args...); err != nil {
		return nil, err
	}
	return map[string]any{"created": true, "path": path}, nil
}

func restoreWorktree(ctx context.Context, cwd string, p params) (any, error) {
	path, err := p.require("worktree path", "path", "worktreePath")
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := git.Run(ctx, path, "status"); err != nil {
			return nil, fmt.Errorf("worktree %s not healthy: %w", path, err)
		}
		return map[string]any{"restored": true, "path": path, "created": false}, nil
	}
	branch := p.strOr("HEAD", "branch")
	if _, err := git.Run(ctx, cwd, "worktree", "add", path, branch); err != nil {
		return nil, err
	}
	return map[string]any{"restored": true, "path": path, "created": true}, nil
}

func deleteWorktree(ctx context.Context, cwd string, p params) (any, error) {
	path, err := p.require("worktree path", "path", "worktreePath")
	if err != nil {
		return nil, err
	}
	if _, err := git.Run(ctx, cwd, "worktree", "remove", "--force", path); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true, "path": path}, nil
}

func applyChanges(ctx context.Context, cwd string, p params) (any, error) {
	patchFile, supplied := p.str("patchFile", "patch_path")
	if !supplied {
		text, err := p.require("patch text", "patchText", "patch")
		if err != nil {
			return nil, err
		}
		tmp, err := os.CreateTemp("", "shellhost-patch-*.patch")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(text); err != nil {
			_ = tmp.Close()
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		patchFile = tmp.Name()
	}
	args := []string{"apply"}
	if p.boolean("index") {
		args = append(args, "--index")
	}
	args = append(args, patchFile)
	if _, err := git.Run(ctx, cwd, args...); err != nil {
		return nil, err
	}
	result := map[string]any{"applied": true}
	if supplied {
		result["patchFile"] = patchFile
	}
	return result, nil
}

func commit(ctx context.Context, cwd string, p params) (any, error) {
	message := p.strOr("Codex commit", "message")
	if p.boolean("addAll") {
		if err := git.AddAll(ctx, cwd); err != nil {
			return nil, err
		}
	}
	ref, err := git.Commit(ctx, cwd, message, p.boolean("allowEmpty"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"committed": true, "ref": ref}, nil
}

func listWorktrees(ctx context.Context, cwd string, _ params) (any, error) {
	items, err := git.ListWorktrees(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []git.Worktree{}
	}
	return map[string]any{"items": items}, nil
}

func codexWorktree(ctx context.Context, cwd string, _ params) (any, error) {
	items, err := git.ListWorktrees(ctx, cwd)
	if err != nil {
		return nil, err
	}
	var selected *string
	for i := range items {
		if strings.Contains(items[i].Path, "codex") {
			selected = &items[i].Path
			break
		}
	}
	if selected == nil && len(items) > 0 {
		selected = &items[0].Path
	}
	return map[string]any{"path": selected}, nil
}

func worktreeSnapshotRef(ctx context.Context, cwd string, _ params) (any, error) {
	ref, err := git.HeadRef(ctx, cwd)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ref": ref}, nil
}

func initRepo(ctx context.Context, cwd string, p params) (any, error) {
	target := p.strOr(cwd, "path")
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}
	if _, err := git.Run(ctx, ".", "init", abs); err != nil {
		return nil, err
	}
	return map[string]any{"initialized": true, "path": target}, nil
}

func invalidateStableMetadata(context.Context, string, params) (any, error) {
	return map[string]any{"invalidated": true}, nil
}
