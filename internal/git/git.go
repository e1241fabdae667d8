package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/pslog"
)

// Error reports a failed git invocation with its stderr.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "git failed"
	}
	msg := fmt.Sprintf("git %s failed", strings.Join(e.Args, " "))
	if e.Stderr != "" {
		return msg + ": " + e.Stderr
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Run executes git in dir and returns stdout. Stderr only surfaces in errors.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	log := pslog.Ctx(ctx).With("dir", dir, "args", strings.Join(args, " "))
	log.Debug("git run start")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		preview := strings.TrimSpace(stderr.String())
		truncated := false
		if len(preview) > 200 {
			preview = preview[:200]
			truncated = true
		}
		log.Warn("git run failed", "err", err, "stderr", preview, "truncated", truncated)
		return stdout.String(), &Error{Args: append([]string(nil), args...), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	log.Debug("git run ok", "output_len", stdout.Len())
	return strings.ToValidUTF8(stdout.String(), "\uFFFD"), nil
}

// Lines splits output into non-blank lines.
func Lines(output string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// CurrentBranch returns the abbreviated name of HEAD.
func CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	return strings.TrimSpace(out), err
}

// UpstreamBranch returns the upstream of the current branch.
func UpstreamBranch(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}")
	return strings.TrimSpace(out), err
}

// AheadCount counts commits on HEAD that are not on the upstream.
func AheadCount(ctx context.Context, dir string) (int, error) {
	out, err := Run(ctx, dir, "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// DefaultBranch derives the default branch from origin/HEAD, or "main".
func DefaultBranch(ctx context.Context, dir string) string {
	out, err := Run(ctx, dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	ref := strings.TrimSpace(out)
	if err != nil || ref == "" {
		return "main"
	}
	if idx := strings.LastIndex(ref, "/"); idx >= 0 {
		ref = ref[idx+1:]
	}
	if ref == "" {
		return "main"
	}
	return ref
}

// StatusLines returns `git status --short` lines.
func StatusLines(ctx context.Context, dir string) ([]string, error) {
	out, err := Run(ctx, dir, "status", "--short")
	if err != nil {
		return nil, err
	}
	return Lines(out), nil
}

// HeadRef resolves HEAD to a commit id.
func HeadRef(ctx context.Context, dir string) (string, error) {
	out, err := Run(ctx, dir, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// AddAll stages all changes.
func AddAll(ctx context.Context, dir string) error {
	_, err := Run(ctx, dir, "add", "-A")
	return err
}

// Commit creates a commit with the provided message and returns the new HEAD.
func Commit(ctx context.Context, dir, message string, allowEmpty bool) (string, error) {
	args := []string{"commit", "-m", message}
	if allowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := Run(ctx, dir, args...); err != nil {
		return "", err
	}
	return HeadRef(ctx, dir)
}

// TrackedChanges returns the sorted union of staged and unstaged paths.
func TrackedChanges(ctx context.Context, dir string) ([]string, error) {
	unstaged, err := Run(ctx, dir, "diff", "--name-only")
	if err != nil {
		return nil, err
	}
	staged, err := Run(ctx, dir, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, line := range append(Lines(unstaged), Lines(staged)...) {
		seen[strings.TrimSpace(line)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	sort.Strings(out)
	return out, nil
}

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path   string `json:"path,omitempty"`
	Head   string `json:"head,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// ListWorktrees returns every worktree of the repository at dir.
func ListWorktrees(ctx context.Context, dir string) ([]Worktree, error) {
	out, err := Run(ctx, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktrees(out), nil
}

// ParseWorktrees parses porcelain worktree output.
func ParseWorktrees(output string) []Worktree {
	var items []Worktree
	var current Worktree
	flush := func() {
		if current != (Worktree{}) {
			items = append(items, current)
			current = Worktree{}
		}
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if value, ok := strings.CutPrefix(line, "worktree "); ok {
			current.Path = value
		} else if value, ok := strings.CutPrefix(line, "HEAD "); ok {
			current.Head = value
		} else if value, ok := strings.CutPrefix(line, "branch "); ok {
			current.Branch = strings.TrimPrefix(value, "refs/heads/")
		}
	}
	flush()
	return items
}

// ErrDisallowedConfigKey rejects keys that can run commands or leak credentials.
var ErrDisallowedConfigKey = errors.New("disallowed git config key")

// CheckConfigKey rejects empty keys, keys with whitespace, and keys that can
// execute programs or redirect credentials.
func CheckConfigKey(key string) error {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" || strings.IndexFunc(normalized, isSpace) >= 0 {
		return fmt.Errorf("%w %q", ErrDisallowedConfigKey, key)
	}
	switch normalized {
	case "core.hookspath", "core.sshcommand", "core.gitproxy", "credential.helper":
		return fmt.Errorf("%w %q", ErrDisallowedConfigKey, key)
	}
	for _, prefix := range []string{"credential.helper.", "alias.", "include.", "includeif."} {
		if strings.HasPrefix(normalized, prefix) {
			return fmt.Errorf("%w %q", ErrDisallowedConfigKey, key)
		}
	}
	return nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}
