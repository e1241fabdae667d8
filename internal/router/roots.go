package router

import (
	"os"
	"path/filepath"
	"strings"
)

// ResolveAllowedRoots canonicalizes configured read roots, dropping entries
// that cannot be resolved and duplicates. An empty list falls back to the
// process working directory.
func ResolveAllowedRoots(configured []string) []string {
	candidates := make([]string, 0, len(configured))
	for _, root := range configured {
		if strings.TrimSpace(root) != "" {
			candidates = append(candidates, root)
		}
	}
	if len(candidates) == 0 {
		if cwd, err := os.Getwd(); err == nil {
			candidates = append(candidates, cwd)
		}
	}
	seen := make(map[string]struct{}, len(candidates))
	roots := make([]string, 0, len(candidates))
	for _, root := range candidates {
		canonical, err := canonicalize(root)
		if err != nil {
			continue
		}
		if _, ok := seen[canonical]; ok {
			continue
		}
		seen[canonical] = struct{}{}
		roots = append(roots, canonical)
	}
	return roots
}

// SplitRoots splits an OS path list such as SHELLHOST_ALLOWED_READ_ROOTS.
func SplitRoots(value string) []string {
	if value == "" {
		return nil
	}
	return filepath.SplitList(value)
}

func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// withinRoots compares whole path components, so /data/repo2 is not inside
// /data/repo.
func withinRoots(candidate string, roots []string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, candidate)
		if err != nil {
			continue
		}
		if rel == "." {
			return true
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}
		return true
	}
	return false
}
