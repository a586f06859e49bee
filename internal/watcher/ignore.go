package watcher

import (
	"path/filepath"
	"strings"
)

// IgnoreList matches workspace-relative paths against gitignore-style
// patterns. Supported syntax:
//   - name        matches a file or directory component anywhere
//   - name/       matches directories only
//   - /name       matches only at the workspace root
//   - *.ext       glob against the base name
//   - !name       re-includes a previously ignored match
type IgnoreList struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	glob    string
	negated bool
	dirOnly bool
	rooted  bool
}

// NewIgnoreList compiles the given patterns. Empty lines and comments are
// skipped.
func NewIgnoreList(patterns []string) *IgnoreList {
	l := &IgnoreList{}
	for _, raw := range patterns {
		l.Add(raw)
	}
	return l
}

// Add compiles one pattern into the list.
func (l *IgnoreList) Add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "#") {
		return
	}

	p := ignorePattern{}
	if strings.HasPrefix(raw, "!") {
		p.negated = true
		raw = raw[1:]
	}
	if strings.HasSuffix(raw, "/") {
		p.dirOnly = true
		raw = strings.TrimSuffix(raw, "/")
	}
	if strings.HasPrefix(raw, "/") {
		p.rooted = true
		raw = raw[1:]
	}
	if raw == "" {
		return
	}
	p.glob = raw
	l.patterns = append(l.patterns, p)
}

// Len reports the number of compiled patterns.
func (l *IgnoreList) Len() int { return len(l.patterns) }

// Match reports whether the slash-separated workspace-relative path should
// be ignored. Later patterns override earlier ones, so negations work.
func (l *IgnoreList) Match(relPath string, isDir bool) bool {
	relPath = strings.Trim(relPath, "/")
	if relPath == "" || relPath == "." {
		return false
	}

	ignored := false
	for _, p := range l.patterns {
		if p.dirOnly && !isDir && !l.parentMatches(p, relPath) {
			continue
		}
		if l.matches(p, relPath) {
			ignored = !p.negated
		}
	}
	return ignored
}

func (l *IgnoreList) matches(p ignorePattern, relPath string) bool {
	if p.rooted {
		if ok, _ := filepath.Match(p.glob, relPath); ok {
			return true
		}
		// A rooted directory pattern covers everything under it.
		first, _, _ := strings.Cut(relPath, "/")
		ok, _ := filepath.Match(p.glob, first)
		return ok
	}

	// Unrooted patterns match any path component or suffix.
	for _, part := range strings.Split(relPath, "/") {
		if ok, _ := filepath.Match(p.glob, part); ok {
			return true
		}
	}
	ok, _ := filepath.Match(p.glob, relPath)
	return ok
}

// parentMatches applies a directory-only pattern to files inside a matching
// directory, so "build/" also ignores build/out.trq.
func (l *IgnoreList) parentMatches(p ignorePattern, relPath string) bool {
	dir := relPath
	for {
		i := strings.LastIndexByte(dir, '/')
		if i < 0 {
			return false
		}
		dir = dir[:i]
		if l.matches(p, dir) {
			return true
		}
	}
}

// defaultIgnorePatterns covers version control metadata, editor droppings,
// and build output that should never reach the server.
func defaultIgnorePatterns() []string {
	return []string{
		".git/",
		".hg/",
		".svn/",
		".qalam/",
		"node_modules/",
		"build/",
		"dist/",
		"target/",
		"*.tmp",
		"*.swp",
		"*~",
		".DS_Store",
	}
}
