// Package discovery walks watched roots and yields candidate files for
// classification, isolating per-path errors so one unreadable directory
// never halts a pass.
package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/model"
)

// DefaultGlobs are the database extensions watched when a root specifies
// none of its own.
var DefaultGlobs = []string{"**/*.db", "**/*.sqlite", "**/*.sqlite.db"}

// Root is one discovery entry: a path to walk plus the glob patterns that
// qualify a file under it.
type Root struct {
	Path  string
	Globs []string
}

func (r Root) globs() []string {
	if len(r.Globs) == 0 {
		return DefaultGlobs
	}
	return r.Globs
}

// Error pairs a path with the non-fatal error discovery hit while walking
// it.
type Error struct {
	Path string
	Err  error
}

// Result is one discovery pass's complete output: the error channel is
// drained before Result is returned, so downstream callers never race it.
type Result struct {
	Candidates []model.Candidate
	Unhandled  []string // paths that matched no glob
	Errors     []Error
}

// Walk discovers candidates under every root, in a traversal order that
// never affects the resulting identifiers (discovery never synthesizes a
// path that doesn't exist on disk, and Candidates is sorted by path before
// return so downstream joins are deterministic).
func Walk(roots []Root, logger hclog.Logger) Result {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	var res Result

	for _, root := range roots {
		absRoot, err := filepath.Abs(root.Path)
		if err != nil {
			res.Errors = append(res.Errors, Error{Path: root.Path, Err: err})
			continue
		}
		globs := root.globs()

		walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				res.Errors = append(res.Errors, Error{Path: path, Err: err})
				logger.Debug("discovery: walk error", "path", path, "error", err)
				// Permission errors on a directory should not halt the
				// rest of the tree.
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			matched := matchesAny(path, absRoot, globs)
			if !matched {
				res.Unhandled = append(res.Unhandled, path)
				return nil
			}

			info, err := d.Info()
			if err != nil {
				res.Errors = append(res.Errors, Error{Path: path, Err: err})
				return nil
			}

			res.Candidates = append(res.Candidates, model.Candidate{
				Path:    path,
				Root:    absRoot,
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
			return nil
		})
		if walkErr != nil && !os.IsNotExist(walkErr) {
			res.Errors = append(res.Errors, Error{Path: absRoot, Err: walkErr})
		}
	}

	sort.Slice(res.Candidates, func(i, j int) bool {
		return res.Candidates[i].Path < res.Candidates[j].Path
	})
	sort.Strings(res.Unhandled)

	return res
}

// matchesAny reports whether path (relative to root) matches any glob. Each
// glob is either a bare pattern (matched against the basename and against
// the root-relative slash path) or a "**/pattern" pattern (matched against
// the basename anywhere in the tree) — sufficient for the extension-keyed default glob set without
// pulling in a doublestar-matching dependency nothing in the retrieval pack
// carries.
func matchesAny(path, root string, globs []string) bool {
	base := filepath.Base(path)
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = base
	}
	rel = filepath.ToSlash(rel)

	for _, g := range globs {
		pattern := g
		if strings.HasPrefix(pattern, "**/") {
			pattern = strings.TrimPrefix(pattern, "**/")
			if ok, _ := filepath.Match(pattern, base); ok {
				return true
			}
			continue
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
