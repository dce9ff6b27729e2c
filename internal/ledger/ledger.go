// Package ledger owns the on-disk layout that makes the filesystem the
// control plane: session directories, the owner token, the pid file, and
// the atomically-written context manifests.
package ledger

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/pathutil"
	"github.com/netspective-labs/db-yard/internal/spawner"
)

const (
	currentSessionFile = ".current-session"
	ownerTokenFile     = ".db-yard.owner-token"
	pidFileName        = "spawned-pids.txt"
	contextSuffix      = ".context.json"
	stdoutSuffix       = ".stdout.log"
	stderrSuffix       = ".stderr.log"
)

// Session is one supervisor run's directory under the ledger root.
type Session struct {
	Root          string // ledger root
	Name          string // sortable timestamp directory name
	Home          string // Root/Name
	PreviousHome  string // prior session's home, if any, before this one took over .current-session
	OwnerToken    string
	SupervisorPID int
	Host          string
	StartedAt     time.Time
}

// NewSession creates a new session directory, owner-token file, and points
// the ledger root's `.current-session` file at it. The session the pointer
// previously named, if any, is preserved on the returned Session as
// PreviousHome so a caller can adopt its still-live records (see
// AdoptLiveRecords) before starting the reconciliation loop.
func NewSession(root string) (*Session, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create root: %w", err)
	}

	prevHome, _ := CurrentSessionHome(root)

	now := time.Now()
	name := now.UTC().Format("2006-01-02-15-04-05")
	home := filepath.Join(root, name)
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create session home: %w", err)
	}

	token := uuid.New().String()
	if err := writeAtomic(filepath.Join(home, ownerTokenFile), []byte(token)); err != nil {
		return nil, fmt.Errorf("ledger: write owner token: %w", err)
	}

	if err := writeAtomic(filepath.Join(root, currentSessionFile), []byte(name+"\n")); err != nil {
		return nil, fmt.Errorf("ledger: write current-session pointer: %w", err)
	}

	if prevHome == home {
		prevHome = ""
	}

	host, _ := os.Hostname()
	return &Session{
		Root:          root,
		Name:          name,
		Home:          home,
		PreviousHome:  prevHome,
		OwnerToken:    token,
		SupervisorPID: os.Getpid(),
		Host:          host,
		StartedAt:     now,
	}, nil
}

// CurrentSessionHome reads the ledger root's `.current-session` pointer and
// returns the session home it names.
func CurrentSessionHome(root string) (string, error) {
	b, err := os.ReadFile(filepath.Join(root, currentSessionFile))
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(string(b))
	if name == "" {
		return "", fmt.Errorf("ledger: empty current-session pointer")
	}
	return filepath.Join(root, name), nil
}

// ReadOwnerToken reads the owner token file from a session home.
func ReadOwnerToken(home string) (string, error) {
	b, err := os.ReadFile(filepath.Join(home, ownerTokenFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// ContextPath returns the path a service's manifest is written to: the
// source file's path relative to its best-matching root, with the
// basename plus a deterministic 32-bit hash of id mixed in so that two
// services whose relative paths collide after sanitization never collide
// on disk.
func ContextPath(home string, svc model.ExposableService, root string) string {
	rel := pathutil.RelativeTo(svc.Supplier.Location, root)
	dir := filepath.Dir(rel)
	base := filepath.Base(svc.Supplier.Location)
	hashed := fmt.Sprintf("%s.%08x%s", base, fnv1a32(svc.ID), contextSuffix)
	if dir == "." {
		return filepath.Join(home, hashed)
	}
	return filepath.Join(home, dir, hashed)
}

func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// LogPaths derives the stdout/stderr sibling paths for a context path.
func LogPaths(contextPath string) (stdout, stderr string) {
	base := strings.TrimSuffix(contextPath, contextSuffix)
	return base + stdoutSuffix, base + stderrSuffix
}

// WriteContext atomically writes ctx to its Paths.Context location,
// creating parent directories on demand.
func WriteContext(ctx model.SpawnedContext) error {
	if err := os.MkdirAll(filepath.Dir(ctx.Paths.Context), 0o755); err != nil {
		return fmt.Errorf("ledger: mkdir: %w", err)
	}
	b, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal context: %w", err)
	}
	return writeAtomic(ctx.Paths.Context, b)
}

// ReadContext parses a single context file.
func ReadContext(path string) (model.SpawnedContext, error) {
	var ctx model.SpawnedContext
	b, err := os.ReadFile(path)
	if err != nil {
		return ctx, err
	}
	if err := json.Unmarshal(b, &ctx); err != nil {
		return ctx, err
	}
	return ctx, nil
}

// RemoveContext removes a context file and its log siblings are left in
// place per the governing design (logs are only removed at session
// teardown).
func RemoveContext(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// SpawnedStates scans every *.context.json under home, yielding a
// SpawnedState per file, with liveness and, for live pids where
// /proc/<pid>/cmdline is readable, the process command line. Invalid JSON
// or a missing pid yields an item with ParseError set rather than aborting
// the scan.
func SpawnedStates(home string) []model.SpawnedState {
	var out []model.SpawnedState

	_ = filepath.WalkDir(home, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(path, contextSuffix) {
			return nil
		}

		ctx, perr := ReadContext(path)
		state := model.SpawnedState{ContextPath: path}
		if perr != nil {
			state.ParseError = perr
			out = append(out, state)
			return nil
		}
		if ctx.Spawned.PID == 0 {
			state.ParseError = fmt.Errorf("ledger: %s missing spawned.pid", path)
			out = append(out, state)
			return nil
		}

		c := ctx
		state.Context = &c
		state.Alive = spawner.IsAlive(ctx.Spawned.PID)
		if state.Alive {
			// Best-effort: /proc exists only on Linux; elsewhere Cmdline stays empty.
			if raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", ctx.Spawned.PID)); err == nil {
				state.Cmdline = strings.TrimSpace(strings.ReplaceAll(string(raw), "\x00", " "))
			}
		}
		out = append(out, state)
		return nil
	})

	sort.Slice(out, func(i, j int) bool { return out[i].ContextPath < out[j].ContextPath })
	return out
}

// AdoptLiveRecords moves every still-alive, still-sourced record out of
// prevHome and into newHome, re-stamping it with owner. It is what makes a
// fresh supervisor run idempotent: without it, the new session's home-scoped
// reconciler pass would see an empty observed set and respawn every desired
// service the old session already has running. It returns the new context
// paths of every record adopted; a record whose process has died or whose
// source file is gone is left for the old session's own teardown/GC instead.
func AdoptLiveRecords(prevHome, newHome string, owner model.OwnerRef) ([]string, error) {
	if prevHome == "" || prevHome == newHome {
		return nil, nil
	}
	if _, err := os.Stat(prevHome); err != nil {
		return nil, nil
	}

	var adopted []string
	for _, st := range SpawnedStates(prevHome) {
		if st.ParseError != nil || st.Context == nil || !st.Alive {
			continue
		}
		if _, err := os.Stat(st.Context.Supplier.Location); err != nil {
			continue
		}

		rel, err := filepath.Rel(prevHome, st.ContextPath)
		if err != nil {
			continue
		}
		newPath := filepath.Join(newHome, rel)
		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
			return adopted, fmt.Errorf("ledger: adopt mkdir: %w", err)
		}

		ctx := *st.Context
		ctx.Owner = owner
		newStdout, newStderr := LogPaths(newPath)
		moveLogBestEffort(ctx.Paths.Stdout, newStdout)
		moveLogBestEffort(ctx.Paths.Stderr, newStderr)
		ctx.Paths.Context = newPath
		ctx.Paths.Stdout = newStdout
		ctx.Paths.Stderr = newStderr

		b, err := json.MarshalIndent(ctx, "", "  ")
		if err != nil {
			continue
		}
		if err := writeAtomic(newPath, b); err != nil {
			return adopted, fmt.Errorf("ledger: adopt write: %w", err)
		}
		_ = os.Remove(st.ContextPath)
		adopted = append(adopted, newPath)
	}
	return adopted, nil
}

// moveLogBestEffort relocates a log sibling, falling back to a copy+remove
// when the rename can't be done in place (e.g. across filesystems). A
// missing source log is not an error: the child may not have written to it
// yet.
func moveLogBestEffort(oldPath, newPath string) {
	if oldPath == "" || oldPath == newPath {
		return
	}
	if err := os.Rename(oldPath, newPath); err == nil {
		return
	}
	b, err := os.ReadFile(oldPath)
	if err != nil {
		return
	}
	if err := os.WriteFile(newPath, b, 0o644); err == nil {
		_ = os.Remove(oldPath)
	}
}

// SiblingSessionHomes lists every other directory under root that still
// carries an owner-token file, i.e. every other session (live or stale)
// besides exclude. Used only under --adopt-foreign-state, to bring records
// owned by a different session into a reconciliation pass's observed set.
func SiblingSessionHomes(root, exclude string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		home := filepath.Join(root, e.Name())
		if home == exclude {
			continue
		}
		if _, err := os.Stat(filepath.Join(home, ownerTokenFile)); err != nil {
			continue
		}
		out = append(out, home)
	}
	sort.Strings(out)
	return out
}

// RewritePIDFile atomically rewrites spawned-pids.txt as the sorted,
// deduplicated, space-separated list of pids. Content identical to what's
// already on disk is left untouched.
func RewritePIDFile(home string, pids []int) error {
	uniq := map[int]struct{}{}
	for _, p := range pids {
		uniq[p] = struct{}{}
	}
	sorted := make([]int, 0, len(uniq))
	for p := range uniq {
		sorted = append(sorted, p)
	}
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(p)
	}
	content := strings.Join(parts, " ")

	path := filepath.Join(home, pidFileName)
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == content {
		return nil
	}
	return writeAtomic(path, []byte(content))
}

// writeAtomic writes data to path via a temp file plus rename, so readers
// never observe a partially-written file.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
