// Package scheduler drives the orchestrator's reconciliation pass from
// one of two policies — a single one-shot pass ("materialize") or a
// continuous watch loop — both calling the same reconcilePass function,
// per the governing design's "no isWatch branch inside reconcilePass"
// rule.
package scheduler

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/discovery"
	"github.com/netspective-labs/db-yard/internal/orchestrator"
)

// DefaultDebounce is how long the watch loop waits for filesystem events
// to settle before running a delta reconcile.
const DefaultDebounce = 400 * time.Millisecond

// DefaultSweepInterval is the periodic full-reconcile safety sweep.
const DefaultSweepInterval = 3 * time.Second

// Summary is the structured result of one materialize pass or the final
// tally of a watch run — the CLI's `start`/`watch` exit-code contract
// needs some return value, modeled as a plain counters struct.
type Summary struct {
	Discovered int
	Classified int
	Unhandled  int
	Spawned    int
	Refreshed  int
	Stopped    int
	Skipped    int
	Errored    int
}

func (s *Summary) add(other Summary) {
	s.Discovered += other.Discovered
	s.Classified += other.Classified
	s.Unhandled += other.Unhandled
	s.Spawned += other.Spawned
	s.Refreshed += other.Refreshed
	s.Stopped += other.Stopped
	s.Skipped += other.Skipped
	s.Errored += other.Errored
}

// Scheduler runs reconciliation passes against one orchestrator.
type Scheduler struct {
	orch          *orchestrator.Orchestrator
	logger        hclog.Logger
	sweepInterval time.Duration
	debounce      time.Duration
}

// New returns a Scheduler. Zero-valued intervals fall back to the
// package defaults.
func New(orch *orchestrator.Orchestrator, logger hclog.Logger, sweepInterval, debounce time.Duration) *Scheduler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		orch:          orch,
		logger:        logger.Named("scheduler"),
		sweepInterval: sweepInterval,
		debounce:      debounce,
	}
}

// Materialize runs exactly one reconciliation pass and returns its
// summary — the one-shot `start` CLI command.
func (s *Scheduler) Materialize() (Summary, error) {
	return s.reconcilePass()
}

// reconcilePass is the single function both scheduler policies call.
// There is deliberately no "isWatch" parameter here.
func (s *Scheduler) reconcilePass() (Summary, error) {
	res, discResult, err := s.orch.ReconcilePass()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Discovered: len(discResult.Candidates),
		Classified: len(res.Spawned) + len(res.Refreshed) + len(res.Skipped),
		Unhandled:  len(discResult.Unhandled),
		Spawned:    len(res.Spawned),
		Refreshed:  len(res.Refreshed),
		Stopped:    len(res.Stopped),
		Skipped:    len(res.Skipped),
		Errored:    len(res.Errors),
	}

	if len(res.Errors) > 0 {
		s.logger.Warn("reconcile pass completed with errors", "count", len(res.Errors))
	}
	for _, d := range res.Discrepancies {
		s.logger.Debug("discrepancy", "kind", d.Kind, "serviceId", d.ServiceID, "detail", d.Detail)
	}

	return summary, nil
}

// Watch runs the continuous supervisor loop: an initial pass, filesystem
// events (debounced), and a periodic full sweep, until ctx is canceled.
// killAllOnExit, when true, stops every pid this session owns before
// returning.
func (s *Scheduler) Watch(ctx context.Context, roots []discovery.Root, killAllOnExit bool) (Summary, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Summary{}, err
	}
	defer watcher.Close()

	for _, r := range roots {
		if err := addRecursive(watcher, r.Path); err != nil {
			s.logger.Warn("watch: failed to add root", "root", r.Path, "error", err)
		}
	}

	var total Summary

	// passReq is a depth-1 mailbox: a pass already queued absorbs any
	// further requests that arrive before it runs, giving "at most one
	// follow-up pass" without an unbounded backlog.
	passReq := make(chan struct{}, 1)
	done := make(chan struct{})

	requestPass := func() {
		select {
		case passReq <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-passReq:
				summary, err := s.reconcilePass()
				if err != nil {
					s.logger.Error("reconcile pass failed", "error", err)
				} else {
					total.add(summary)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	requestPass() // initial reconciliation on startup

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	var debounceTimer *time.Timer
	debounceC := func() <-chan time.Time {
		if debounceTimer == nil {
			return nil
		}
		return debounceTimer.C
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := filepathStatIsDir(ev.Name); statErr == nil && info {
					_ = addRecursive(watcher, ev.Name)
				}
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(s.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(s.debounce)
			}

		case <-debounceC():
			debounceTimer = nil
			requestPass()

		case <-sweep.C:
			requestPass()

		case watchErr, ok := <-watcher.Errors:
			if ok {
				s.logger.Warn("watcher error", "error", watchErr)
			}

		case <-ctx.Done():
			<-done
			if killAllOnExit {
				if sess := s.orch.Session(); sess != nil {
					s.orch.Kill(sess.Home, false)
				}
			}
			return total, nil
		}
	}
}

// addRecursive adds root and every directory beneath it to watcher,
// since fsnotify only watches the directories it is explicitly given.
func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		_ = watcher.Add(path)
		return nil
	})
}

func filepathStatIsDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
