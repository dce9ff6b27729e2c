// Package orchestrator composes discovery, classification, the driver
// registry, the spawner, the ledger, the process tag index and the
// reconciler into the operations a CLI entry point needs: start a
// session, list what's running, kill it, and report discrepancies.
package orchestrator

import (
	"fmt"
	"os"
	"sort"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/classifier"
	"github.com/netspective-labs/db-yard/internal/discovery"
	"github.com/netspective-labs/db-yard/internal/driver"
	"github.com/netspective-labs/db-yard/internal/ledger"
	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/procindex"
	"github.com/netspective-labs/db-yard/internal/reconciler"
	"github.com/netspective-labs/db-yard/internal/spawner"
)

// Config is the full set of knobs a supervisor run is configured with,
// the in-memory counterpart of the CLI's global flags.
type Config struct {
	Roots             []discovery.Root
	LedgerRoot        string
	ListenHost        string
	PortStart         int
	BackoffMs         int64
	AdoptForeignState bool
}

func (c Config) rootPaths() []string {
	out := make([]string, len(c.Roots))
	for i, r := range c.Roots {
		out[i] = r.Path
	}
	return out
}

// Orchestrator owns one supervisor run's collaborators and its session.
type Orchestrator struct {
	cfg        Config
	logger     hclog.Logger
	drivers    *driver.Registry
	spawner    *spawner.Spawner
	reconciler *reconciler.Reconciler
	session    *ledger.Session
}

// New wires a fresh Orchestrator. A nil logger is replaced with a null
// logger; a nil registry gets the two built-in drivers.
func New(cfg Config, drivers *driver.Registry, logger hclog.Logger) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if drivers == nil {
		drivers = driver.NewRegistry()
	}
	sp := spawner.New(logger)
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
		drivers:    drivers,
		spawner:    sp,
		reconciler: reconciler.New(drivers, sp, logger),
	}
}

// StartSession creates a new ledger session for this orchestrator's
// ledger root and records it as the active session for subsequent
// reconciliation passes. Any still-live, still-sourced records owned by
// the previously-active session are adopted into the new one first, so a
// supervisor restart against a ledger whose children are all still alive
// spawns nothing and simply resumes watching them.
func (o *Orchestrator) StartSession() (*ledger.Session, error) {
	sess, err := ledger.NewSession(o.cfg.LedgerRoot)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: start session: %w", err)
	}
	o.session = sess
	o.logger.Info("session started", "home", sess.Home, "owner", sess.OwnerToken)

	if sess.PreviousHome != "" {
		owner := model.OwnerRef{
			OwnerToken:    sess.OwnerToken,
			SupervisorPID: sess.SupervisorPID,
			Host:          sess.Host,
			StartedAtMs:   sess.StartedAt.UnixMilli(),
		}
		adopted, aerr := ledger.AdoptLiveRecords(sess.PreviousHome, sess.Home, owner)
		if aerr != nil {
			o.logger.Warn("adopt previous session records failed", "previous", sess.PreviousHome, "error", aerr)
		} else if len(adopted) > 0 {
			o.logger.Info("adopted live records from previous session", "previous", sess.PreviousHome, "count", len(adopted))
		}
	}

	return sess, nil
}

// Session returns the active session, or nil if StartSession has not
// been called yet.
func (o *Orchestrator) Session() *ledger.Session { return o.session }

// BuildDesired runs one discovery+classification pass and returns the
// resulting desired set, sorted by id, plus the raw discovery result so
// callers can report discovered/unhandled counts.
func (o *Orchestrator) BuildDesired() ([]model.ExposableService, discovery.Result) {
	result := discovery.Walk(o.cfg.Roots, o.logger)
	roots := o.cfg.rootPaths()

	var desired []model.ExposableService
	for _, cand := range result.Candidates {
		cls := classifier.Classify(cand, o.logger)
		sc := classifier.LoadSidecar(cand)
		cls = classifier.ApplySidecarOverride(cls, sc)
		if svc := classifier.ToExposable(cand, cls, sc, roots); svc != nil {
			desired = append(desired, *svc)
		}
	}

	sort.Slice(desired, func(i, j int) bool { return desired[i].ID < desired[j].ID })
	return desired, result
}

// ReconcilePass runs one full discovery+reconciliation pass against the
// active session. StartSession must have been called first.
func (o *Orchestrator) ReconcilePass() (reconciler.PassResult, discovery.Result, error) {
	if o.session == nil {
		return reconciler.PassResult{}, discovery.Result{}, fmt.Errorf("orchestrator: no active session")
	}

	desired, discResult := o.BuildDesired()

	tagged, err := procindex.List()
	if err != nil {
		o.logger.Warn("process tag index unavailable", "error", err)
	}

	rc := reconciler.Config{
		SessionHome:       o.session.Home,
		LedgerRoot:        o.cfg.LedgerRoot,
		OwnerToken:        o.session.OwnerToken,
		SupervisorPID:     o.session.SupervisorPID,
		Host:              o.session.Host,
		ListenHost:        o.cfg.ListenHost,
		PortStart:         o.cfg.PortStart,
		BackoffMs:         o.cfg.BackoffMs,
		AdoptForeignState: o.cfg.AdoptForeignState,
		Roots:             o.cfg.rootPaths(),
	}
	res := o.reconciler.Run(rc, desired, tagged)
	return res, discResult, nil
}

// ListSessionStates scans a session home (any session, not just the
// active one) and decorates each context file with liveness.
func (o *Orchestrator) ListSessionStates(home string) []model.SpawnedState {
	return ledger.SpawnedStates(home)
}

// ListTaggedProcesses enumerates every OS process carrying db-yard's
// ownership environment tags.
func (o *Orchestrator) ListTaggedProcesses() ([]model.TaggedProcess, error) {
	return procindex.List()
}

// KillSummary reports what a kill operation did.
type KillSummary struct {
	Killed  int
	Removed int
	Errors  []error
}

// Kill stops every pid referenced by the ledger under home, removes
// their context files, and — when clean is set — removes the session
// directory itself once every record is gone.
func (o *Orchestrator) Kill(home string, clean bool) KillSummary {
	var summary KillSummary
	for _, s := range ledger.SpawnedStates(home) {
		if s.ParseError != nil {
			continue
		}
		if s.Alive {
			if err := spawner.Terminate(s.Context.Spawned.PID); err != nil {
				summary.Errors = append(summary.Errors, err)
				continue
			}
			summary.Killed++
		}
		if err := ledger.RemoveContext(s.ContextPath); err != nil {
			summary.Errors = append(summary.Errors, err)
			continue
		}
		summary.Removed++
	}

	if clean && len(summary.Errors) == 0 {
		if err := os.RemoveAll(home); err != nil {
			summary.Errors = append(summary.Errors, err)
		}
	}
	return summary
}

// ReconcileReport is the §4.9 `reconcile(home)` operation's result: the
// discrepancies between the process tag index and the ledger, plus a
// summary count by kind.
type ReconcileReport struct {
	Discrepancies []model.Discrepancy
	ByKind        map[model.DiscrepancyKind]int
}

// Reconcile diffs the process-tag index against home's ledger scan
// without mutating either side — the read-only counterpart to
// ReconcilePass, used by the `reconcile`/diagnostic surfaces.
func (o *Orchestrator) Reconcile(home string) (ReconcileReport, error) {
	tagged, err := procindex.List()
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("orchestrator: list tagged processes: %w", err)
	}
	states := ledger.SpawnedStates(home)

	discs := reconciler.Diff(tagged, states)
	for _, s := range states {
		if s.ParseError != nil {
			discs = append(discs, model.Discrepancy{
				Kind:   model.LedgerWithoutProcess,
				Detail: s.ParseError.Error(),
			})
		}
	}

	byKind := map[model.DiscrepancyKind]int{}
	for _, d := range discs {
		byKind[d.Kind]++
	}
	return ReconcileReport{Discrepancies: discs, ByKind: byKind}, nil
}
