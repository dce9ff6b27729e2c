// Package reconciler implements the pure-ish core of db-yard: a function
// from (desired services, ledger, live processes) to actions (spawn, stop,
// refresh), plus the port allocation and backoff policy those actions need.
package reconciler

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/classifier"
	"github.com/netspective-labs/db-yard/internal/driver"
	"github.com/netspective-labs/db-yard/internal/ledger"
	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/pathutil"
	"github.com/netspective-labs/db-yard/internal/spawner"
)

// RespawnBackoffMs is the default per-source-file backoff window after a
// failed spawn or fast-exit.
const RespawnBackoffMs = 15_000

// Config holds the knobs a reconciliation pass runs under.
type Config struct {
	SessionHome       string
	LedgerRoot        string // parent of SessionHome; scanned for sibling sessions when AdoptForeignState is set
	OwnerToken        string
	SupervisorPID     int
	Host              string
	ListenHost        string
	PortStart         int
	BackoffMs         int64
	AdoptForeignState bool
	Roots             []string // for ContextPath's best-matching-root lookup
}

// Reconciler holds the dependencies and the in-memory backoff bookkeeping
// a reconciliation pass needs. Dependencies are passed in explicitly so
// the pass itself stays a function of its inputs, per the governing
// design's "no back-references, passed as parameters" note.
type Reconciler struct {
	drivers  *driver.Registry
	spawner  *spawner.Spawner
	logger   hclog.Logger
	failures map[string]*model.FailureState // keyed by service id
}

// New returns a Reconciler. A nil logger is replaced with a null logger.
func New(drivers *driver.Registry, sp *spawner.Spawner, logger hclog.Logger) *Reconciler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reconciler{
		drivers:  drivers,
		spawner:  sp,
		logger:   logger.Named("reconciler"),
		failures: make(map[string]*model.FailureState),
	}
}

// PassResult is the summary one reconciliation pass returns: per-candidate
// failures are accumulated here rather than aborting the pass.
type PassResult struct {
	Spawned       []string
	Refreshed     []string
	Stopped       []string
	Skipped       []string // spawn attempts suppressed by backoff
	GCed          []string
	Discrepancies []model.Discrepancy
	Errors        []error
}

// Run executes one reconciliation pass: diff desired against observed,
// spawn/refresh/stop as needed, garbage-collect orphan context files, and
// rewrite the pid file. Desired and observed are iterated in id order so
// traces and tests are reproducible.
func (r *Reconciler) Run(cfg Config, desired []model.ExposableService, tagged []model.TaggedProcess) PassResult {
	var res PassResult

	sort.Slice(desired, func(i, j int) bool { return desired[i].ID < desired[j].ID })

	states := ledger.SpawnedStates(cfg.SessionHome)
	if cfg.AdoptForeignState && cfg.LedgerRoot != "" {
		for _, home := range ledger.SiblingSessionHomes(cfg.LedgerRoot, cfg.SessionHome) {
			states = append(states, ledger.SpawnedStates(home)...)
		}
		sort.Slice(states, func(i, j int) bool { return states[i].ContextPath < states[j].ContextPath })
	}

	observedByID := map[string]model.SpawnedState{}
	for _, s := range states {
		if s.ParseError != nil {
			res.Discrepancies = append(res.Discrepancies, model.Discrepancy{
				Kind:   model.LedgerWithoutProcess,
				Detail: s.ParseError.Error(),
			})
			continue
		}
		id := s.Context.Service.ID
		if !r.ownedOrAdoptable(s.Context.Owner.OwnerToken, cfg) {
			continue
		}
		if prior, ok := observedByID[id]; ok {
			// Two records with the same id: prefer the one whose source
			// file still exists, per the governing design's documented
			// tie-break for foreign-record id collisions.
			if _, err := os.Stat(prior.Context.Supplier.Location); err == nil {
				continue
			}
		}
		observedByID[id] = s
	}

	usedPorts := map[int]bool{}
	for _, s := range observedByID {
		if s.Alive {
			usedPorts[s.Context.Listen.Port] = true
		}
	}

	runningPIDs := map[int]bool{}

	desiredByID := map[string]model.ExposableService{}
	for _, svc := range desired {
		desiredByID[svc.ID] = svc
	}

	for _, svc := range desired {
		observed, isObserved := observedByID[svc.ID]

		switch {
		case isObserved && observed.Alive:
			changed := observed.Context.Supplier.Size != svc.Supplier.Size ||
				!observed.Context.Supplier.ModTime.Equal(svc.Supplier.ModTime)
			if changed {
				if err := r.refresh(cfg, svc, observed); err != nil {
					res.Errors = append(res.Errors, err)
				} else {
					res.Refreshed = append(res.Refreshed, svc.ID)
				}
			} else {
				r.touchLastSeen(observed)
			}
			runningPIDs[observed.Context.Spawned.PID] = true
			delete(observedByID, svc.ID)

		default:
			if isObserved {
				// Observed but pid is dead: treat as not running and fall
				// through to the spawn path below.
				delete(observedByID, svc.ID)
			}
			if r.backoffActive(svc.ID, cfg.effectiveBackoffMs()) {
				res.Skipped = append(res.Skipped, svc.ID)
				continue
			}
			pid, port, err := r.spawn(cfg, svc, usedPorts)
			if err != nil {
				r.recordFailure(svc.ID)
				res.Errors = append(res.Errors, fmt.Errorf("spawn %s: %w", svc.ID, err))
				continue
			}
			r.clearFailure(svc.ID)
			usedPorts[port] = true
			runningPIDs[pid] = true
			res.Spawned = append(res.Spawned, svc.ID)
		}
	}

	// Remaining observed entries have no desired match: stop or detach.
	remaining := make([]string, 0, len(observedByID))
	for id := range observedByID {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)

	for _, id := range remaining {
		s := observedByID[id]
		owned := s.Context.Owner.OwnerToken == cfg.OwnerToken
		if owned || cfg.AdoptForeignState {
			if s.Alive {
				if err := spawner.Terminate(s.Context.Spawned.PID); err != nil {
					res.Errors = append(res.Errors, err)
					continue
				}
			}
			if err := ledger.RemoveContext(s.ContextPath); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Stopped = append(res.Stopped, id)
		}
		// Foreign + adoption disabled: leave the pid and the ledger entry
		// untouched, it is simply not part of this session's running set.
	}

	// Garbage-collect orphan context files: present in the session
	// directory, source file gone, and not part of the running set.
	for _, s := range states {
		if s.ParseError != nil || s.Context == nil {
			continue
		}
		if runningPIDs[s.Context.Spawned.PID] {
			continue
		}
		if _, ok := desiredByID[s.Context.Service.ID]; ok {
			continue
		}
		if _, err := os.Stat(s.Context.Supplier.Location); err == nil {
			continue
		}
		if !r.ownedOrAdoptable(s.Context.Owner.OwnerToken, cfg) {
			continue
		}
		if err := ledger.RemoveContext(s.ContextPath); err == nil {
			res.GCed = append(res.GCed, s.Context.Service.ID)
		}
	}

	pids := make([]int, 0, len(runningPIDs))
	for pid := range runningPIDs {
		pids = append(pids, pid)
	}
	if err := ledger.RewritePIDFile(cfg.SessionHome, pids); err != nil {
		res.Errors = append(res.Errors, err)
	}

	res.Discrepancies = append(res.Discrepancies, Diff(tagged, states)...)

	return res
}

func (cfg Config) effectiveBackoffMs() int64 {
	if cfg.BackoffMs > 0 {
		return cfg.BackoffMs
	}
	return RespawnBackoffMs
}

func (r *Reconciler) ownedOrAdoptable(ownerToken string, cfg Config) bool {
	return ownerToken == cfg.OwnerToken || cfg.AdoptForeignState
}

func (r *Reconciler) backoffActive(id string, backoffMs int64) bool {
	f, ok := r.failures[id]
	if !ok {
		return false
	}
	return nowMs()-f.LastFailAtMs < backoffMs
}

func (r *Reconciler) recordFailure(id string) {
	f, ok := r.failures[id]
	if !ok {
		f = &model.FailureState{}
		r.failures[id] = f
	}
	f.LastFailAtMs = nowMs()
	f.FailCount++
}

func (r *Reconciler) clearFailure(id string) {
	delete(r.failures, id)
}

func (r *Reconciler) touchLastSeen(s model.SpawnedState) {
	s.Context.LastSeenAtMs = nowMs()
	_ = ledger.WriteContext(*s.Context)
}

func (r *Reconciler) refresh(cfg Config, svc model.ExposableService, observed model.SpawnedState) error {
	sc := classifier.LoadSidecar(model.Candidate{Path: svc.Supplier.Location})
	ctx := *observed.Context
	ctx.Supplier = svc.Supplier
	ctx.Service.Label = svc.Label
	ctx.Service.ProxyEndpointPrefix = svc.ProxyEndpointPrefix
	ctx.DBYardConfig = sidecarSnapshot(sc)
	ctx.LastSeenAtMs = nowMs()
	return ledger.WriteContext(ctx)
}

func (r *Reconciler) spawn(cfg Config, svc model.ExposableService, usedPorts map[int]bool) (pid int, port int, err error) {
	root, ok := pathutil.BestRoot(svc.Supplier.Location, cfg.Roots)
	if !ok {
		root = filepath.Dir(svc.Supplier.Location)
	}
	contextPath := ledger.ContextPath(cfg.SessionHome, svc, root)
	stdoutPath, stderrPath := ledger.LogPaths(contextPath)

	port, err = AllocatePort(usedPorts, cfg.PortStart, cfg.ListenHost)
	if err != nil {
		return 0, 0, err
	}

	d, err := r.drivers.Get(svc.Kind)
	if err != nil {
		return 0, 0, err
	}
	sc := classifier.LoadSidecar(model.Candidate{Path: svc.Supplier.Location})

	plan, err := d.Plan(svc, sc, driver.Params{Port: port, ListenHost: cfg.ListenHost})
	if err != nil {
		return 0, 0, err
	}
	plan.StdoutPath = stdoutPath
	plan.StderrPath = stderrPath
	plan.Cwd = filepath.Dir(svc.Supplier.Location)
	plan.Tag = model.ProcessTag{SessionID: cfg.sessionID(), ServiceID: svc.ID, ContextPath: contextPath}

	pid, err = r.spawner.Spawn(plan)
	if err != nil {
		return 0, 0, err
	}

	baseURL := fmt.Sprintf("http://%s:%d", cfg.ListenHost, port)
	ctx := model.SpawnedContext{
		StartedAt: time.Now(),
		Session: model.SessionRef{
			SessionID: cfg.sessionID(),
			Host:      cfg.Host,
			StartedAt: time.Now(),
		},
		Service: model.ServiceRef{
			ID:                  svc.ID,
			Kind:                svc.Kind,
			Label:               svc.Label,
			ProxyEndpointPrefix: svc.ProxyEndpointPrefix,
			UpstreamURL:         pathutil.JoinURL(baseURL, svc.ProxyEndpointPrefix),
		},
		Supplier: svc.Supplier,
		Listen: model.ListenRef{
			Host:     cfg.ListenHost,
			Port:     port,
			BaseURL:  baseURL,
			ProbeURL: baseURL + "/",
		},
		Spawned: model.SpawnedRef{PID: pid, Plan: plan},
		Paths: model.ContextPaths{
			Context: contextPath,
			Stdout:  stdoutPath,
			Stderr:  stderrPath,
		},
		Owner: model.OwnerRef{
			OwnerToken:    cfg.OwnerToken,
			SupervisorPID: cfg.SupervisorPID,
			Host:          cfg.Host,
			StartedAtMs:   nowMs(),
		},
		DBYardConfig: sidecarSnapshot(sc),
		LastSeenAtMs: nowMs(),
	}

	if err := ledger.WriteContext(ctx); err != nil {
		// The child is already running with no manifest; the next pass's
		// tag-index scan will surface it as a discrepancy and either
		// adopt or kill it, per the governing design's error semantics.
		return pid, port, fmt.Errorf("context write failed, child %d left unmanifested: %w", pid, err)
	}

	return pid, port, nil
}

func (cfg Config) sessionID() string {
	return filepath.Base(cfg.SessionHome)
}

func sidecarSnapshot(sc model.Sidecar) map[string]any {
	if len(sc) == 0 {
		return nil
	}
	out := make(map[string]any, len(sc))
	for k, v := range sc {
		switch v.Tag {
		case "bool":
			out[k] = v.Bool
		case "int":
			out[k] = v.Int
		case "float":
			out[k] = v.Float
		case "json":
			out[k] = string(v.Raw)
		case "null":
			out[k] = nil
		default:
			out[k] = v.Str
		}
	}
	return out
}

// AllocatePort returns the next port at or after start not already in
// used, confirmed free by a real bind/close on listenHost. When the
// sequential range is dense it falls back to binding :0 and letting the
// operating system pick, which is the authoritative check either way.
func AllocatePort(used map[int]bool, start int, listenHost string) (int, error) {
	for p := start; p < start+1000; p++ {
		if used[p] {
			continue
		}
		if tryBind(listenHost, p) {
			return p, nil
		}
	}
	return bindEphemeral(listenHost)
}

func tryBind(host string, port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func bindEphemeral(host string) (int, error) {
	l, err := net.Listen("tcp", host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func nowMs() int64 { return time.Now().UnixMilli() }

// Diff compares the process tag index against the ledger's parsed states
// and reports discrepancies: a tagged pid whose context file is missing,
// a context file whose pid no longer matches the tagged process, or a
// parsed context file whose pid is not alive. It never mutates anything —
// the reconciliation loop above already owns the corrective actions; Run
// appends its output to each pass result, and Orchestrator.Reconcile
// returns it as a standalone report.
func Diff(tagged []model.TaggedProcess, states []model.SpawnedState) []model.Discrepancy {
	byContextPath := map[string]model.SpawnedState{}
	for _, s := range states {
		if s.ParseError == nil && s.Context != nil {
			byContextPath[s.ContextPath] = s
		}
	}

	var out []model.Discrepancy
	for _, p := range tagged {
		s, ok := byContextPath[p.ContextPath]
		if !ok {
			out = append(out, model.Discrepancy{
				Kind:   model.ProcessWithoutLedger,
				PID:    p.PID,
				Detail: fmt.Sprintf("tagged pid %d references missing context %s", p.PID, p.ContextPath),
			})
			continue
		}
		if s.Context.Spawned.PID != p.PID {
			out = append(out, model.Discrepancy{
				Kind:      model.ProcessLedgerMismatch,
				ServiceID: s.Context.Service.ID,
				PID:       p.PID,
				Detail:    fmt.Sprintf("tagged pid %d but context records pid %d", p.PID, s.Context.Spawned.PID),
			})
		}
	}

	// The inverse case: a context file whose pid is dead, e.g. a child
	// killed with SIGKILL that never got to exit cleanly through the
	// reconciler's own stop path.
	for _, s := range states {
		if s.ParseError != nil || s.Context == nil || s.Alive {
			continue
		}
		out = append(out, model.Discrepancy{
			Kind:      model.LedgerWithoutProcess,
			ServiceID: s.Context.Service.ID,
			PID:       s.Context.Spawned.PID,
			Detail:    fmt.Sprintf("context %s records pid %d, which is not alive", s.ContextPath, s.Context.Spawned.PID),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].PID < out[j].PID
	})
	return out
}
