package reconciler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netspective-labs/db-yard/internal/driver"
	"github.com/netspective-labs/db-yard/internal/ledger"
	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/spawner"
)

const testSleepKind model.Kind = "test-sleep"

// sleepDriver plans a real, always-available child (`sleep`) so the
// reconciler tests exercise a genuine spawn/terminate cycle without
// depending on sqlpage or surveilr binaries being installed.
type sleepDriver struct{}

func (sleepDriver) Kind() model.Kind { return testSleepKind }

func (sleepDriver) Plan(svc model.ExposableService, sc model.Sidecar, params driver.Params) (model.SpawnPlan, error) {
	return model.SpawnPlan{Command: "sleep", Argv: []string{"5"}}, nil
}

func newTestReconciler() *Reconciler {
	reg := driver.NewRegistry()
	reg.Register(sleepDriver{})
	return New(reg, spawner.New(nil), nil)
}

func baseConfig(home string) Config {
	return Config{
		SessionHome:   home,
		OwnerToken:    "owner-1",
		SupervisorPID: os.Getpid(),
		Host:          "test-host",
		ListenHost:    "127.0.0.1",
		PortStart:     18100,
		Roots:         []string{filepath.Dir(home)},
	}
}

func svc(id, path string) model.ExposableService {
	return model.ExposableService{
		ID:                  id,
		Kind:                testSleepKind,
		Label:               id,
		ProxyEndpointPrefix: "/" + id,
		Supplier: model.SupplierRef{
			Location: path,
			Size:     100,
			ModTime:  time.Now(),
			Kind:     testSleepKind,
			Nature:   "sqlite3",
		},
	}
}

func TestRunSpawnsMissingService(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "session")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(root, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestReconciler()
	cfg := baseConfig(home)
	desired := []model.ExposableService{svc("app", dbPath)}

	res := r.Run(cfg, desired, nil)

	if len(res.Spawned) != 1 || res.Spawned[0] != "app" {
		t.Fatalf("expected app spawned, got %+v (errs=%v)", res, res.Errors)
	}

	states := ledger.SpawnedStates(home)
	if len(states) != 1 {
		t.Fatalf("expected one context file, got %d", len(states))
	}
	if !states[0].Alive {
		t.Fatal("expected spawned service to be alive")
	}
	_ = spawner.Terminate(states[0].Context.Spawned.PID)
}

func TestRunSkipsDuringBackoff(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "session")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}

	// Nonexistent kind so the driver lookup always fails, forcing the backoff path.
	r := newTestReconciler()
	cfg := baseConfig(home)
	cfg.BackoffMs = 60_000
	s := svc("broken", filepath.Join(root, "broken.db"))
	s.Kind = model.Kind("no-such-driver")
	s.Supplier.Kind = s.Kind

	first := r.Run(cfg, []model.ExposableService{s}, nil)
	if len(first.Errors) == 0 {
		t.Fatal("expected first pass to fail with no driver registered")
	}

	second := r.Run(cfg, []model.ExposableService{s}, nil)
	if len(second.Skipped) != 1 || second.Skipped[0] != "broken" {
		t.Fatalf("expected second pass to be skipped by backoff, got %+v", second)
	}
}

func TestRunStopsServiceNoLongerDesired(t *testing.T) {
	root := t.TempDir()
	home := filepath.Join(root, "session")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(root, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestReconciler()
	cfg := baseConfig(home)
	s := svc("app", dbPath)

	first := r.Run(cfg, []model.ExposableService{s}, nil)
	if len(first.Spawned) != 1 {
		t.Fatalf("expected spawn, got %+v (errs=%v)", first, first.Errors)
	}

	second := r.Run(cfg, nil, nil)
	if len(second.Stopped) != 1 || second.Stopped[0] != "app" {
		t.Fatalf("expected app stopped, got %+v (errs=%v)", second, second.Errors)
	}

	states := ledger.SpawnedStates(home)
	if len(states) != 0 {
		t.Fatalf("expected context file removed, got %d", len(states))
	}
}

func TestDiffReportsLedgerWithoutProcess(t *testing.T) {
	states := []model.SpawnedState{
		{
			ContextPath: "/sess/dead.context.json",
			Context: &model.SpawnedContext{
				Service: model.ServiceRef{ID: "dead"},
				Spawned: model.SpawnedRef{PID: 999999},
			},
			Alive: false,
		},
	}

	discrepancies := Diff(nil, states)
	if len(discrepancies) != 1 || discrepancies[0].Kind != model.LedgerWithoutProcess {
		t.Fatalf("expected a single ledger_without_process discrepancy, got %+v", discrepancies)
	}
	if discrepancies[0].ServiceID != "dead" {
		t.Errorf("discrepancy service id = %q, want dead", discrepancies[0].ServiceID)
	}
}

func TestRunAdoptsForeignRecordWhenEnabled(t *testing.T) {
	ledgerRoot := t.TempDir()
	ownHome := filepath.Join(ledgerRoot, "own-session")
	foreignHome := filepath.Join(ledgerRoot, "foreign-session")
	if err := os.MkdirAll(ownHome, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(foreignHome, 0o755); err != nil {
		t.Fatal(err)
	}
	// SiblingSessionHomes only recognizes a directory as a session once it
	// carries an owner-token file, the same on-disk marker ledger.NewSession
	// writes.
	if err := os.WriteFile(filepath.Join(ownHome, ".db-yard.owner-token"), []byte("own-owner"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(foreignHome, ".db-yard.owner-token"), []byte("foreign-owner"), 0o644); err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(ledgerRoot, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newTestReconciler()

	// First, a pass under the foreign session's own token actually spawns
	// the child so there is a real live pid to adopt or stop.
	foreignCfg := baseConfig(foreignHome)
	foreignCfg.OwnerToken = "foreign-owner"
	s := svc("app", dbPath)
	first := r.Run(foreignCfg, []model.ExposableService{s}, nil)
	if len(first.Spawned) != 1 {
		t.Fatalf("expected foreign session to spawn app, got %+v (errs=%v)", first, first.Errors)
	}
	foreignStates := ledger.SpawnedStates(foreignHome)
	if len(foreignStates) != 1 {
		t.Fatalf("expected one foreign context file, got %d", len(foreignStates))
	}
	pid := foreignStates[0].Context.Spawned.PID
	defer spawner.Terminate(pid)

	// A second, differently-owned session scans with AdoptForeignState set
	// and nothing desired: it should see the foreign record and stop it.
	ownCfg := baseConfig(ownHome)
	ownCfg.OwnerToken = "own-owner"
	ownCfg.LedgerRoot = ledgerRoot
	ownCfg.AdoptForeignState = true

	r2 := newTestReconciler()
	second := r2.Run(ownCfg, nil, nil)
	if len(second.Stopped) != 1 || second.Stopped[0] != "app" {
		t.Fatalf("expected foreign record to be stopped, got %+v (errs=%v)", second, second.Errors)
	}
}

func TestAllocatePortSkipsUsed(t *testing.T) {
	used := map[int]bool{18200: true, 18201: true}
	port, err := AllocatePort(used, 18200, "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if port == 18200 || port == 18201 {
		t.Fatalf("expected a port past the used set, got %d", port)
	}
}

func TestDiffReportsMismatch(t *testing.T) {
	now := time.Now()
	states := []model.SpawnedState{
		{
			ContextPath: "/sess/app.context.json",
			Context: &model.SpawnedContext{
				Service: model.ServiceRef{ID: "app"},
				Spawned: model.SpawnedRef{PID: 111},
				StartedAt: now,
			},
			Alive: true,
		},
	}
	tagged := []model.TaggedProcess{
		{PID: 222, ContextPath: "/sess/app.context.json"},
		{PID: 333, ContextPath: "/sess/missing.context.json"},
	}

	discrepancies := Diff(tagged, states)
	if len(discrepancies) != 2 {
		t.Fatalf("expected 2 discrepancies, got %d: %+v", len(discrepancies), discrepancies)
	}

	var sawMismatch, sawOrphanProcess bool
	for _, d := range discrepancies {
		switch d.Kind {
		case model.ProcessLedgerMismatch:
			sawMismatch = true
		case model.ProcessWithoutLedger:
			sawOrphanProcess = true
		}
	}
	if !sawMismatch || !sawOrphanProcess {
		t.Fatalf("expected both discrepancy kinds, got %+v", discrepancies)
	}
}
