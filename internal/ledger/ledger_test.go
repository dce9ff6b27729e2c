package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/netspective-labs/db-yard/internal/model"
)

func TestNewSessionLayout(t *testing.T) {
	root := t.TempDir()
	sess, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(sess.Home, ownerTokenFile)); err != nil {
		t.Errorf("owner token file missing: %v", err)
	}

	home, err := CurrentSessionHome(root)
	if err != nil {
		t.Fatal(err)
	}
	if home != sess.Home {
		t.Errorf("current-session pointer = %q, want %q", home, sess.Home)
	}

	token, err := ReadOwnerToken(sess.Home)
	if err != nil || token != sess.OwnerToken {
		t.Errorf("token = %q, %v, want %q", token, err, sess.OwnerToken)
	}
}

func TestWriteReadContextRoundTrip(t *testing.T) {
	root := t.TempDir()
	sess, _ := NewSession(root)

	ctxPath := filepath.Join(sess.Home, "app.sqlpage.db.a1b2c3d4.context.json")
	ctx := model.SpawnedContext{
		StartedAt: time.Now().Truncate(time.Second),
		Service:   model.ServiceRef{ID: "app.sqlpage.db", Kind: model.KindSQLPage},
		Paths:     model.ContextPaths{Context: ctxPath},
		Spawned:   model.SpawnedRef{PID: os.Getpid()},
	}

	if err := WriteContext(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := ReadContext(ctxPath)
	if err != nil {
		t.Fatal(err)
	}
	if got.Service.ID != ctx.Service.ID || got.Paths.Context != ctx.Paths.Context {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := os.Stat(ctxPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a successful atomic write")
	}
}

func TestRewritePIDFileDedupSort(t *testing.T) {
	root := t.TempDir()
	sess, _ := NewSession(root)

	if err := RewritePIDFile(sess.Home, []int{30, 10, 10, 20}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(sess.Home, pidFileName))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "10 20 30" {
		t.Errorf("got %q, want %q", string(b), "10 20 30")
	}
}

func TestRewritePIDFileNoOpWhenUnchanged(t *testing.T) {
	root := t.TempDir()
	sess, _ := NewSession(root)
	path := filepath.Join(sess.Home, pidFileName)

	if err := RewritePIDFile(sess.Home, []int{1, 2}); err != nil {
		t.Fatal(err)
	}
	info1, _ := os.Stat(path)

	time.Sleep(10 * time.Millisecond)
	if err := RewritePIDFile(sess.Home, []int{2, 1}); err != nil {
		t.Fatal(err)
	}
	info2, _ := os.Stat(path)

	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("rewrite with identical content should not touch the file")
	}
}

func TestNewSessionCapturesPreviousHome(t *testing.T) {
	root := t.TempDir()
	first, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}
	if first.PreviousHome != "" {
		t.Errorf("first session should have no previous home, got %q", first.PreviousHome)
	}

	time.Sleep(1100 * time.Millisecond) // session dir names are second-granular
	second, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousHome != first.Home {
		t.Errorf("second.PreviousHome = %q, want %q", second.PreviousHome, first.Home)
	}
}

func TestAdoptLiveRecordsMovesAliveRecordOnly(t *testing.T) {
	root := t.TempDir()
	prev, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(root, "app.db")
	if err := os.WriteFile(dbPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	alivePath := filepath.Join(prev.Home, "app.db.a1b2c3d4.context.json")
	aliveCtx := model.SpawnedContext{
		Service:  model.ServiceRef{ID: "app.db"},
		Supplier: model.SupplierRef{Location: dbPath},
		Spawned:  model.SpawnedRef{PID: os.Getpid()}, // our own test process: alive
		Paths:    model.ContextPaths{Context: alivePath},
	}
	if err := WriteContext(aliveCtx); err != nil {
		t.Fatal(err)
	}

	deadPath := filepath.Join(prev.Home, "gone.db.deadbeef.context.json")
	deadCtx := model.SpawnedContext{
		Service:  model.ServiceRef{ID: "gone.db"},
		Supplier: model.SupplierRef{Location: dbPath},
		Spawned:  model.SpawnedRef{PID: 999999}, // implausible pid: treated as dead
		Paths:    model.ContextPaths{Context: deadPath},
	}
	if err := WriteContext(deadCtx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(1100 * time.Millisecond)
	next, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}
	if next.PreviousHome != prev.Home {
		t.Fatalf("PreviousHome = %q, want %q", next.PreviousHome, prev.Home)
	}

	owner := model.OwnerRef{OwnerToken: next.OwnerToken, SupervisorPID: next.SupervisorPID}
	adopted, err := AdoptLiveRecords(next.PreviousHome, next.Home, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(adopted) != 1 {
		t.Fatalf("adopted %d records, want 1: %v", len(adopted), adopted)
	}

	states := SpawnedStates(next.Home)
	if len(states) != 1 {
		t.Fatalf("new session home has %d states, want 1", len(states))
	}
	if states[0].Context.Service.ID != "app.db" {
		t.Errorf("adopted record has service id %q, want app.db", states[0].Context.Service.ID)
	}
	if states[0].Context.Owner.OwnerToken != next.OwnerToken {
		t.Errorf("adopted record owner token = %q, want %q", states[0].Context.Owner.OwnerToken, next.OwnerToken)
	}

	if _, err := os.Stat(alivePath); !os.IsNotExist(err) {
		t.Error("old context path should be gone after adoption")
	}
	if _, err := os.Stat(deadPath); err != nil {
		t.Error("dead record's context file should be left behind for the old session's own GC")
	}
}

func TestSiblingSessionHomes(t *testing.T) {
	root := t.TempDir()
	a, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	b, err := NewSession(root)
	if err != nil {
		t.Fatal(err)
	}

	siblings := SiblingSessionHomes(root, b.Home)
	if len(siblings) != 1 || siblings[0] != a.Home {
		t.Errorf("siblings of %q = %v, want [%q]", b.Home, siblings, a.Home)
	}
}

func TestSpawnedStatesSurvivesInvalidJSON(t *testing.T) {
	root := t.TempDir()
	sess, _ := NewSession(root)

	good := filepath.Join(sess.Home, "good.context.json")
	_ = WriteContext(model.SpawnedContext{
		Paths:   model.ContextPaths{Context: good},
		Spawned: model.SpawnedRef{PID: os.Getpid()},
	})

	bad := filepath.Join(sess.Home, "bad.context.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	states := SpawnedStates(sess.Home)
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	var sawGood, sawBad bool
	for _, s := range states {
		if s.ContextPath == good && s.ParseError == nil {
			sawGood = true
		}
		if s.ContextPath == bad && s.ParseError != nil {
			sawBad = true
		}
	}
	if !sawGood || !sawBad {
		t.Errorf("expected one good and one bad state, got %+v", states)
	}
}
