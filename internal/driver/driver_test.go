package driver

import (
	"strings"
	"testing"

	"github.com/netspective-labs/db-yard/internal/model"
)

func TestSQLPagePlan(t *testing.T) {
	r := NewRegistry()
	d, err := r.Get(model.KindSQLPage)
	if err != nil {
		t.Fatal(err)
	}

	svc := model.ExposableService{
		ID:   "app.sqlpage.db",
		Kind: model.KindSQLPage,
		Supplier: model.SupplierRef{Location: "/tmp/cargo/app.sqlpage.db"},
	}
	plan, err := d.Plan(svc, model.Sidecar{}, Params{Port: 9001, ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Command != "sqlpage" {
		t.Errorf("command = %q", plan.Command)
	}
	joined := strings.Join(plan.Env, " ")
	if !strings.Contains(joined, "DATABASE_URL=sqlite:///tmp/cargo/app.sqlpage.db") {
		t.Errorf("env missing DATABASE_URL: %v", plan.Env)
	}
	if !strings.Contains(joined, "LISTEN_ON=127.0.0.1:9001") {
		t.Errorf("env missing LISTEN_ON: %v", plan.Env)
	}
}

func TestSurveilrPlan(t *testing.T) {
	r := NewRegistry()
	d, _ := r.Get(model.KindSurveilr)

	svc := model.ExposableService{
		ID:       "app.db",
		Kind:     model.KindSurveilr,
		Supplier: model.SupplierRef{Location: "/tmp/cargo/app.db"},
	}
	plan, err := d.Plan(svc, model.Sidecar{}, Params{Port: 9002, ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"web-ui", "-d", "/tmp/cargo/app.db", "--port", "9002"}
	if len(plan.Argv) != len(want) {
		t.Fatalf("argv = %v", plan.Argv)
	}
	for i := range want {
		if plan.Argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, plan.Argv[i], want[i])
		}
	}
}

func TestSidecarBinOverride(t *testing.T) {
	r := NewRegistry()
	d, _ := r.Get(model.KindSQLPage)

	sc := model.Sidecar{"sqlpage.bin": {Tag: "string", Str: "/opt/custom/sqlpage"}}
	svc := model.ExposableService{Kind: model.KindSQLPage, Supplier: model.SupplierRef{Location: "/a/b.db"}}
	plan, err := d.Plan(svc, sc, Params{Port: 1, ListenHost: "127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Command != "/opt/custom/sqlpage" {
		t.Errorf("command = %q, want override", plan.Command)
	}
}

func TestUnknownKindErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(model.KindOther); err == nil {
		t.Error("expected error for unregistered kind")
	}
}
