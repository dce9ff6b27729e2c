package driver

import (
	"fmt"

	"github.com/netspective-labs/db-yard/internal/model"
)

// SQLPageDriver is environment-driven: DATABASE_URL, LISTEN_ON, plus an
// environment selector, matching the "sqlpage-like" driver described in the
// governing design.
type SQLPageDriver struct{}

func (SQLPageDriver) Kind() model.Kind { return model.KindSQLPage }

func (d SQLPageDriver) Plan(svc model.ExposableService, sc model.Sidecar, params Params) (model.SpawnPlan, error) {
	bin := params.SQLPageBin
	if bin == "" {
		bin = "sqlpage"
	}
	bin = sidecarOverrideBin(sc, d.Kind(), bin)

	env := []string{
		fmt.Sprintf("DATABASE_URL=sqlite://%s", svc.Supplier.Location),
		fmt.Sprintf("LISTEN_ON=%s:%d", params.ListenHost, params.Port),
		"SQLPAGE_ENVIRONMENT=production",
	}
	env = sidecarOverrideEnv(sc, d.Kind(), env)
	argv := sidecarOverrideArgs(sc, d.Kind(), nil)

	return model.SpawnPlan{
		Command: bin,
		Argv:    argv,
		Env:     env,
	}, nil
}
