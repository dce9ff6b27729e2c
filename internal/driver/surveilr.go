package driver

import (
	"strconv"

	"github.com/netspective-labs/db-yard/internal/model"
)

// SurveilrDriver is argument-driven: `web-ui -d <db> --port <port>`, matching
// the "surveilr-like" driver described in the governing design.
type SurveilrDriver struct{}

func (SurveilrDriver) Kind() model.Kind { return model.KindSurveilr }

func (d SurveilrDriver) Plan(svc model.ExposableService, sc model.Sidecar, params Params) (model.SpawnPlan, error) {
	bin := params.SurveilrBin
	if bin == "" {
		bin = "surveilr"
	}
	bin = sidecarOverrideBin(sc, d.Kind(), bin)

	argv := []string{"web-ui", "-d", svc.Supplier.Location, "--port", strconv.Itoa(params.Port)}
	argv = sidecarOverrideArgs(sc, d.Kind(), argv)

	env := sidecarOverrideEnv(sc, d.Kind(), nil)

	return model.SpawnPlan{
		Command: bin,
		Argv:    argv,
		Env:     env,
	}, nil
}
