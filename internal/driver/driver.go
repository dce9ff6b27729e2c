// Package driver describes, per service kind, how to launch a child
// process. Drivers never allocate ports, never write files, and never
// execute processes — they only produce a SpawnPlan.
package driver

import (
	"fmt"
	"sort"

	"github.com/netspective-labs/db-yard/internal/model"
)

// Params are the runtime parameters a driver needs to resolve a SpawnPlan,
// beyond what the ExposableService itself carries.
type Params struct {
	Port        int
	ListenHost  string
	SQLPageBin  string
	SurveilrBin string
}

// Driver is the per-kind spawn-plan producer. Implementations must be pure:
// no I/O, no port allocation, no process execution.
type Driver interface {
	Kind() model.Kind
	Plan(svc model.ExposableService, sc model.Sidecar, params Params) (model.SpawnPlan, error)
}

// Registry resolves a Driver by kind, the way the teacher's provider
// Registry resolves a Provider by id.
type Registry struct {
	drivers map[model.Kind]Driver
}

// NewRegistry builds a registry pre-populated with the two built-in
// drivers.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[model.Kind]Driver)}
	r.Register(SQLPageDriver{})
	r.Register(SurveilrDriver{})
	return r
}

// Register adds or replaces the driver for its kind.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Kind()] = d
}

// Get returns the driver for kind, or an error if none is registered.
func (r *Registry) Get(kind model.Kind) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, fmt.Errorf("driver: no driver registered for kind %q", kind)
	}
	return d, nil
}

// sidecarOverrideArgs applies the `<kind>.args` sidecar override. A
// present sidecar value replaces the driver's default argv outright, per
// the governing design's "override the driver's defaults" wording.
func sidecarOverrideArgs(sc model.Sidecar, kind model.Kind, argv []string) []string {
	if override := sc.StringSlice(string(kind) + ".args"); override != nil {
		return override
	}
	return argv
}

// sidecarOverrideEnv applies the `<kind>.env` sidecar override on top of the
// driver defaults; sidecar keys win on conflict.
func sidecarOverrideEnv(sc model.Sidecar, kind model.Kind, env []string) []string {
	extra := sc.StringMap(string(kind) + ".env")
	if len(extra) == 0 {
		return env
	}
	merged := map[string]string{}
	for _, kv := range env {
		k, v, ok := splitEnv(kv)
		if ok {
			merged[k] = v
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(merged))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// sidecarOverrideBin applies the `<kind>.bin` sidecar override.
func sidecarOverrideBin(sc model.Sidecar, kind model.Kind, def string) string {
	if bin := sc.String(string(kind)+".bin", ""); bin != "" {
		return bin
	}
	return def
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
