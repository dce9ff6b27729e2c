// Package model holds the shared data types that flow between db-yard's
// discovery, classification, driver, spawner, ledger and reconciler stages.
// Keeping them in one leaf package lets those stages depend on the shapes
// without depending on each other.
package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Candidate is a file discovery yields. It is transient: it exists only for
// the duration of one reconciliation pass.
type Candidate struct {
	Path    string // absolute path
	Root    string // the root this candidate was discovered under
	Size    int64
	ModTime time.Time
}

// Kind identifies which driver, if any, can expose a classified candidate.
type Kind string

const (
	KindSQLPage     Kind = "sqlpage"
	KindSurveilr    Kind = "surveilr"
	KindPlainSQLite Kind = "plain-sqlite"
	KindOther       Kind = "other"
)

// Classification is the result of running a candidate through the
// classifier's table-presence probes.
type Classification struct {
	Kind   Kind
	Nature string // free-form supplier nature, e.g. "sqlite3", "unreadable"
	Note   string // set when classification degraded to KindOther due to an error, or when a sidecar overrode the kind
}

// Exposable reports whether a classification can become a running service.
func (c Classification) Exposable() bool {
	return c.Kind == KindSQLPage || c.Kind == KindSurveilr
}

// SidecarValue is a tagged scalar-or-json variant read from a candidate's
// optional `.db-yard` configuration table.
type SidecarValue struct {
	Tag   string // "null", "bool", "int", "float", "string", "json"
	Str   string
	Bool  bool
	Int   int64
	Float float64
	Raw   []byte // raw JSON bytes when Tag == "json"
}

// Sidecar is the full key/value map loaded from a candidate's `.db-yard`
// table. Missing table yields an empty, non-nil Sidecar.
type Sidecar map[string]SidecarValue

// String returns the value as a string, or def if the key is absent or the
// stored scalar cannot be represented as a plain string.
func (s Sidecar) String(key, def string) string {
	v, ok := s[key]
	if !ok {
		return def
	}
	switch v.Tag {
	case "string":
		return v.Str
	case "int":
		return strconv.FormatInt(v.Int, 10)
	default:
		return def
	}
}

// StringSlice returns a JSON-array-valued key as a []string, or nil.
func (s Sidecar) StringSlice(key string) []string {
	v, ok := s[key]
	if !ok || v.Tag != "json" {
		return nil
	}
	return decodeStringSlice(v.Raw)
}

// StringMap returns a JSON-object-valued key as a map[string]string, or nil.
func (s Sidecar) StringMap(key string) map[string]string {
	v, ok := s[key]
	if !ok || v.Tag != "json" {
		return nil
	}
	return decodeStringMap(v.Raw)
}

// ExposableService is a classified candidate that can be spawned as a
// running process. Its id is stable across runs given the same roots and
// source file path.
type ExposableService struct {
	ID                  string
	Kind                Kind
	Label               string
	ProxyEndpointPrefix string
	Supplier            SupplierRef
}

// SupplierRef points back at the file that produced an ExposableService.
type SupplierRef struct {
	Location string
	Size     int64
	ModTime  time.Time
	Kind     Kind
	Nature   string
}

// SpawnPlan is a pure description of how to launch a child process for a
// service. It is never aware of a PID.
type SpawnPlan struct {
	Command    string
	Argv       []string
	Env        []string
	Cwd        string
	StdoutPath string
	StderrPath string
	Tag        ProcessTag
}

// ProcessTag is the set of environment variables db-yard stamps onto every
// child it spawns, used later to recover ownership via the process tag
// index (§4.6/§4.7 of the governing design).
type ProcessTag struct {
	SessionID   string
	ServiceID   string
	ContextPath string
}

// EnvPairs renders the tag as the three DB_YARD_* environment assignments.
func (t ProcessTag) EnvPairs() []string {
	return []string{
		"DB_YARD_CONTEXT_PATH=" + t.ContextPath,
		"DB_YARD_SESSION_ID=" + t.SessionID,
		"DB_YARD_SERVICE_ID=" + t.ServiceID,
	}
}

// SpawnedContext is the durable manifest written to the ledger for one
// running service. Its JSON shape is a stable cross-implementation contract.
type SpawnedContext struct {
	StartedAt     time.Time          `json:"startedAt"`
	Session       SessionRef         `json:"session"`
	Service       ServiceRef         `json:"service"`
	Supplier      SupplierRef        `json:"supplier"`
	Listen        ListenRef          `json:"listen"`
	Spawned       SpawnedRef         `json:"spawned"`
	Paths         ContextPaths       `json:"paths"`
	Owner         OwnerRef           `json:"owner"`
	DBYardConfig  map[string]any     `json:"dbYardConfig,omitempty"`
	SpawnedCtx    map[string]any     `json:"spawnedCtx,omitempty"`
	LastSeenAtMs  int64              `json:"lastSeenAtMs,omitempty"`
	FailureState  *FailureState      `json:"failureState,omitempty"`
}

// SessionRef identifies the supervisor run that wrote a context.
type SessionRef struct {
	SessionID string    `json:"sessionId"`
	Host      string    `json:"host"`
	StartedAt time.Time `json:"startedAt"`
}

// ServiceRef mirrors the subset of ExposableService recorded in a manifest.
type ServiceRef struct {
	ID                  string `json:"id"`
	Kind                Kind   `json:"kind"`
	Label               string `json:"label"`
	ProxyEndpointPrefix string `json:"proxyEndpointPrefix"`
	UpstreamURL         string `json:"upstreamUrl"`
}

// ListenRef records the host/port a spawned child is bound to.
type ListenRef struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	BaseURL  string `json:"baseUrl"`
	ProbeURL string `json:"probeUrl"`
}

// SpawnedRef records the pid and the plan that produced it.
type SpawnedRef struct {
	PID  int       `json:"pid"`
	Plan SpawnPlan `json:"plan"`
}

// ContextPaths records where a manifest and its log siblings live.
type ContextPaths struct {
	Context string `json:"context"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
}

// OwnerRef identifies which session/supervisor owns a manifest.
type OwnerRef struct {
	OwnerToken    string `json:"ownerToken"`
	SupervisorPID int    `json:"supervisorPid"`
	Host          string `json:"host"`
	StartedAtMs   int64  `json:"startedAtMs"`
}

// FailureState tracks per-source-file backoff bookkeeping. The reconciler
// keeps it only in memory, keyed by service id; it never sets
// SpawnedContext.FailureState, so backoff state is not written to disk.
type FailureState struct {
	LastFailAtMs int64 `json:"lastFailAtMs"`
	FailCount    int   `json:"failCount"`
}

// SpawnedState decorates a parsed SpawnedContext with liveness and
// best-effort cmdline enrichment, as produced by a ledger scan.
type SpawnedState struct {
	Context     *SpawnedContext
	Alive       bool
	Cmdline     string
	ContextPath string
	ParseError  error
}

// TaggedProcess is an OS process observed to carry db-yard's ownership
// environment variables.
type TaggedProcess struct {
	PID         int
	SessionID   string
	ServiceID   string
	ContextPath string
	Context     *SpawnedContext // best-effort enrichment, may be nil
	Issue       string          // non-fatal anomaly, e.g. "pid mismatch in context"
}

// DiscrepancyKind enumerates the observability gaps reconcile(home) reports.
type DiscrepancyKind string

const (
	ProcessWithoutLedger  DiscrepancyKind = "process_without_ledger"
	LedgerWithoutProcess  DiscrepancyKind = "ledger_without_process"
	ProcessLedgerMismatch DiscrepancyKind = "process_and_ledger_mismatch"
)

// Discrepancy is one item yielded by reconcile(home).
type Discrepancy struct {
	Kind      DiscrepancyKind
	ServiceID string
	PID       int
	Detail    string
}

func decodeStringSlice(raw []byte) []string {
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func decodeStringMap(raw []byte) map[string]string {
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

