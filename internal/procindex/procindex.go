// Package procindex enumerates operating-system processes carrying
// db-yard's ownership environment tags — the authoritative, ledger-
// independent source of "processes owned by db-yard".
package procindex

import (
	"github.com/netspective-labs/db-yard/internal/ledger"
	"github.com/netspective-labs/db-yard/internal/model"
)

const (
	envContextPath = "DB_YARD_CONTEXT_PATH"
	envSessionID   = "DB_YARD_SESSION_ID"
	envServiceID   = "DB_YARD_SERVICE_ID"
)

// List enumerates every process on the system whose environment carries
// DB_YARD_CONTEXT_PATH, best-effort enriching each with its referenced
// context file. A pid whose context can't be parsed, or whose recorded pid
// disagrees with the /proc pid, is still returned with Issue set rather
// than dropped.
func List() ([]model.TaggedProcess, error) {
	envs, err := listTaggedEnvirons()
	if err != nil {
		return nil, err
	}

	out := make([]model.TaggedProcess, 0, len(envs))
	for _, e := range envs {
		tp := model.TaggedProcess{
			PID:         e.pid,
			SessionID:   e.env[envSessionID],
			ServiceID:   e.env[envServiceID],
			ContextPath: e.env[envContextPath],
		}
		if tp.ContextPath == "" {
			continue
		}

		ctx, err := ledger.ReadContext(tp.ContextPath)
		switch {
		case err != nil:
			tp.Issue = "context unreadable: " + err.Error()
		case ctx.Spawned.PID != 0 && ctx.Spawned.PID != tp.PID:
			c := ctx
			tp.Context = &c
			tp.Issue = "pid in context disagrees with observed process, context may be stale"
		default:
			c := ctx
			tp.Context = &c
		}

		out = append(out, tp)
	}
	return out, nil
}
