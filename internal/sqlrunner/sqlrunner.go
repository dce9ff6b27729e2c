// Package sqlrunner is the ad-hoc query collaborator behind the admin
// surface's intentionally-unsafe `/SQL/unsafe/<serviceId>.json` endpoint. It
// is the one boundary the governing design calls out as an external
// collaborator so implementations stay free to swap it for a sandboxed
// runner later.
package sqlrunner

import (
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"
)

// Result is the outcome of running one ad-hoc query against a database.
type Result struct {
	OK       bool            `json:"ok"`
	Rows     json.RawMessage `json:"rows,omitempty"`
	Text     string          `json:"text,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	ExitCode int             `json:"exitCode"`
}

// RunQuery executes sql against the database at dbPath and returns its rows
// json-encoded, the way a `sqlite3 -json` invocation would have. Errors are
// reported in the Result rather than returned, matching the
// `{runQuery(dbPath, sql) → {ok, rows|text, stderr, exitCode}}` contract.
func RunQuery(dbPath, query string) Result {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
	}
	defer db.Close()

	rows, err := db.Query(query)
	if err != nil {
		return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return Result{OK: false, Stderr: err.Error(), ExitCode: 1}
	}

	return Result{OK: true, Rows: encoded}
}
