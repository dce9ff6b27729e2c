package sqlrunner

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func makeSQLite(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if _, err := db.Exec(`CREATE TABLE widgets (id INTEGER, name TEXT); INSERT INTO widgets VALUES (1, 'a'), (2, 'b');`); err != nil {
		t.Fatal(err)
	}
}

func TestRunQueryReturnsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	makeSQLite(t, path)

	res := RunQuery(path, "SELECT id, name FROM widgets ORDER BY id")
	if !res.OK {
		t.Fatalf("expected ok, got stderr=%q", res.Stderr)
	}

	var rows []map[string]any
	if err := json.Unmarshal(res.Rows, &rows); err != nil {
		t.Fatalf("unmarshal rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0]["name"] != "a" || rows[1]["name"] != "b" {
		t.Errorf("unexpected row contents: %v", rows)
	}
}

func TestRunQueryReportsSyntaxError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	makeSQLite(t, path)

	res := RunQuery(path, "SELEKT * FROM widgets")
	if res.OK {
		t.Fatal("expected malformed query to fail")
	}
	if res.ExitCode == 0 {
		t.Error("expected non-zero exit code on failure")
	}
	if strings.TrimSpace(res.Stderr) == "" {
		t.Errorf("expected stderr populated, got %q", res.Stderr)
	}
}

func TestRunQueryReportsMissingDatabase(t *testing.T) {
	res := RunQuery("/nonexistent/path/app.db", "SELECT 1")
	if res.OK {
		t.Fatal("expected missing database file to fail the query")
	}
}
