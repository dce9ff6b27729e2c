// Package classifier decides whether a discovered candidate is an
// exposable service and, if so, derives the stable identity and proxy
// prefix that future runs must reproduce byte-for-byte.
package classifier

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	hclog "github.com/hashicorp/go-hclog"
	_ "modernc.org/sqlite"

	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/pathutil"
	"github.com/netspective-labs/db-yard/internal/sidecar"
)

// sqliteExtensions are the extensions cheap enough to attempt opening as a
// SQLite database; anything else short-circuits to KindOther without I/O.
var sqliteExtensions = map[string]bool{
	".db":     true,
	".sqlite": true,
}

func looksLikeSQLite(path string) bool {
	lower := strings.ToLower(path)
	for ext := range sqliteExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return strings.HasSuffix(lower, ".sqlite.db")
}

// Classify runs the cheap-first probes described in the governing design:
// extension check, then (for SQLite-like files) two table-existence
// probes. Unreadable databases degrade to KindOther with a Note rather than
// returning an error, so one bad candidate never aborts a pass.
func Classify(c model.Candidate, logger hclog.Logger) model.Classification {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if !looksLikeSQLite(c.Path) {
		return model.Classification{Kind: model.KindOther, Nature: "non-sqlite-extension"}
	}

	db, err := sql.Open("sqlite", "file:"+c.Path+"?mode=ro&_pragma=busy_timeout(2000)&immutable=0")
	if err != nil {
		logger.Debug("classifier: open failed", "path", c.Path, "error", err)
		return model.Classification{Kind: model.KindOther, Nature: "sqlite3", Note: err.Error()}
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		logger.Debug("classifier: probe failed", "path", c.Path, "error", err)
		return model.Classification{Kind: model.KindOther, Nature: "unreadable", Note: err.Error()}
	}

	if hasTable(db, "uniform_resource") {
		return model.Classification{Kind: model.KindSurveilr, Nature: "sqlite3"}
	}
	if hasTable(db, "sqlpage_files") {
		return model.Classification{Kind: model.KindSQLPage, Nature: "sqlite3"}
	}
	return model.Classification{Kind: model.KindPlainSQLite, Nature: "sqlite3"}
}

func hasTable(db *sql.DB, name string) bool {
	var count int
	err := db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name,
	).Scan(&count)
	return err == nil && count > 0
}

// ApplySidecarOverride lets a candidate's `.db-yard` table override the
// driver chosen by table-presence probing, per the governing design's
// "may override the chosen driver" clause.
func ApplySidecarOverride(cls model.Classification, sc model.Sidecar) model.Classification {
	override := sc.String("driver.kind", "")
	switch model.Kind(override) {
	case model.KindSQLPage, model.KindSurveilr, model.KindPlainSQLite:
		cls.Kind = model.Kind(override)
		cls.Note = "driver overridden by sidecar"
	}
	return cls
}

// LoadSidecar reads the candidate's optional `.db-yard` table. A missing
// table or unreadable database yields an empty map, never an error — a
// sidecar read failure must never abort the classification pass.
func LoadSidecar(c model.Candidate) model.Sidecar {
	sc, err := sidecar.Load(c.Path)
	if err != nil {
		return model.Sidecar{}
	}
	return sc
}

// ToExposable turns a classification plus sidecar into an ExposableService,
// or nil if the classification isn't exposable. roots is the full root set
// so the longest-prefix tie-break can run.
func ToExposable(cand model.Candidate, cls model.Classification, sc model.Sidecar, roots []string) *model.ExposableService {
	if !cls.Exposable() {
		return nil
	}

	root, ok := pathutil.BestRoot(cand.Path, roots)
	if !ok {
		root = cand.Root
	}
	rel := pathutil.RelativeTo(cand.Path, root)

	id := sc.String("instance.id", "")
	if id == "" {
		id = rel
		if id == "" {
			id = filepath.Base(cand.Path)
		}
	}

	prefix := pathutil.ProxyPrefixFromRel(rel)

	label := sc.String("instance.label", "")
	if label == "" {
		label = fmt.Sprintf("%s (%s)", filepath.Base(cand.Path), cls.Kind)
	}

	return &model.ExposableService{
		ID:                  id,
		Kind:                cls.Kind,
		Label:               label,
		ProxyEndpointPrefix: prefix,
		Supplier: model.SupplierRef{
			Location: cand.Path,
			Size:     cand.Size,
			ModTime:  cand.ModTime,
			Kind:     cls.Kind,
			Nature:   cls.Nature,
		},
	}
}
