// Package sidecar reads the optional `.db-yard` key/value table a candidate
// database may carry to override classification and driver defaults.
package sidecar

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/netspective-labs/db-yard/internal/model"
)

// TableName is the sidecar table db-yard looks for inside a candidate
// SQLite file. Quoted so the literal dotted, hyphenated name can be used
// as a real identifier.
const TableName = `".db-yard"`

// Load reads path's `.db-yard` table into a model.Sidecar. A missing table
// yields an empty, non-nil map; a value that doesn't parse as its declared
// type is kept as a raw string rather than aborting the load.
func Load(path string) (model.Sidecar, error) {
	out := model.Sidecar{}

	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(2000)")
	if err != nil {
		return out, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT key, value, type FROM ` + TableName)
	if err != nil {
		if tableMissing(err) {
			return out, nil
		}
		return out, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value, typ string
		if err := rows.Scan(&key, &value, &typ); err != nil {
			continue
		}
		out[key] = coerce(value, typ)
	}
	return out, rows.Err()
}

func tableMissing(err error) bool {
	return strings.Contains(err.Error(), "no such table")
}

// coerce converts a raw (value, type) pair into a SidecarValue, falling
// back to a raw string on any parse failure so malformed sidecar rows never
// abort classification.
func coerce(value, typ string) model.SidecarValue {
	switch typ {
	case "bool":
		if b, err := strconv.ParseBool(value); err == nil {
			return model.SidecarValue{Tag: "bool", Bool: b}
		}
	case "int":
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return model.SidecarValue{Tag: "int", Int: i}
		}
	case "float":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return model.SidecarValue{Tag: "float", Float: f}
		}
	case "json":
		if json.Valid([]byte(value)) {
			return model.SidecarValue{Tag: "json", Raw: []byte(value)}
		}
	case "null":
		return model.SidecarValue{Tag: "null"}
	}
	return model.SidecarValue{Tag: "string", Str: value}
}
