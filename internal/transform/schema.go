// Package transform normalizes an ingested register into the internal row
// schema and derives the per-row fields used downstream.
package transform

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hmo-register/internal/model"
)

// ErrSchemaMismatch is returned when the upstream column count differs from
// the configured schema. Normalization never renames a subset of columns.
var ErrSchemaMismatch = eris.New("transform: schema mismatch")

// Schema is the ordered list of canonical column names. Column i of the
// upstream sheet is renamed to Schema[i]; header text is never consulted
// because it drifts (typos, spacing) between snapshots.
type Schema []string

// DefaultSchema matches the current column order of the published register.
var DefaultSchema = Schema{
	model.ColStreetName,
	model.ColAddress,
	model.ColRenewalDate,
	model.ColLicenceHolder,
	model.ColMaxTenants,
}

var rawFields = map[string]func(*model.Row, string){
	model.ColStreetName:    func(r *model.Row, v string) { r.StreetName = v },
	model.ColAddress:       func(r *model.Row, v string) { r.Address = v },
	model.ColRenewalDate:   func(r *model.Row, v string) { r.RenewalDate = v },
	model.ColLicenceHolder: func(r *model.Row, v string) { r.LicenceHolder = v },
	model.ColMaxTenants:    func(r *model.Row, v string) { r.MaxTenants = v },
}

// Validate rejects names that are not raw register fields, and duplicates.
// The address column is mandatory since ids and postcodes derive from it.
func (s Schema) Validate() error {
	if len(s) == 0 {
		return eris.New("transform: schema is empty")
	}
	seen := make(map[string]bool, len(s))
	for _, name := range s {
		if _, ok := rawFields[name]; !ok {
			return eris.Errorf("transform: unknown schema column %q", name)
		}
		if seen[name] {
			return eris.Errorf("transform: duplicate schema column %q", name)
		}
		seen[name] = true
	}
	if !seen[model.ColAddress] {
		return eris.Errorf("transform: schema must include %q", model.ColAddress)
	}
	return nil
}

// RenameColumns maps header positionally onto the schema. It fails with
// ErrSchemaMismatch when the lengths differ.
func RenameColumns(header []string, schema Schema) ([]string, error) {
	if len(header) != len(schema) {
		return nil, eris.Wrapf(ErrSchemaMismatch, "got %d columns, want %d", len(header), len(schema))
	}
	out := make([]string, len(schema))
	copy(out, schema)
	return out, nil
}

// Normalize converts a raw table into typed rows by positional mapping.
// Records shorter than the header are padded with empty values, extra
// trailing cells are ignored, and entirely blank records are dropped.
func Normalize(raw *model.RawTable, schema Schema) (*model.Table, error) {
	if raw == nil {
		return nil, eris.New("transform: no table to normalize")
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	cols, err := RenameColumns(raw.Header, schema)
	if err != nil {
		return nil, err
	}

	table := &model.Table{Rows: make([]model.Row, 0, len(raw.Records))}
	for _, rec := range raw.Records {
		if isBlank(rec) {
			continue
		}
		var row model.Row
		for i, name := range cols {
			var v string
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			rawFields[name](&row, v)
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// StampSnapshot records the snapshot id on the table and on every row.
func StampSnapshot(t *model.Table, snapshotID string) {
	t.SnapshotID = snapshotID
	for i := range t.Rows {
		t.Rows[i].DateAdded = snapshotID
	}
}
