// Package schema holds the static whitelist of tables the gateway exposes:
// allowed columns, identity columns, and which columns are JSON-encoded or
// timestamps. Pure data; the registry is fixed at startup and never reflects
// over storage schema at request time.
package schema

import (
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
)

// Row is an opaque table row keyed by column name. Values are wire-shaped:
// strings, numbers, bools, nested arrays/objects for JSON columns.
type Row map[string]any

// JSONKind selects the fallback shape when a stored JSON column fails to
// decode.
type JSONKind int

const (
	// JSONArray columns degrade to [] on malformed data.
	JSONArray JSONKind = iota
	// JSONObject columns degrade to {} on malformed data.
	JSONObject
)

// AuditTable is the one table whose mutations are never themselves audited.
const AuditTable = "audit_logs"

// PasswordColumn is stripped from every outbound row except for the login
// flow, and hashed before any write.
const PasswordColumn = "password"

// Table describes one whitelisted table.
type Table struct {
	Name        string
	IDColumn    string
	GeneratedID bool // server assigns a uuid on insert when the id is absent
	Columns     []string
	JSONColumns map[string]JSONKind
	Timestamps  []string
	Numerics    []string

	colset map[string]struct{}
	tsset  map[string]struct{}
	numset map[string]struct{}
}

// AllowsColumn reports whether col is in the table's allowed set.
func (t *Table) AllowsColumn(col string) bool {
	_, ok := t.colset[col]
	return ok
}

// IsJSON reports whether col is JSON-encoded, and with which fallback kind.
func (t *Table) IsJSON(col string) (JSONKind, bool) {
	k, ok := t.JSONColumns[col]
	return k, ok
}

// IsTimestamp reports whether col holds a timestamp.
func (t *Table) IsTimestamp(col string) bool {
	_, ok := t.tsset[col]
	return ok
}

// IsNumeric reports whether col holds a numeric value. Relational scans
// return numeric/decimal columns as text; decode coerces declared columns
// back to numbers so both backends present the same wire shape.
func (t *Table) IsNumeric(col string) bool {
	_, ok := t.numset[col]
	return ok
}

// Registry is the closed set of tables the gateway serves.
type Registry struct {
	tables map[string]*Table
}

// Lookup resolves a table name, returning a forbidden error for anything
// outside the whitelist.
func (r *Registry) Lookup(name string) (*Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return nil, apperrors.Forbiddenf("table %q is not exposed", name)
	}
	return t, nil
}

// Names returns the whitelisted table names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tables))
	for name := range r.tables {
		out = append(out, name)
	}
	return out
}

// Default returns the registry for the warehouse data model.
func Default() *Registry {
	tables := []*Table{
		{
			Name:     "users",
			IDColumn: "id",
			Columns: []string{
				"id", "name", "email", "password", "role", "warehouse_id",
				"active", "created_at", "updated_at",
			},
			Timestamps: []string{"created_at", "updated_at"},
		},
		{
			Name:     "warehouses",
			IDColumn: "id",
			Columns: []string{
				"id", "name", "code", "address", "active", "created_at",
			},
			Timestamps: []string{"created_at"},
		},
		{
			Name:     "suppliers",
			IDColumn: "id",
			Columns: []string{
				"id", "name", "cnpj", "email", "phone", "created_at",
			},
			Timestamps: []string{"created_at"},
		},
		{
			Name:     "inventory",
			IDColumn: "sku",
			Columns: []string{
				"sku", "name", "description", "quantity", "min_quantity",
				"unit", "location", "warehouse_id", "created_at", "updated_at",
			},
			Timestamps: []string{"created_at", "updated_at"},
			Numerics:   []string{"quantity", "min_quantity"},
		},
		{
			Name:     "purchase_orders",
			IDColumn: "id",
			Columns: []string{
				"id", "supplier_id", "warehouse_id", "status", "items",
				"approval_history", "total", "created_by", "created_at",
				"sent_at", "received_at", "updated_at",
			},
			JSONColumns: map[string]JSONKind{
				"items":            JSONArray,
				"approval_history": JSONArray,
			},
			Timestamps: []string{"created_at", "sent_at", "received_at", "updated_at"},
			Numerics:   []string{"total"},
		},
		{
			Name:        "movements",
			IDColumn:    "id",
			GeneratedID: true,
			Columns: []string{
				"id", "type", "sku", "quantity", "order_id", "warehouse_id",
				"actor", "note", "created_at",
			},
			Timestamps: []string{"created_at"},
			Numerics:   []string{"quantity"},
		},
		{
			Name:     "material_requests",
			IDColumn: "id",
			Columns: []string{
				"id", "warehouse_id", "requester", "status", "items",
				"created_at", "updated_at", "delivered_at",
			},
			JSONColumns: map[string]JSONKind{"items": JSONArray},
			Timestamps:  []string{"created_at", "updated_at", "delivered_at"},
		},
		{
			Name:        "cyclic_counts",
			IDColumn:    "id",
			GeneratedID: true,
			Columns: []string{
				"id", "warehouse_id", "status", "items", "scheduled_for",
				"created_at", "completed_at",
			},
			JSONColumns: map[string]JSONKind{"items": JSONArray},
			Timestamps:  []string{"scheduled_for", "created_at", "completed_at"},
		},
		{
			Name:     "vehicles",
			IDColumn: "plate",
			Columns: []string{
				"plate", "model", "brand", "year", "warehouse_id", "active",
				"created_at",
			},
			Timestamps: []string{"created_at"},
			Numerics:   []string{"year"},
		},
		{
			Name:        AuditTable,
			IDColumn:    "id",
			GeneratedID: true,
			Columns: []string{
				"id", "module", "entity", "entity_id", "action", "actor",
				"actor_id", "warehouse_id", "before_data", "after_data",
				"meta", "created_at",
			},
			JSONColumns: map[string]JSONKind{
				"before_data": JSONObject,
				"after_data":  JSONObject,
				"meta":        JSONObject,
			},
			Timestamps: []string{"created_at"},
		},
	}

	reg := &Registry{tables: make(map[string]*Table, len(tables))}
	for _, t := range tables {
		t.colset = make(map[string]struct{}, len(t.Columns))
		for _, c := range t.Columns {
			t.colset[c] = struct{}{}
		}
		t.tsset = make(map[string]struct{}, len(t.Timestamps))
		for _, c := range t.Timestamps {
			t.tsset[c] = struct{}{}
		}
		t.numset = make(map[string]struct{}, len(t.Numerics))
		for _, c := range t.Numerics {
			t.numset[c] = struct{}{}
		}
		reg.tables[t.Name] = t
	}
	return reg
}
