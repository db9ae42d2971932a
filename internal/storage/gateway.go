package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/audit"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/auth"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/rowcodec"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// moduleFor groups tables into the business modules used by audit entries.
var moduleFor = map[string]string{
	"users":             "admin",
	"warehouses":        "admin",
	"suppliers":         "purchasing",
	"inventory":         "inventory",
	"purchase_orders":   "purchasing",
	"movements":         "inventory",
	"material_requests": "requests",
	"cyclic_counts":     "counts",
	"vehicles":          "fleet",
}

// Gateway is the uniform CRUD executor: it validates payloads against the
// registry, routes to whichever backend the health monitor marks active,
// falls back to the file store when the relational backend fails with a
// connection-class error mid-request, and emits audit entries for every
// mutation.
type Gateway struct {
	ctrl     *persistence.Controller
	rel      TableBackend // nil when no relational backend is configured
	file     TableBackend
	recorder *audit.Recorder
	log      *logger.Logger
}

// NewGateway wires the executor. rel may be nil.
func NewGateway(ctrl *persistence.Controller, rel, file TableBackend, recorder *audit.Recorder, log *logger.Logger) *Gateway {
	return &Gateway{ctrl: ctrl, rel: rel, file: file, recorder: recorder, log: log}
}

// relationalActive reports whether requests should hit the database.
func (g *Gateway) relationalActive() bool {
	return g.rel != nil && g.ctrl.Mode() == persistence.ModeRelational
}

// fallback decides whether a relational failure degrades this request to the
// file store instead of failing it.
func (g *Gateway) fallback(err error) bool {
	if !persistence.IsConnectionError(err) {
		return false
	}
	g.ctrl.ReportFailure(err)
	if g.log != nil {
		g.log.WithError(err).Warn("relational operation failed; retrying against file store")
	}
	return true
}

// List returns the matching page and the unpaginated total.
func (g *Gateway) List(ctx context.Context, q query.Query) ([]schema.Row, int, error) {
	if g.relationalActive() {
		rows, err := g.rel.List(ctx, q)
		if err == nil {
			total, cerr := g.rel.Count(ctx, q)
			if cerr == nil {
				return rows, total, nil
			}
			err = cerr
		}
		if !g.fallback(err) {
			return nil, 0, err
		}
	}
	rows, err := g.file.List(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	total, err := g.file.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Insert validates and normalizes the payload rows, assigns generated
// identifiers, persists, then records audit entries.
func (g *Gateway) Insert(ctx context.Context, principal auth.Principal, table *schema.Table, payload []schema.Row) ([]schema.Row, error) {
	if len(payload) == 0 {
		return nil, apperrors.Validationf("insert payload is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	normalized := make([]schema.Row, 0, len(payload))
	for _, row := range payload {
		n, err := rowcodec.NormalizeForWrite(table, row)
		if err != nil {
			return nil, err
		}
		if table.GeneratedID {
			if _, ok := n[table.IDColumn]; !ok {
				n[table.IDColumn] = uuid.NewString()
			}
		}
		if table.AllowsColumn("created_at") {
			if _, ok := n["created_at"]; !ok {
				n["created_at"] = now
			}
		}
		normalized = append(normalized, n)
	}

	stored, err := g.runInsert(ctx, table, normalized)
	if err != nil {
		return nil, err
	}

	entries := make([]audit.Entry, 0, len(stored))
	for _, row := range stored {
		e := audit.NewEntry(moduleFor[table.Name], table.Name, query.Stringify(row[table.IDColumn]), audit.ActionCreate, principal)
		e.AfterData = row
		e.WarehouseID = query.Stringify(row["warehouse_id"])
		entries = append(entries, e)
	}
	g.recorder.Record(ctx, entries...)
	return stored, nil
}

func (g *Gateway) runInsert(ctx context.Context, table *schema.Table, rows []schema.Row) ([]schema.Row, error) {
	if g.relationalActive() {
		stored, err := g.rel.Insert(ctx, table, rows)
		if err == nil {
			return stored, nil
		}
		if !g.fallback(err) {
			return nil, err
		}
	}
	return g.file.Insert(ctx, table, rows)
}

// Update mutates every row matching q. Full-table updates are rejected.
func (g *Gateway) Update(ctx context.Context, principal auth.Principal, q query.Query, changes schema.Row) ([]schema.Row, error) {
	if !q.HasFilters() {
		return nil, apperrors.Validationf("update requires at least one filter")
	}
	if len(changes) == 0 {
		return nil, apperrors.Validationf("update payload is empty")
	}
	normalized, err := rowcodec.NormalizeForWrite(q.Table, changes)
	if err != nil {
		return nil, err
	}
	if q.Table.AllowsColumn("updated_at") {
		if _, ok := normalized["updated_at"]; !ok {
			normalized["updated_at"] = time.Now().UTC().Format(time.RFC3339)
		}
	}

	before, after, err := g.runUpdate(ctx, q, normalized)
	if err != nil {
		return nil, err
	}

	entries := make([]audit.Entry, 0, len(before))
	for i := range before {
		e := audit.NewEntry(moduleFor[q.Table.Name], q.Table.Name, query.Stringify(before[i][q.Table.IDColumn]), audit.ActionUpdate, principal)
		e.BeforeData = before[i]
		if i < len(after) {
			e.AfterData = after[i]
			e.WarehouseID = query.Stringify(after[i]["warehouse_id"])
		}
		entries = append(entries, e)
	}
	g.recorder.Record(ctx, entries...)
	return after, nil
}

func (g *Gateway) runUpdate(ctx context.Context, q query.Query, changes schema.Row) ([]schema.Row, []schema.Row, error) {
	if g.relationalActive() {
		before, after, err := g.rel.Update(ctx, q, changes)
		if err == nil {
			return before, after, nil
		}
		if !g.fallback(err) {
			return nil, nil, err
		}
	}
	return g.file.Update(ctx, q, changes)
}

// Delete removes every row matching q and returns the deleted rows.
func (g *Gateway) Delete(ctx context.Context, principal auth.Principal, q query.Query) ([]schema.Row, error) {
	if !q.HasFilters() {
		return nil, apperrors.Validationf("delete requires at least one filter")
	}

	removed, err := g.runDelete(ctx, q)
	if err != nil {
		return nil, err
	}

	entries := make([]audit.Entry, 0, len(removed))
	for _, row := range removed {
		e := audit.NewEntry(moduleFor[q.Table.Name], q.Table.Name, query.Stringify(row[q.Table.IDColumn]), audit.ActionDelete, principal)
		e.BeforeData = row
		e.WarehouseID = query.Stringify(row["warehouse_id"])
		entries = append(entries, e)
	}
	g.recorder.Record(ctx, entries...)
	return removed, nil
}

func (g *Gateway) runDelete(ctx context.Context, q query.Query) ([]schema.Row, error) {
	if g.relationalActive() {
		removed, err := g.rel.Delete(ctx, q)
		if err == nil {
			return removed, nil
		}
		if !g.fallback(err) {
			return nil, err
		}
	}
	return g.file.Delete(ctx, q)
}
