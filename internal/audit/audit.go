// Package audit builds and persists before/after entries for every mutation.
// Persistence is best-effort: a failing audit write never fails the
// triggering business operation.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/auth"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// Actions recorded by the gateway.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionCustom = "custom"
)

// Entry is one immutable audit record. Write-once, append-only; the core
// never mutates or deletes entries.
type Entry struct {
	ID          string         `json:"id"`
	Module      string         `json:"module"`
	Entity      string         `json:"entity"`
	EntityID    string         `json:"entity_id"`
	Action      string         `json:"action"`
	Actor       string         `json:"actor"`
	ActorID     string         `json:"actor_id"`
	WarehouseID string         `json:"warehouse_id,omitempty"` // empty = global
	BeforeData  schema.Row     `json:"before_data,omitempty"`
	AfterData   schema.Row     `json:"after_data,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewEntry stamps identity and creation time.
func NewEntry(module, entity, entityID, action string, actor auth.Principal) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Module:    module,
		Entity:    entity,
		EntityID:  entityID,
		Action:    action,
		Actor:     actor.Email,
		ActorID:   actor.ID,
		CreatedAt: time.Now().UTC(),
	}
}

func (e Entry) toRow() schema.Row {
	row := schema.Row{
		"id":         e.ID,
		"module":     e.Module,
		"entity":     e.Entity,
		"entity_id":  e.EntityID,
		"action":     e.Action,
		"actor":      e.Actor,
		"actor_id":   e.ActorID,
		"created_at": e.CreatedAt.Format(time.RFC3339),
	}
	if e.WarehouseID != "" {
		row["warehouse_id"] = e.WarehouseID
	}
	if e.BeforeData != nil {
		row["before_data"] = map[string]any(e.BeforeData)
	}
	if e.AfterData != nil {
		row["after_data"] = map[string]any(e.AfterData)
	}
	if e.Meta != nil {
		row["meta"] = e.Meta
	}
	return row
}

// rowInserter is the slice of a table backend the recorder needs.
type rowInserter interface {
	Insert(ctx context.Context, table *schema.Table, rows []schema.Row) ([]schema.Row, error)
}

// rowFinder is the slice used by the search side.
type rowFinder interface {
	List(ctx context.Context, q query.Query) ([]schema.Row, error)
	Count(ctx context.Context, q query.Query) (int, error)
}

// Recorder persists entries to whichever backend is active, with the file
// document as the fallback when the relational insert fails.
type Recorder struct {
	registry *schema.Registry
	ctrl     *persistence.Controller
	rel      rowInserter // nil when the relational backend is not configured
	file     rowInserter
	relList  rowFinder
	fileList rowFinder
	log      *logger.Logger
}

// Backend bundles the store methods the recorder consumes.
type Backend interface {
	rowInserter
	rowFinder
}

// NewRecorder wires the recorder. rel may be nil.
func NewRecorder(registry *schema.Registry, ctrl *persistence.Controller, rel, file Backend, log *logger.Logger) *Recorder {
	r := &Recorder{registry: registry, ctrl: ctrl, file: file, fileList: file, log: log}
	if rel != nil {
		r.rel = rel
		r.relList = rel
	}
	return r
}

// Record persists the entries. It never returns an error: failures are
// logged, and a relational failure falls back to the file-backed log.
// Mutations of the audit table itself are never audited.
func (r *Recorder) Record(ctx context.Context, entries ...Entry) {
	if len(entries) == 0 {
		return
	}
	table, err := r.registry.Lookup(schema.AuditTable)
	if err != nil {
		return
	}

	rows := make([]schema.Row, 0, len(entries))
	for _, e := range entries {
		if e.Entity == schema.AuditTable {
			continue
		}
		rows = append(rows, e.toRow())
	}
	if len(rows) == 0 {
		return
	}

	if r.ctrl.Mode() == persistence.ModeRelational && r.rel != nil {
		if _, err := r.rel.Insert(ctx, table, rows); err == nil {
			return
		} else if r.log != nil {
			r.log.WithError(err).Warn("audit insert failed; appending to file-backed log")
		}
	}
	if _, err := r.file.Insert(ctx, table, rows); err != nil && r.log != nil {
		r.log.WithError(err).Error("file-backed audit append failed; entries dropped")
	}
}

// SearchQuery filters the audit trail.
type SearchQuery struct {
	Module        string
	Entity        string
	Action        string
	Actor         string
	WarehouseID   string
	IncludeGlobal bool // with WarehouseID set, also match rows with no warehouse
	Text          string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// SearchResult is one page of entries, newest first.
type SearchResult struct {
	Entries    []schema.Row `json:"data"`
	Total      int          `json:"total"`
	HasMore    bool         `json:"has_more"`
	NextOffset int          `json:"next_offset"`
}

// scanPage is the backend page size used when residual predicates force the
// search to walk the ordered trail.
const scanPage = query.MaxLimit

// Search pages through the audit trail with identical semantics on either
// backend. Equality filters, the date range and the newest-first order are
// pushed into the backend query; only the free-text and warehouse-or-global
// predicates are refined here, walking the ordered trail page by page so no
// fixed window can hide entries.
func (r *Recorder) Search(ctx context.Context, sq SearchQuery) (*SearchResult, error) {
	table, err := r.registry.Lookup(schema.AuditTable)
	if err != nil {
		return nil, err
	}
	if sq.Limit <= 0 {
		sq.Limit = 50
	}
	if sq.Limit > query.MaxLimit {
		sq.Limit = query.MaxLimit
	}
	if sq.Offset < 0 {
		sq.Offset = 0
	}

	finder := r.fileList
	if r.ctrl.Mode() == persistence.ModeRelational && r.relList != nil {
		finder = r.relList
	}

	base := query.Query{
		Table: table,
		Order: &query.Order{Column: "created_at", Desc: true},
	}
	addFilter := func(col, v string) {
		if v != "" {
			base.Filters = append(base.Filters, query.Filter{Column: col, Value: v})
		}
	}
	addFilter("module", sq.Module)
	addFilter("entity", sq.Entity)
	addFilter("action", sq.Action)
	addFilter("actor", sq.Actor)
	if sq.WarehouseID != "" && !sq.IncludeGlobal {
		addFilter("warehouse_id", sq.WarehouseID)
	}
	if !sq.From.IsZero() || !sq.To.IsZero() {
		rng := &query.Range{Column: "created_at"}
		if !sq.From.IsZero() {
			rng.From = sq.From.UTC().Format(time.RFC3339)
		}
		if !sq.To.IsZero() {
			rng.To = sq.To.UTC().Format(time.RFC3339)
		}
		base.Range = rng
	}

	needRefine := sq.Text != "" || (sq.WarehouseID != "" && sq.IncludeGlobal)
	if !needRefine {
		page := base
		page.Limit = sq.Limit
		page.Offset = sq.Offset
		entries, err := finder.List(ctx, page)
		if err != nil {
			return nil, err
		}
		total, err := finder.Count(ctx, base)
		if err != nil {
			return nil, err
		}
		return &SearchResult{
			Entries:    entries,
			Total:      total,
			HasMore:    sq.Offset+len(entries) < total,
			NextOffset: sq.Offset + len(entries),
		}, nil
	}

	var entries []schema.Row
	total := 0
	for offset := 0; ; offset += scanPage {
		page := base
		page.Limit = scanPage
		page.Offset = offset
		rows, err := finder.List(ctx, page)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if !residualMatch(row, sq) {
				continue
			}
			if total >= sq.Offset && len(entries) < sq.Limit {
				entries = append(entries, row)
			}
			total++
		}
		if len(rows) < scanPage {
			break
		}
	}

	return &SearchResult{
		Entries:    entries,
		Total:      total,
		HasMore:    sq.Offset+len(entries) < total,
		NextOffset: sq.Offset + len(entries),
	}, nil
}

// residualMatch evaluates the predicates the backend query cannot express.
func residualMatch(row schema.Row, sq SearchQuery) bool {
	if sq.WarehouseID != "" && sq.IncludeGlobal {
		wid := asString(row["warehouse_id"])
		if wid != sq.WarehouseID && wid != "" {
			return false
		}
	}
	if sq.Text != "" {
		needle := strings.ToLower(sq.Text)
		haystack := strings.ToLower(strings.Join([]string{
			asString(row["module"]), asString(row["entity"]),
			asString(row["entity_id"]), asString(row["actor"]),
			encode(row["before_data"]), encode(row["after_data"]),
			encode(row["meta"]),
		}, " "))
		if !strings.Contains(haystack, needle) {
			return false
		}
	}
	return true
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func encode(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
