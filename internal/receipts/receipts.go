// Package receipts implements the purchase-order receipt finalization
// workflow: the one multi-table transaction in the gateway. It bypasses the
// generic CRUD path because order, inventory and movements must change under
// a single logical commit.
package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/audit"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/auth"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/rowcodec"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage/filestore"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// Purchase-order statuses handled by this workflow.
const (
	StatusSent     = "enviado"
	StatusReceived = "recebido"
)

// Item is one received line of a finalize request.
type Item struct {
	SKU      string  `json:"sku"`
	Received float64 `json:"received"`
}

// Request identifies the purchase order and the received quantities.
type Request struct {
	POID        string `json:"po_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Items       []Item `json:"items"`
}

// Delta reports one SKU's inventory change.
type Delta struct {
	SKU      string  `json:"sku"`
	Previous float64 `json:"previous"`
	New      float64 `json:"new"`
	Received float64 `json:"received"`
}

// Result aggregates the outcome of one finalization. It is transient and
// never persisted as its own entity.
type Result struct {
	Order     schema.Row   `json:"order"`
	Deltas    []Delta      `json:"deltas"`
	Movements []schema.Row `json:"movements"`
	// Warnings reports partial failures in file-backed mode, where the
	// workflow is sequential rather than atomic.
	Warnings []string `json:"warnings,omitempty"`
}

// Service routes finalization to the active backend.
type Service struct {
	registry *schema.Registry
	ctrl     *persistence.Controller
	db       *sql.DB // nil when the relational backend is not configured
	files    *filestore.Store
	recorder *audit.Recorder
	log      *logger.Logger
}

// NewService wires the workflow. db may be nil.
func NewService(registry *schema.Registry, ctrl *persistence.Controller, db *sql.DB, files *filestore.Store, recorder *audit.Recorder, log *logger.Logger) *Service {
	return &Service{registry: registry, ctrl: ctrl, db: db, files: files, recorder: recorder, log: log}
}

// mergeItems drops non-positive quantities and sums duplicate SKUs. The
// result is sorted by SKU so locking order is deterministic.
func mergeItems(items []Item) []Item {
	sums := make(map[string]float64)
	for _, it := range items {
		if it.SKU == "" || it.Received <= 0 {
			continue
		}
		sums[it.SKU] += it.Received
	}
	merged := make([]Item, 0, len(sums))
	for sku, qty := range sums {
		merged = append(merged, Item{SKU: sku, Received: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SKU < merged[j].SKU })
	return merged
}

// Finalize performs enviado→recebido on the purchase order and applies its
// inventory effects. Atomic in relational mode; validate-first sequential in
// file mode.
func (s *Service) Finalize(ctx context.Context, principal auth.Principal, req Request) (*Result, error) {
	if req.POID == "" {
		return nil, apperrors.Validationf("po_id is required")
	}
	items := mergeItems(req.Items)
	if len(items) == 0 {
		return nil, apperrors.Validationf("no items with a positive received quantity")
	}

	if s.db != nil && s.ctrl.Mode() == persistence.ModeRelational {
		res, err := s.finalizeRelational(ctx, principal, req.POID, req.WarehouseID, items)
		if err != nil && persistence.IsConnectionError(err) {
			// The transaction never started or rolled back whole; the request
			// can be served by the contingency store.
			s.ctrl.ReportFailure(err)
			return s.finalizeFile(ctx, principal, req.POID, req.WarehouseID, items)
		}
		return res, err
	}
	return s.finalizeFile(ctx, principal, req.POID, req.WarehouseID, items)
}

// --- relational path --------------------------------------------------------

func (s *Service) finalizeRelational(ctx context.Context, principal auth.Principal, poID, warehouseID string, items []Item) (*Result, error) {
	orders, _ := s.registry.Lookup("purchase_orders")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// (1) lock and re-read the order, verify status.
	var orderWarehouse, status sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT warehouse_id, status FROM purchase_orders WHERE id = $1 FOR UPDATE", poID,
	).Scan(&orderWarehouse, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("purchase order %q not found", poID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock purchase order: %w", err)
	}
	if status.String != StatusSent {
		return nil, apperrors.Conflictf("purchase order %q is %q, expected %q", poID, status.String, StatusSent)
	}
	if warehouseID == "" {
		warehouseID = orderWarehouse.String
	}

	now := time.Now().UTC().Format(time.RFC3339)

	// (2) lock and increment each SKU; a missing SKU aborts the whole
	// transaction with no partial writes.
	deltas := make([]Delta, 0, len(items))
	movements := make([]schema.Row, 0, len(items))
	for _, it := range items {
		var qty float64
		err = tx.QueryRowContext(ctx,
			"SELECT quantity FROM inventory WHERE sku = $1 AND warehouse_id = $2 FOR UPDATE",
			it.SKU, warehouseID,
		).Scan(&qty)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("sku %q not found in warehouse %q", it.SKU, warehouseID)
		}
		if err != nil {
			return nil, fmt.Errorf("lock inventory %s: %w", it.SKU, err)
		}

		newQty := qty + it.Received
		if _, err := tx.ExecContext(ctx,
			"UPDATE inventory SET quantity = $1, updated_at = $2 WHERE sku = $3 AND warehouse_id = $4",
			newQty, now, it.SKU, warehouseID,
		); err != nil {
			return nil, fmt.Errorf("update inventory %s: %w", it.SKU, err)
		}

		// (3) one inbound movement per SKU.
		movement := schema.Row{
			"id":           uuid.NewString(),
			"type":         "entrada",
			"sku":          it.SKU,
			"quantity":     it.Received,
			"order_id":     poID,
			"warehouse_id": warehouseID,
			"actor":        principal.Email,
			"created_at":   now,
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO movements (id, type, sku, quantity, order_id, warehouse_id, actor, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			movement["id"], movement["type"], movement["sku"], movement["quantity"],
			movement["order_id"], movement["warehouse_id"], movement["actor"], movement["created_at"],
		); err != nil {
			return nil, fmt.Errorf("insert movement %s: %w", it.SKU, err)
		}

		deltas = append(deltas, Delta{SKU: it.SKU, Previous: qty, New: newQty, Received: it.Received})
		movements = append(movements, movement)
	}

	// (4) flip the order status and stamp the receipt time.
	if _, err := tx.ExecContext(ctx,
		"UPDATE purchase_orders SET status = $1, received_at = $2, updated_at = $2 WHERE id = $3",
		StatusReceived, now, poID,
	); err != nil {
		return nil, fmt.Errorf("update purchase order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	committed = true

	order := s.readOrder(ctx, orders, poID)
	s.recordAudit(ctx, principal, poID, warehouseID, order, deltas)

	return &Result{Order: order, Deltas: deltas, Movements: movements}, nil
}

// readOrder fetches the finalized order for the response; a read failure
// here does not undo the committed transaction.
func (s *Service) readOrder(ctx context.Context, orders *schema.Table, poID string) schema.Row {
	pg := pgReader{db: s.db}
	row, err := pg.one(ctx, orders, poID)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("re-read of finalized order failed")
		}
		return schema.Row{"id": poID, "status": StatusReceived}
	}
	return row
}

type pgReader struct{ db *sql.DB }

func (r pgReader) one(ctx context.Context, table *schema.Table, id string) (schema.Row, error) {
	q := query.Query{Table: table, Filters: []query.Filter{{Column: table.IDColumn, Value: id}}, Limit: 1}
	where, args := q.WhereClause(1)
	stmt := fmt.Sprintf("SELECT %s FROM %s%s", columnList(table), table.Name, where)
	rows, err := r.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	row := make(schema.Row, len(cols))
	for i, col := range cols {
		row[col] = values[i]
	}
	return rowcodec.Decode(table, row, rowcodec.DecodeOptions{}), nil
}

func columnList(table *schema.Table) string {
	out := ""
	for i, c := range table.Columns {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

// --- file-backed path -------------------------------------------------------

// finalizeFile validates everything up front, then writes inventory,
// movements and finally the order status. There is no multi-table
// transaction here: a crash mid-write leaves inventory/movements applied
// with the order still enviado, which the caller can observe and is reported
// through Warnings when a later write fails after an earlier one succeeded.
func (s *Service) finalizeFile(ctx context.Context, principal auth.Principal, poID, warehouseID string, items []Item) (*Result, error) {
	orders, _ := s.registry.Lookup("purchase_orders")
	inventory, _ := s.registry.Lookup("inventory")
	movementsTable, _ := s.registry.Lookup("movements")

	orderRows, err := s.files.Raw(ctx, query.Query{Table: orders, Filters: []query.Filter{{Column: "id", Value: poID}}})
	if err != nil {
		return nil, err
	}
	if len(orderRows) == 0 {
		return nil, apperrors.NotFoundf("purchase order %q not found", poID)
	}
	orderRow := orderRows[0]
	status := query.Stringify(orderRow["status"])
	if status != StatusSent {
		return nil, apperrors.Conflictf("purchase order %q is %q, expected %q", poID, status, StatusSent)
	}
	if warehouseID == "" {
		warehouseID = query.Stringify(orderRow["warehouse_id"])
	}

	// Validation pass: every SKU must exist in the target warehouse before
	// anything is written.
	quantities := make(map[string]float64, len(items))
	for _, it := range items {
		invRows, err := s.files.Raw(ctx, query.Query{Table: inventory, Filters: []query.Filter{
			{Column: "sku", Value: it.SKU},
			{Column: "warehouse_id", Value: warehouseID},
		}})
		if err != nil {
			return nil, err
		}
		if len(invRows) == 0 {
			return nil, apperrors.NotFoundf("sku %q not found in warehouse %q", it.SKU, warehouseID)
		}
		qty, _ := invRows[0]["quantity"].(float64)
		quantities[it.SKU] = qty
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var warnings []string

	// Write pass: inventory, then movements, then the order flip last so an
	// interrupted run leaves the order re-finalizable only while it is still
	// enviado.
	deltas := make([]Delta, 0, len(items))
	movements := make([]schema.Row, 0, len(items))
	for _, it := range items {
		newQty := quantities[it.SKU] + it.Received
		invQuery := query.Query{Table: inventory, Filters: []query.Filter{
			{Column: "sku", Value: it.SKU},
			{Column: "warehouse_id", Value: warehouseID},
		}}
		if _, _, err := s.files.Update(ctx, invQuery, schema.Row{"quantity": newQty, "updated_at": now}); err != nil {
			warnings = append(warnings, fmt.Sprintf("inventory update for %s failed: %v", it.SKU, err))
			continue
		}

		movement := schema.Row{
			"id":           uuid.NewString(),
			"type":         "entrada",
			"sku":          it.SKU,
			"quantity":     it.Received,
			"order_id":     poID,
			"warehouse_id": warehouseID,
			"actor":        principal.Email,
			"created_at":   now,
		}
		if _, err := s.files.Insert(ctx, movementsTable, []schema.Row{movement}); err != nil {
			warnings = append(warnings, fmt.Sprintf("movement insert for %s failed: %v", it.SKU, err))
		} else {
			movements = append(movements, movement)
		}
		deltas = append(deltas, Delta{SKU: it.SKU, Previous: quantities[it.SKU], New: newQty, Received: it.Received})
	}

	orderQuery := query.Query{Table: orders, Filters: []query.Filter{{Column: "id", Value: poID}}}
	_, updatedOrders, err := s.files.Update(ctx, orderQuery, schema.Row{
		"status": StatusReceived, "received_at": now, "updated_at": now,
	})
	var order schema.Row
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("order status update failed: %v", err))
		order = rowcodec.Decode(orders, orderRow, rowcodec.DecodeOptions{})
	} else {
		order = updatedOrders[0]
	}

	s.recordAudit(ctx, principal, poID, warehouseID, order, deltas)
	return &Result{Order: order, Deltas: deltas, Movements: movements, Warnings: warnings}, nil
}

// recordAudit emits the order transition plus one entry per inventory
// increment. Best-effort, never blocks the result.
func (s *Service) recordAudit(ctx context.Context, principal auth.Principal, poID, warehouseID string, order schema.Row, deltas []Delta) {
	entries := make([]audit.Entry, 0, len(deltas)+1)

	e := audit.NewEntry("purchasing", "purchase_orders", poID, audit.ActionCustom, principal)
	e.WarehouseID = warehouseID
	e.AfterData = order
	e.Meta = map[string]any{"transition": StatusSent + "->" + StatusReceived}
	entries = append(entries, e)

	for _, d := range deltas {
		ie := audit.NewEntry("inventory", "inventory", d.SKU, audit.ActionUpdate, principal)
		ie.WarehouseID = warehouseID
		ie.BeforeData = schema.Row{"sku": d.SKU, "quantity": d.Previous}
		ie.AfterData = schema.Row{"sku": d.SKU, "quantity": d.New}
		ie.Meta = map[string]any{"order_id": poID, "received": d.Received}
		entries = append(entries, ie)
	}

	s.recorder.Record(ctx, entries...)
}
