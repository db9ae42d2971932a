// Package storage defines the backend contract shared by the relational and
// file-backed engines, and the gateway that routes between them by mode.
package storage

import (
	"context"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

// TableBackend is implemented once per storage engine. Both implementations
// consume the same translated predicate so the identical conformance suite
// can run against each.
type TableBackend interface {
	// List returns the page of rows matching q, sanitized for the wire.
	List(ctx context.Context, q query.Query) ([]schema.Row, error)
	// Count returns the number of rows matching q's filters, ignoring
	// pagination.
	Count(ctx context.Context, q query.Query) (int, error)
	// Insert persists pre-normalized rows and returns them as stored.
	Insert(ctx context.Context, table *schema.Table, rows []schema.Row) ([]schema.Row, error)
	// Update mutates all rows matching q and returns the pre-images and the
	// resulting rows. Zero matches is a not-found error.
	Update(ctx context.Context, q query.Query, changes schema.Row) (before, after []schema.Row, err error)
	// Delete removes all rows matching q and returns them. Zero matches is a
	// not-found error.
	Delete(ctx context.Context, q query.Query) ([]schema.Row, error)
}
