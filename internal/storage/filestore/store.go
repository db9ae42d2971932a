// Package filestore is the degraded-mode persistence engine: one JSON array
// document per table under a fixed data directory. Writes are full
// read-modify-write cycles serialized per table, since the underlying
// storage has no row-level locking.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/rowcodec"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

// Store serves every whitelisted table from JSON documents in dir.
type Store struct {
	dir string

	mu     sync.Mutex
	tables map[string]*tableFile
}

// tableFile caches one decoded table document. The cache is invalidated
// whenever the file's modification time changes on disk.
type tableFile struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	modTime time.Time
	rows    []schema.Row
}

// New creates a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir, tables: make(map[string]*tableFile)}, nil
}

func (s *Store) table(name string) *tableFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	tf, ok := s.tables[name]
	if !ok {
		tf = &tableFile{path: filepath.Join(s.dir, name+".json")}
		s.tables[name] = tf
	}
	return tf
}

// load refreshes the cache from disk when the document changed. The caller
// holds tf.mu.
func (tf *tableFile) load() error {
	info, err := os.Stat(tf.path)
	if os.IsNotExist(err) {
		tf.rows = nil
		tf.loaded = true
		tf.modTime = time.Time{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", tf.path, err)
	}
	if tf.loaded && info.ModTime().Equal(tf.modTime) {
		return nil
	}

	data, err := os.ReadFile(tf.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", tf.path, err)
	}
	var rows []schema.Row
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rows); err != nil {
			return fmt.Errorf("decode %s: %w", tf.path, err)
		}
	}
	tf.rows = rows
	tf.modTime = info.ModTime()
	tf.loaded = true
	return nil
}

// save atomically replaces the document via temp file + rename. The caller
// holds tf.mu.
func (tf *tableFile) save(rows []schema.Row) error {
	if rows == nil {
		rows = []schema.Row{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", tf.path, err)
	}
	tmp := tf.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, tf.path); err != nil {
		return fmt.Errorf("replace %s: %w", tf.path, err)
	}
	tf.rows = rows
	if info, err := os.Stat(tf.path); err == nil {
		tf.modTime = info.ModTime()
	}
	tf.loaded = true
	return nil
}

// List applies the translated predicate in memory and returns sanitized
// copies of the matching page.
func (s *Store) List(ctx context.Context, q query.Query) ([]schema.Row, error) {
	tf := s.table(q.Table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return nil, apperrors.Internal("load table document", err)
	}

	var matched []schema.Row
	for _, row := range tf.rows {
		if q.Matches(row) {
			matched = append(matched, row)
		}
	}
	page := q.SortAndPage(matched)

	out := make([]schema.Row, 0, len(page))
	for _, row := range page {
		out = append(out, rowcodec.Decode(q.Table, rowcodec.Clone(row), rowcodec.DecodeOptions{}))
	}
	return out, nil
}

// Count returns how many rows match q's filters.
func (s *Store) Count(ctx context.Context, q query.Query) (int, error) {
	tf := s.table(q.Table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return 0, apperrors.Internal("load table document", err)
	}
	n := 0
	for _, row := range tf.rows {
		if q.Matches(row) {
			n++
		}
	}
	return n, nil
}

// Insert appends rows to the table document.
func (s *Store) Insert(ctx context.Context, table *schema.Table, rows []schema.Row) ([]schema.Row, error) {
	tf := s.table(table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return nil, apperrors.Internal("load table document", err)
	}

	next := append(append([]schema.Row(nil), tf.rows...), rows...)
	if err := tf.save(next); err != nil {
		return nil, apperrors.Internal("persist table document", err)
	}

	out := make([]schema.Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowcodec.Decode(table, rowcodec.Clone(row), rowcodec.DecodeOptions{}))
	}
	return out, nil
}

// Update mutates every row matching q, capturing pre-images first.
func (s *Store) Update(ctx context.Context, q query.Query, changes schema.Row) ([]schema.Row, []schema.Row, error) {
	tf := s.table(q.Table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return nil, nil, apperrors.Internal("load table document", err)
	}

	var before, after []schema.Row
	next := make([]schema.Row, len(tf.rows))
	for i, row := range tf.rows {
		if !q.Matches(row) {
			next[i] = row
			continue
		}
		before = append(before, rowcodec.Decode(q.Table, rowcodec.Clone(row), rowcodec.DecodeOptions{}))
		updated := rowcodec.Clone(row)
		for col, v := range changes {
			updated[col] = v
		}
		after = append(after, rowcodec.Decode(q.Table, rowcodec.Clone(updated), rowcodec.DecodeOptions{}))
		next[i] = updated
	}
	if len(before) == 0 {
		return nil, nil, apperrors.NotFoundf("no rows in %q match the given filters", q.Table.Name)
	}
	if err := tf.save(next); err != nil {
		return nil, nil, apperrors.Internal("persist table document", err)
	}
	return before, after, nil
}

// Delete removes every row matching q and returns the removed rows.
func (s *Store) Delete(ctx context.Context, q query.Query) ([]schema.Row, error) {
	tf := s.table(q.Table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return nil, apperrors.Internal("load table document", err)
	}

	var removed []schema.Row
	var kept []schema.Row
	for _, row := range tf.rows {
		if q.Matches(row) {
			removed = append(removed, rowcodec.Decode(q.Table, rowcodec.Clone(row), rowcodec.DecodeOptions{}))
			continue
		}
		kept = append(kept, row)
	}
	if len(removed) == 0 {
		return nil, apperrors.NotFoundf("no rows in %q match the given filters", q.Table.Name)
	}
	if err := tf.save(kept); err != nil {
		return nil, apperrors.Internal("persist table document", err)
	}
	return removed, nil
}

// Raw returns uncopied, unsanitized matching rows for internal workflows
// that need stored values (login, receipt validation).
func (s *Store) Raw(ctx context.Context, q query.Query) ([]schema.Row, error) {
	tf := s.table(q.Table.Name)
	tf.mu.Lock()
	defer tf.mu.Unlock()
	if err := tf.load(); err != nil {
		return nil, apperrors.Internal("load table document", err)
	}
	var out []schema.Row
	for _, row := range tf.rows {
		if q.Matches(row) {
			out = append(out, rowcodec.Clone(row))
		}
	}
	return out, nil
}

// NewID returns a generated identifier for tables with server-assigned ids.
func NewID() string { return uuid.NewString() }
