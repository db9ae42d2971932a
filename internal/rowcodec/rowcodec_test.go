package rowcodec

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

func lookup(t *testing.T, name string) *schema.Table {
	t.Helper()
	table, err := schema.Default().Lookup(name)
	require.NoError(t, err)
	return table
}

func TestCanonicalTimestampLayouts(t *testing.T) {
	for input, want := range map[string]string{
		"2026-03-01T10:30:00Z":      "2026-03-01T10:30:00Z",
		"2026-03-01 10:30:00":       "2026-03-01T10:30:00Z",
		"2026-03-01":                "2026-03-01T00:00:00Z",
		"01/03/2026":                "2026-03-01T00:00:00Z",
		"2026-03-01T10:30:00-03:00": "2026-03-01T13:30:00Z",
	} {
		assert.Equal(t, want, CanonicalTimestamp(input), "input %q", input)
	}
}

func TestCanonicalTimestampPassThrough(t *testing.T) {
	// Unparseable input is stored as given, not rejected.
	assert.Equal(t, "not a date", CanonicalTimestamp("not a date"))
	assert.Equal(t, "", CanonicalTimestamp(""))
	assert.Nil(t, CanonicalTimestamp(nil))
	assert.Equal(t, float64(42), CanonicalTimestamp(float64(42)))
}

func TestCanonicalTimestampFromTime(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)
	in := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	assert.Equal(t, "2026-03-01T13:00:00Z", CanonicalTimestamp(in))
}

func TestNormalizeForWriteRejectsUnknownColumn(t *testing.T) {
	users := lookup(t, "users")

	_, err := NormalizeForWrite(users, schema.Row{"name": "a", "shoe_size": 42})
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))
}

func TestNormalizeForWriteHashesPassword(t *testing.T) {
	users := lookup(t, "users")

	out, err := NormalizeForWrite(users, schema.Row{"email": "a@b.c", "password": "hunter2"})
	require.NoError(t, err)

	hash, ok := out["password"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hash, "$2"), "expected bcrypt digest, got %q", hash)
	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "wrong"))
}

func TestNormalizeForWriteSkipsExistingDigest(t *testing.T) {
	users := lookup(t, "users")
	digest := "$2a$10$abcdefghijklmnopqrstuvABCDEFGHIJKLMNOPQRSTUV1234567890"

	out, err := NormalizeForWrite(users, schema.Row{"password": digest})
	require.NoError(t, err)
	assert.Equal(t, digest, out["password"])
}

func TestNormalizeForWriteCanonicalizesTimestamps(t *testing.T) {
	orders := lookup(t, "purchase_orders")

	out, err := NormalizeForWrite(orders, schema.Row{"sent_at": "01/03/2026", "status": "enviado"})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T00:00:00Z", out["sent_at"])
	assert.Equal(t, "enviado", out["status"])
}

func TestDecodeStripsPassword(t *testing.T) {
	users := lookup(t, "users")
	row := schema.Row{"email": "a@b.c", "password": "$2a$10$whatever"}

	out := Decode(users, row, DecodeOptions{})
	_, present := out["password"]
	assert.False(t, present)

	out = Decode(users, row, DecodeOptions{KeepPassword: true})
	assert.Equal(t, "$2a$10$whatever", out["password"])
}

func TestDecodeJSONColumns(t *testing.T) {
	orders := lookup(t, "purchase_orders")

	out := Decode(orders, schema.Row{"items": `[{"sku":"A","qty":2}]`}, DecodeOptions{})
	items, ok := out["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)

	// Malformed stored JSON degrades to the declared empty shape.
	out = Decode(orders, schema.Row{"items": "{broken"}, DecodeOptions{})
	assert.Equal(t, []any{}, out["items"])

	out = Decode(orders, schema.Row{"items": nil}, DecodeOptions{})
	assert.Equal(t, []any{}, out["items"])

	logs := lookup(t, schema.AuditTable)
	out = Decode(logs, schema.Row{"before_data": "null"}, DecodeOptions{})
	assert.Equal(t, map[string]any{}, out["before_data"])
}

func TestDecodeStructuredJSONPassesThrough(t *testing.T) {
	orders := lookup(t, "purchase_orders")
	items := []any{map[string]any{"sku": "A"}}

	out := Decode(orders, schema.Row{"items": items}, DecodeOptions{})
	assert.Equal(t, items, out["items"])
}

func TestDecodeScansBytesAndTimes(t *testing.T) {
	suppliers := lookup(t, "suppliers")
	out := Decode(suppliers, schema.Row{
		"name":       []byte("ACME"),
		"created_at": time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, DecodeOptions{})

	assert.Equal(t, "ACME", out["name"])
	assert.Equal(t, "2026-01-02T03:04:05Z", out["created_at"])
}

func TestDecodeCoercesNumericColumns(t *testing.T) {
	inventory := lookup(t, "inventory")

	// Postgres scans numeric/decimal columns as text.
	out := Decode(inventory, schema.Row{
		"quantity":     []byte("12.5"),
		"min_quantity": "3",
		"location":     "r1",
	}, DecodeOptions{})

	assert.Equal(t, float64(12.5), out["quantity"])
	assert.Equal(t, float64(3), out["min_quantity"])
	assert.Equal(t, "r1", out["location"])

	// Non-numeric text in a numeric column passes through unchanged.
	out = Decode(inventory, schema.Row{"quantity": "n/a"}, DecodeOptions{})
	assert.Equal(t, "n/a", out["quantity"])
}

func TestDecodeShapeMatchesAcrossBackends(t *testing.T) {
	inventory := lookup(t, "inventory")

	// The same logical row as a relational scan and as a file-store document
	// must decode to the identical wire shape.
	relational := Decode(inventory, schema.Row{
		"sku":        []byte("A1"),
		"quantity":   []byte("12.5"),
		"created_at": time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}, DecodeOptions{})
	fileBacked := Decode(inventory, schema.Row{
		"sku":        "A1",
		"quantity":   float64(12.5),
		"created_at": "2026-05-01T12:00:00Z",
	}, DecodeOptions{})

	assert.Equal(t, fileBacked, relational)
}

func TestEncodeJSONColumn(t *testing.T) {
	s, err := EncodeJSONColumn([]any{map[string]any{"sku": "A"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"sku":"A"}]`, s)

	// Already-encoded JSON text passes through untouched.
	s, err = EncodeJSONColumn(`{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, s)
}

func TestCloneIsolation(t *testing.T) {
	row := schema.Row{"items": []any{map[string]any{"sku": "A"}}, "n": float64(1)}
	cp := Clone(row)

	cp["n"] = float64(2)
	cp["items"].([]any)[0].(map[string]any)["sku"] = "B"

	assert.Equal(t, float64(1), row["n"])
	assert.Equal(t, "A", row["items"].([]any)[0].(map[string]any)["sku"])
}
