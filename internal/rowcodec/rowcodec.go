// Package rowcodec converts rows between their wire representation and the
// backend storage representation. Both storage engines funnel reads and
// writes through this package so the same logical row round-trips to the
// same wire shape regardless of where it was stored.
package rowcodec

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
)

// Lenient input layouts accepted for timestamp columns, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// DecodeOptions control outbound row sanitization.
type DecodeOptions struct {
	// KeepPassword leaves the password column in place. Only the login flow
	// sets this.
	KeepPassword bool
}

// NormalizeForWrite prepares a wire row for persistence: validates columns
// against the whitelist, canonicalizes timestamps, and hashes passwords.
// JSON-shaped values stay structured; the relational executor serializes them
// at the SQL boundary while the file store persists them as-is.
func NormalizeForWrite(table *schema.Table, row schema.Row) (schema.Row, error) {
	out := make(schema.Row, len(row))
	for col, v := range row {
		if !table.AllowsColumn(col) {
			return nil, apperrors.Validationf("column %q is not permitted on table %q", col, table.Name)
		}
		switch {
		case col == schema.PasswordColumn:
			hashed, err := HashPassword(v)
			if err != nil {
				return nil, err
			}
			out[col] = hashed
		case table.IsTimestamp(col):
			out[col] = CanonicalTimestamp(v)
		default:
			out[col] = v
		}
	}
	return out, nil
}

// Decode converts a stored row back to wire shape: JSON-encoded text columns
// become structured values (malformed data degrades to the declared
// fallback), []byte scans become strings, numeric columns scanned as text
// (Postgres numeric/decimal) become numbers again, and passwords are
// stripped unless the caller is the login flow.
func Decode(table *schema.Table, row schema.Row, opts DecodeOptions) schema.Row {
	out := make(schema.Row, len(row))
	for col, v := range row {
		if col == schema.PasswordColumn && !opts.KeepPassword {
			continue
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339)
		}
		if table.IsNumeric(col) {
			if s, ok := v.(string); ok {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					v = f
				}
			}
		}
		if kind, ok := table.IsJSON(col); ok {
			v = decodeJSONColumn(v, kind)
		}
		out[col] = v
	}
	return out
}

func decodeJSONColumn(v any, kind schema.JSONKind) any {
	switch raw := v.(type) {
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil || decoded == nil {
			return jsonFallback(kind)
		}
		return decoded
	case nil:
		return jsonFallback(kind)
	default:
		// Already structured (file store round-trip).
		return v
	}
}

func jsonFallback(kind schema.JSONKind) any {
	if kind == schema.JSONObject {
		return map[string]any{}
	}
	return []any{}
}

// EncodeJSONColumn serializes a structured value for a JSON-encoded text
// column at the SQL boundary.
func EncodeJSONColumn(v any) (string, error) {
	if s, ok := v.(string); ok {
		// Pass through values that already carry encoded JSON.
		if json.Valid([]byte(s)) {
			return s, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Validationf("value is not JSON-encodable: %v", err)
	}
	return string(b), nil
}

// CanonicalTimestamp parses free-form date input into RFC3339 UTC.
// Unparseable input passes through unchanged rather than being rejected.
func CanonicalTimestamp(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return v
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC().Format(time.RFC3339)
			}
		}
		return v
	default:
		return v
	}
}

// HashPassword bcrypt-hashes a plaintext password value. Values that already
// look like bcrypt digests pass through so re-writing a fetched row does not
// double-hash.
func HashPassword(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return v, nil
	}
	if strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$") {
		return s, nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Internal("hash password", err)
	}
	return string(hashed), nil
}

// CheckPassword verifies a plaintext password against a stored bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Clone deep-copies a row through a JSON round-trip. Used by the file store
// to keep cached documents isolated from callers.
func Clone(row schema.Row) schema.Row {
	b, err := json.Marshal(row)
	if err != nil {
		out := make(schema.Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	var out schema.Row
	if err := json.Unmarshal(b, &out); err != nil {
		return row
	}
	return out
}
