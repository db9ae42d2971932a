package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/audit"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/auth"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/receipts"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage/filestore"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

var testSecret = []byte("test-secret")

type fixture struct {
	router http.Handler
	token  string
}

// newFixture wires the full stack over the file store only, as the service
// runs when the database is unreachable.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	files, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	reg := schema.Default()
	log := logger.Discard()
	ctrl := persistence.NewController(nil, time.Second, time.Second, log)
	recorder := audit.NewRecorder(reg, ctrl, nil, files, log)
	gw := storage.NewGateway(ctrl, nil, files, recorder, log)
	rs := receipts.NewService(reg, ctrl, nil, files, recorder, log)

	h := NewHandler(reg, gw, rs, recorder, ctrl, nil, files, testSecret, time.Hour, log)

	token, err := auth.IssueToken(testSecret, auth.Principal{ID: "u1", Email: "ops@acme.io", Role: "admin"}, time.Hour)
	require.NoError(t, err)

	return &fixture{router: h.Routes(), token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, "file", data["mode"])
}

func TestTableRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/suppliers", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownTableIsForbidden(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/pg_catalog", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.Nil(t, env["data"])
	assert.NotEmpty(t, env["error"])
}

func TestSupplierCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/suppliers", map[string]any{
		"id": "sup-1", "name": "ACME", "cnpj": "00.000.000/0001-00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "ACME", created["name"])
	assert.NotEmpty(t, created["created_at"])

	rec = f.do(t, http.MethodGet, "/suppliers?name=ACME", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, float64(1), env["total"])
	assert.Equal(t, false, env["has_more"])
	assert.Len(t, env["data"], 1)

	rec = f.do(t, http.MethodPatch, "/suppliers?id=sup-1", map[string]any{"name": "ACME v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decodeEnvelope(t, rec)["data"].([]any)
	require.Len(t, updated, 1)
	assert.Equal(t, "ACME v2", updated[0].(map[string]any)["name"])

	rec = f.do(t, http.MethodDelete, "/suppliers?id=sup-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/suppliers", nil)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, float64(0), env["total"])
}

func TestInsertAcceptsBatch(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/warehouses", []map[string]any{
		{"id": "w1", "name": "Central", "code": "C1"},
		{"id": "w2", "name": "Norte", "code": "N1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec)["data"].([]any)
	assert.Len(t, data, 2)
}

func TestListPagination(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		rec := f.do(t, http.MethodPost, "/suppliers", map[string]any{"id": id, "name": "n-" + id})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/suppliers?order=id:asc&limit=2&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, float64(5), env["total"])
	assert.Equal(t, true, env["has_more"])
	assert.Equal(t, float64(3), env["next_offset"])

	data := env["data"].([]any)
	require.Len(t, data, 2)
	assert.Equal(t, "s2", data[0].(map[string]any)["id"])
	assert.Equal(t, "s3", data[1].(map[string]any)["id"])
}

func TestPatchWithoutFiltersIsRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/suppliers", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchNoMatchIsNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/material_requests?id=ghost", map[string]any{"status": "entregue"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFilterOnUnknownColumnIsRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/suppliers?password=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/users", map[string]any{
		"id": "u9", "name": "Ana", "email": "ana@acme.io",
		"password": "s3cret", "role": "almoxarife",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeEnvelope(t, rec)["data"].(map[string]any)
	_, leaked := created["password"]
	assert.False(t, leaked, "create response must not leak the password")

	// Login is public and returns a usable token.
	body := bytes.NewBufferString(`{"email":"ana@acme.io","password":"s3cret"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/login", body)
	rec2 := httptest.NewRecorder()
	f.router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code, rec2.Body.String())

	data := decodeEnvelope(t, rec2)["data"].(map[string]any)
	token := data["token"].(string)
	require.NotEmpty(t, token)
	user := data["user"].(map[string]any)
	assert.Equal(t, "ana@acme.io", user["email"])
	_, leaked = user["password"]
	assert.False(t, leaked)

	claims, err := auth.ValidateToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "u9", claims.UserID)
	assert.Equal(t, "almoxarife", claims.Role)

	// Wrong password and unknown user are indistinguishable 401s.
	for _, payload := range []string{
		`{"email":"ana@acme.io","password":"wrong"}`,
		`{"email":"ghost@acme.io","password":"s3cret"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewBufferString(payload))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestReceiptFinalizeEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/purchase_orders", map[string]any{
		"id": "po-1", "supplier_id": "sup-1", "warehouse_id": "w1",
		"status": "enviado", "items": []map[string]any{{"sku": "A1", "qty": 5}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/inventory", map[string]any{
		"sku": "A1", "name": "Parafuso", "quantity": 10, "warehouse_id": "w1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/receipts/finalize", map[string]any{
		"po_id": "po-1",
		"items": []map[string]any{{"sku": "A1", "received": 5}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	order := data["order"].(map[string]any)
	assert.Equal(t, "recebido", order["status"])
	deltas := data["deltas"].([]any)
	require.Len(t, deltas, 1)
	assert.Equal(t, float64(15), deltas[0].(map[string]any)["new"])

	// Replaying the receipt conflicts.
	rec = f.do(t, http.MethodPost, "/receipts/finalize", map[string]any{
		"po_id": "po-1",
		"items": []map[string]any{{"sku": "A1", "received": 5}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The movement is visible through the generic route.
	rec = f.do(t, http.MethodGet, "/movements?order_id=po-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, float64(1), env["total"])
}

func TestAuditSearchEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/suppliers", map[string]any{"id": "sup-1", "name": "ACME"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPatch, "/suppliers?id=sup-1", map[string]any{"name": "ACME v2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/audit_logs/search?entity=suppliers", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.Equal(t, float64(2), env["total"])

	entries := env["data"].([]any)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "purchasing", e.(map[string]any)["module"])
		assert.Equal(t, "sup-1", e.(map[string]any)["entity_id"])
	}

	rec = f.do(t, http.MethodGet, "/audit_logs/search?action=create", nil)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, float64(1), env["total"])

	rec = f.do(t, http.MethodGet, "/audit_logs/search?from=not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedBodyIsRejected(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/suppliers", bytes.NewBufferString("{broken"))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/suppliers", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
