package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/audit"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/auth"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/metrics"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/persistence"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/query"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/receipts"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/rowcodec"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/schema"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/storage"
	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/pkg/logger"
)

// RawReader reads rows without sanitization. Both backends satisfy it; the
// login flow needs the stored password digest.
type RawReader interface {
	Raw(ctx context.Context, q query.Query) ([]schema.Row, error)
}

// Handler owns the HTTP surface: generic table routes plus the specialized
// receipt and audit endpoints.
type Handler struct {
	registry *schema.Registry
	gateway  *storage.Gateway
	receipts *receipts.Service
	recorder *audit.Recorder
	ctrl     *persistence.Controller
	relRaw   RawReader // nil when the relational backend is disabled
	fileRaw  RawReader
	secret   []byte
	tokenTTL time.Duration
	log      *logger.Logger
}

func NewHandler(
	registry *schema.Registry,
	gw *storage.Gateway,
	rs *receipts.Service,
	recorder *audit.Recorder,
	ctrl *persistence.Controller,
	relRaw, fileRaw RawReader,
	secret []byte,
	tokenTTL time.Duration,
	log *logger.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		gateway:  gw,
		receipts: rs,
		recorder: recorder,
		ctrl:     ctrl,
		relRaw:   relRaw,
		fileRaw:  fileRaw,
		secret:   secret,
		tokenTTL: tokenTTL,
		log:      log,
	}
}

// Routes builds the router. Specialized endpoints are registered ahead of the
// generic table routes so they are never shadowed by the {table} pattern.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(auth.Middleware(h.secret, []string{"/health", "/metrics", "/auth/login"}, h.log))

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/receipts/finalize", h.finalizeReceipt).Methods(http.MethodPost)
	r.HandleFunc("/audit_logs/search", h.searchAudit).Methods(http.MethodGet)

	r.HandleFunc("/{table}", h.listTable).Methods(http.MethodGet)
	r.HandleFunc("/{table}", h.insertTable).Methods(http.MethodPost)
	r.HandleFunc("/{table}", h.updateTable).Methods(http.MethodPatch)
	r.HandleFunc("/{table}", h.deleteTable).Methods(http.MethodDelete)

	return corsMiddleware(r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	st := h.ctrl.Health()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"mode":       st.Mode,
		"last_error": st.LastError,
		"last_check": st.LastCheck.UTC().Format(time.RFC3339),
	})
}

// tableQuery resolves {table} and translates the URL parameters. The
// reserved keys order, limit and offset shape the page; every other key is a
// column equality filter.
func (h *Handler) tableQuery(r *http.Request) (query.Query, error) {
	table, err := h.registry.Lookup(mux.Vars(r)["table"])
	if err != nil {
		return query.Query{}, err
	}

	filters := make(map[string]string)
	var orderSpec, limitStr, offsetStr string
	for key, vals := range r.URL.Query() {
		if len(vals) == 0 {
			continue
		}
		switch key {
		case "order":
			orderSpec = vals[0]
		case "limit":
			limitStr = vals[0]
		case "offset":
			offsetStr = vals[0]
		default:
			filters[key] = vals[0]
		}
	}
	return query.Parse(table, filters, orderSpec, limitStr, offsetStr)
}

func (h *Handler) listTable(w http.ResponseWriter, r *http.Request) {
	q, err := h.tableQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, total, err := h.gateway.List(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeList(w, rows, total, q.Offset, len(rows))
}

func (h *Handler) insertTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.registry.Lookup(mux.Vars(r)["table"])
	if err != nil {
		writeError(w, err)
		return
	}

	var raw json.RawMessage
	if err := decodeJSON(r.Body, &raw); err != nil {
		writeError(w, err)
		return
	}
	payload, single, err := decodeRows(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	created, err := h.gateway.Insert(r.Context(), auth.FromContext(r.Context()), table, payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if single && len(created) == 1 {
		writeJSON(w, http.StatusCreated, created[0])
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// decodeRows accepts a single object or an array of objects.
func decodeRows(raw json.RawMessage) ([]schema.Row, bool, error) {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			var rows []schema.Row
			if err := json.Unmarshal(raw, &rows); err != nil {
				return nil, false, apperrors.Validationf("invalid JSON array: %v", err)
			}
			return rows, false, nil
		default:
			var row schema.Row
			if err := json.Unmarshal(raw, &row); err != nil {
				return nil, false, apperrors.Validationf("invalid JSON object: %v", err)
			}
			return []schema.Row{row}, true, nil
		}
	}
	return nil, false, apperrors.Validationf("empty request body")
}

func (h *Handler) updateTable(w http.ResponseWriter, r *http.Request) {
	q, err := h.tableQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var changes schema.Row
	if err := decodeJSON(r.Body, &changes); err != nil {
		writeError(w, err)
		return
	}
	updated, err := h.gateway.Update(r.Context(), auth.FromContext(r.Context()), q, changes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) deleteTable(w http.ResponseWriter, r *http.Request) {
	q, err := h.tableQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	deleted, err := h.gateway.Delete(r.Context(), auth.FromContext(r.Context()), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleted)
}

func (h *Handler) finalizeReceipt(w http.ResponseWriter, r *http.Request) {
	var req receipts.Request
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := h.receipts.Finalize(r.Context(), auth.FromContext(r.Context()), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) searchAudit(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	sq := audit.SearchQuery{
		Module:        qp.Get("module"),
		Entity:        qp.Get("entity"),
		Action:        qp.Get("action"),
		Actor:         qp.Get("actor"),
		WarehouseID:   qp.Get("warehouse_id"),
		IncludeGlobal: qp.Get("include_global") == "true",
		Text:          qp.Get("q"),
	}
	var err error
	if sq.From, err = parseTimeParam(qp.Get("from")); err != nil {
		writeError(w, err)
		return
	}
	if sq.To, err = parseTimeParam(qp.Get("to")); err != nil {
		writeError(w, err)
		return
	}
	if v := qp.Get("limit"); v != "" {
		if sq.Limit, err = strconv.Atoi(v); err != nil {
			writeError(w, apperrors.Validationf("invalid limit %q", v))
			return
		}
	}
	if v := qp.Get("offset"); v != "" {
		if sq.Offset, err = strconv.Atoi(v); err != nil {
			writeError(w, apperrors.Validationf("invalid offset %q", v))
			return
		}
	}

	res, err := h.recorder.Search(r.Context(), sq)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{
		Data:       res.Entries,
		Total:      &res.Total,
		HasMore:    &res.HasMore,
		NextOffset: &res.NextOffset,
	})
}

func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperrors.Validationf("invalid timestamp %q", s)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, apperrors.Validationf("email and password are required"))
		return
	}

	users, err := h.registry.Lookup("users")
	if err != nil {
		writeError(w, err)
		return
	}
	q, err := query.Parse(users, map[string]string{"email": req.Email}, "", "", "")
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := h.lookupRaw(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(rows) != 1 {
		h.unauthorized(w)
		return
	}
	row := rows[0]
	hash, _ := row[schema.PasswordColumn].(string)
	if !rowcodec.CheckPassword(hash, req.Password) {
		h.unauthorized(w)
		return
	}

	p := auth.Principal{
		ID:    asString(row["id"]),
		Email: asString(row["email"]),
		Role:  asString(row["role"]),
	}
	token, err := auth.IssueToken(h.secret, p, h.tokenTTL)
	if err != nil {
		writeError(w, apperrors.Internal("signing token", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  rowcodec.Decode(users, row, rowcodec.DecodeOptions{}),
	})
}

// lookupRaw reads unsanitized rows from whichever backend is active, falling
// back to the file store on a connection-class failure.
func (h *Handler) lookupRaw(ctx context.Context, q query.Query) ([]schema.Row, error) {
	if h.ctrl.Mode() == persistence.ModeRelational && h.relRaw != nil {
		rows, err := h.relRaw.Raw(ctx, q)
		if err == nil {
			return rows, nil
		}
		if !persistence.IsConnectionError(err) {
			return nil, err
		}
		h.ctrl.ReportFailure(err)
	}
	return h.fileRaw.Raw(ctx, q)
}

func (h *Handler) unauthorized(w http.ResponseWriter) {
	msg := "invalid credentials"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(envelope{Error: &msg})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
