package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymarcelo/armazemEC2-RDS-sub000/internal/apperrors"
)

// envelope is the uniform response shape: {data, error}, with pagination
// fields on list/search responses.
type envelope struct {
	Data       any    `json:"data"`
	Error      *string `json:"error"`
	Total      *int    `json:"total,omitempty"`
	HasMore    *bool   `json:"has_more,omitempty"`
	NextOffset *int    `json:"next_offset,omitempty"`
}

func decodeJSON(body io.ReadCloser, dst any) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		return apperrors.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeList(w http.ResponseWriter, data any, total, offset, returned int) {
	hasMore := offset+returned < total
	nextOffset := offset + returned
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(envelope{
		Data:       data,
		Total:      &total,
		HasMore:    &hasMore,
		NextOffset: &nextOffset,
	})
}

// writeError maps the taxonomy to HTTP statuses. Connection and internal
// failures are never surfaced verbatim.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		switch appErr.Kind {
		case apperrors.KindConnection, apperrors.KindInternal:
			// keep the generic message
		default:
			msg = appErr.Message
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: &msg})
}
