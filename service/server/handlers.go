package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sargo-finance/sargo/service/access"
	"github.com/sargo-finance/sargo/service/account"
	"github.com/sargo-finance/sargo/service/earnings"
	"github.com/sargo-finance/sargo/service/escrow"
	"github.com/sargo-finance/sargo/service/fee"
	"github.com/sargo-finance/sargo/service/ledger"
)

const (
	// IdentityHeader carries the authenticated caller. Authentication itself
	// happens in front of this service.
	IdentityHeader = "X-Sargo-Identity"

	maxRequestBodySize = 1 << 20
	defaultPageLimit   = 100
	maxPageLimit       = 1000
)

// writeJSON writes data as a JSON response.
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeFailure maps a domain error onto a status code. Unexpected errors
// are logged and hidden behind a generic message.
func writeFailure(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal server error", code)
		return
	}
	logger.DebugContext(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "error", err)
	writeError(w, err.Error(), code)
}

func statusFor(err error) int {
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, access.ErrForbidden),
		errors.Is(err, fee.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrSystemPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrAlreadyPaired),
		errors.Is(err, escrow.ErrSelfPairing):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientBalance),
		errors.Is(err, escrow.ErrInsufficientAllowance),
		errors.Is(err, escrow.ErrOverAllocation),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidCurrency),
		errors.Is(err, escrow.ErrInvalidIdentity),
		errors.Is(err, account.ErrInvalidIdentity),
		errors.Is(err, fee.ErrInvalidRate),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, earnings.ErrNegativeCredit):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a size-limited JSON body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSON(w, r, dst, false)
}

// decodeOptionalBody is decodeBody for endpoints whose body may be omitted.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSON(w, r, dst, true)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return nil
		}
		return errorf("request body is required")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "http: request body too large") {
			return errorf("request body too large: maximum size is 1MB")
		}
		return errorf("invalid request body: %v", err)
	}
	return nil
}

// callerFrom returns the identity in IdentityHeader. A missing header yields
// account.None, which every mutating operation rejects.
func callerFrom(r *http.Request) (account.Identity, error) {
	raw := r.Header.Get(IdentityHeader)
	if raw == "" {
		return account.None, nil
	}
	id, err := account.Parse(raw)
	if err != nil {
		return account.None, errorf("invalid %s header: %v", IdentityHeader, err)
	}
	return id, nil
}

// identityParam parses a path parameter as an identity.
func identityParam(r *http.Request, name string) (account.Identity, error) {
	id, err := account.Parse(chi.URLParam(r, name))
	if err != nil {
		return account.None, errorf("invalid %s: %v", name, err)
	}
	return id, nil
}

// txIDParam parses the {id} path parameter.
func txIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errorf("invalid transaction id %q", raw)
	}
	return id, nil
}

// pageParams reads offset and limit query parameters.
func pageParams(r *http.Request) (offset, limit int, err error) {
	query := r.URL.Query()
	limit = defaultPageLimit
	if s := query.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, errorf("invalid limit parameter: must be an integer")
		}
		if v < 1 {
			return 0, 0, errorf("limit must be at least 1")
		}
		if v > maxPageLimit {
			return 0, 0, errorf("limit cannot exceed %d", maxPageLimit)
		}
		limit = v
	}
	if s := query.Get("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return 0, 0, errorf("invalid offset parameter: must be an integer")
		}
		if v < 0 {
			return 0, 0, errorf("offset cannot be negative")
		}
		offset = v
	}
	return offset, limit, nil
}

// errorf is a helper to format validation errors.
func errorf(format string, args ...any) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
