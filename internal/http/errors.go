package http

import (
	"context"
	"errors"
	"net/http"

	"cashflow/internal/core"
	"cashflow/internal/ledger"
	applog "cashflow/internal/log"
	"cashflow/internal/session"
)

var (
	errMalformedBody     = errors.New("malformed request body")
	errInvalidMonth      = errors.New("invalid month")
	errInvalidTimezone   = errors.New("invalid timezone")
	errRateLimited       = errors.New("rate limit exceeded")
	errEventsUnavailable = errors.New("change events unavailable")
	errInternal          = errors.New("internal error")
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error from any layer to its HTTP status and message.
func statusFor(err error) (int, messageKey) {
	switch {
	case errors.Is(err, errMalformedBody):
		return http.StatusBadRequest, msgMalformedBody
	case errors.Is(err, errInvalidMonth):
		return http.StatusBadRequest, msgInvalidMonth
	case errors.Is(err, errInvalidTimezone):
		return http.StatusBadRequest, msgInvalidTimezone
	case errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusBadRequest, msgInvalidCredentials
	case errors.Is(err, session.ErrUnauthorized):
		return http.StatusUnauthorized, msgUnauthorized
	case errors.Is(err, core.ErrInvalidType):
		return http.StatusUnprocessableEntity, msgInvalidType
	case errors.Is(err, core.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, msgInvalidAmount
	case errors.Is(err, core.ErrEmptyDescription):
		return http.StatusUnprocessableEntity, msgEmptyDescription
	case errors.Is(err, core.ErrLongDescription):
		return http.StatusUnprocessableEntity, msgLongDescription
	case errors.Is(err, core.ErrEmptyPatch):
		return http.StatusUnprocessableEntity, msgEmptyPatch
	case errors.Is(err, ledger.ErrInvalidTransaction):
		return http.StatusUnprocessableEntity, msgInvalidAmount
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, msgNotFound
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, msgRateLimited
	case errors.Is(err, ledger.ErrWriteFailed):
		return http.StatusServiceUnavailable, msgWriteFailed
	case errors.Is(err, errEventsUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, msgUnavailable
	case errors.Is(err, ledger.ErrCorruptPartition):
		return http.StatusInternalServerError, msgCorrupt
	case errors.Is(err, ledger.ErrIDUnavailable):
		return http.StatusInternalServerError, msgInternal
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// writeError sends err as a localized JSON error. Server-side failures are
// logged; client mistakes are not.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, key := statusFor(err)
	if status >= http.StatusInternalServerError {
		fields := applog.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, "")
		if sess, ok := session.FromContext(r.Context()); ok {
			fields.With(applog.FieldPartition, sess.Phone)
		}
		s.log.LogError(r.Context(), "Request failed", err, op, fields)
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="cashflow"`)
	}
	writeJSON(w, status, errorResponse{Error: localize(requestLocale(r), key)})
}
