// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ManuGH/mixlink/internal/api/middleware"
	"github.com/ManuGH/mixlink/internal/control"
	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/rs/zerolog"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a control error code to its HTTP status.
func statusFor(code control.Code) int {
	switch code {
	case control.CodeInvalid:
		return http.StatusBadRequest
	case control.CodeNotFound:
		return http.StatusNotFound
	case control.CodeConnect, control.CodeTransport, control.CodeParse:
		return http.StatusBadGateway
	case control.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem writes an RFC 7807 problem body for err.
//
//   - type: "mixlink/<code>" machine identifier
//   - title: HTTP status text
//   - code: the control error code
//   - detail: the flattened error message
func writeProblem(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	code := control.CodeOf(err)
	if code == "" {
		code = control.CodeInternal
	}
	status := statusFor(code)

	reqID := xglog.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(middleware.HeaderRequestID)
	}
	detail := err.Error()
	var ce *control.Error
	if errors.As(err, &ce) {
		detail = ce.Message
	}

	body := map[string]any{
		"type":      "mixlink/" + strings.ToLower(string(code)),
		"title":     http.StatusText(status),
		"status":    status,
		"code":      string(code),
		"detail":    detail,
		"instance":  r.URL.EscapedPath(),
		"requestId": reqID,
	}

	l := xglog.WithContext(r.Context(), logger)
	ev := l.Debug()
	if status >= http.StatusInternalServerError {
		ev = l.Warn()
	}
	ev.Err(err).Str(xglog.FieldEvent, "api.problem").Int("status", status).Str("code", string(code)).Msg("request failed")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// badRequest reports a malformed request body or parameter.
func badRequest(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, msg string) {
	writeProblem(w, r, logger, &control.Error{Code: control.CodeInvalid, Message: msg})
}
