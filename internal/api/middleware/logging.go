// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// AccessLog writes one line per request. Server errors log at warn,
// everything else at debug.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			l := xglog.WithContext(r.Context(), logger)
			ev := l.Debug()
			if ww.Status() >= http.StatusInternalServerError {
				ev = l.Warn()
			}
			traceID, _ := ExtractTraceContext(r)
			ev.Str(xglog.FieldEvent, "api.request").
				Str("method", r.Method).
				Str("route", routeOf(r)).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("trace_id", traceID).
				Msg("request served")
		})
	}
}
