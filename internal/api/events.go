// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xglog "github.com/ManuGH/mixlink/internal/log"
	"github.com/ManuGH/mixlink/internal/metrics"
	"github.com/ManuGH/mixlink/internal/notify"
)

// handleEvents streams notify.Events as Server-Sent-Events. ?host= limits the
// stream to one host. Each event carries id=<seq> and event=mixer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := xglog.WithContext(ctx, s.logger)
	hostFilter := r.URL.Query().Get("host")

	sub, err := s.bus.Subscribe(ctx, notify.Topic)
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	defer func() { _ = sub.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if _, err := fmt.Fprint(w, ":connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logger.Debug().Err(err).Str(xglog.FieldEvent, "api.sse_flush_failed").Msg("event stream not flushable")
		return
	}

	metrics.SSEClients.Inc()
	defer metrics.SSEClients.Dec()
	logger.Debug().Str(xglog.FieldEvent, "api.sse_connected").Str(xglog.FieldHost, hostFilter).Msg("event stream opened")

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Str(xglog.FieldEvent, "api.sse_disconnected").Msg("event stream closed")
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix()); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}

		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			ev, isEvent := msg.(notify.Event)
			if !isEvent || (hostFilter != "" && ev.Host != hostFilter) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str(xglog.FieldEvent, "api.sse_encode_failed").Msg("failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: mixer\ndata: %s\n\n", ev.Seq, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
