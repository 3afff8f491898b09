// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ManuGH/mixlink/internal/control"
	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// autoRefreshBody is the wire form of mixer.AutoRefresh; the interval is a
// Go duration string such as "5s".
type autoRefreshBody struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`
}

func toAutoRefreshBody(a mixer.AutoRefresh) autoRefreshBody {
	enabled := a.Enabled
	return autoRefreshBody{Enabled: &enabled, Interval: a.Interval.String()}
}

// apply overlays the body onto base.
func (b autoRefreshBody) apply(base mixer.AutoRefresh) (mixer.AutoRefresh, error) {
	out := base
	if b.Enabled != nil {
		out.Enabled = *b.Enabled
	}
	if b.Interval != "" {
		d, err := time.ParseDuration(b.Interval)
		if err != nil {
			return mixer.AutoRefresh{}, fmt.Errorf("interval %q is not a duration", b.Interval)
		}
		out.Interval = d
	}
	return out, nil
}

type connectionBody struct {
	Host        string          `json:"host"`
	Port        int             `json:"port,omitempty"`
	Label       string          `json:"label,omitempty"`
	Transport   string          `json:"transport,omitempty"`
	AutoRefresh autoRefreshBody `json:"auto_refresh"`
}

type connectionView struct {
	Host        string               `json:"host"`
	Port        int                  `json:"port"`
	Label       string               `json:"label,omitempty"`
	Transport   mixer.Transport      `json:"transport"`
	AutoRefresh autoRefreshBody      `json:"auto_refresh"`
	Status      mixer.StatusSnapshot `json:"status"`
}

func viewOf(c mixer.Connection, st mixer.StatusSnapshot) connectionView {
	return connectionView{
		Host:        c.Host,
		Port:        c.Port,
		Label:       c.Label,
		Transport:   c.Transport,
		AutoRefresh: toAutoRefreshBody(c.AutoRefresh),
		Status:      st,
	}
}

// decode reads a bounded JSON body, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.ctl.Connections(r.Context())
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	out := make([]connectionView, 0, len(infos))
	for _, info := range infos {
		out = append(out, viewOf(info.Connection, info.Status))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var body connectionBody
	if err := decode(r, &body); err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}
	if body.Transport == "" {
		body.Transport = string(mixer.TransportHTTP)
	}
	ar, err := body.AutoRefresh.apply(mixer.DefaultAutoRefresh())
	if err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}

	conn, st, err := s.ctl.Open(r.Context(), control.OpenRequest{
		Host:        body.Host,
		Port:        body.Port,
		Transport:   mixer.Transport(body.Transport),
		Label:       body.Label,
		AutoRefresh: &ar,
	})
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/connections/"+url.PathEscape(conn.Host))
	writeJSON(w, http.StatusCreated, viewOf(conn, st))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Close(r.Context(), pathParam(r, "host")); err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	all, err := s.ctl.AllStatus(r.Context())
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Status(r.Context(), pathParam(r, "host"))
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInputs(w http.ResponseWriter, r *http.Request) {
	inputs, err := s.ctl.Inputs(r.Context(), pathParam(r, "host"))
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, inputs)
}

func (s *Server) handleVideoLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.ctl.VideoLists(r.Context(), pathParam(r, "host"))
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

type selectBody struct {
	Index *int `json:"index"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body selectBody
	if err := decode(r, &body); err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}
	if body.Index == nil {
		badRequest(w, r, s.logger, "index is required")
		return
	}
	list, err := s.ctl.SelectListItem(r.Context(), pathParam(r, "host"), pathParam(r, "key"), *body.Index)
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type invokeBody struct {
	Params map[string]string `json:"params"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeBody
	if r.ContentLength != 0 {
		if err := decode(r, &body); err != nil {
			badRequest(w, r, s.logger, err.Error())
			return
		}
	}
	if err := s.ctl.Invoke(r.Context(), pathParam(r, "host"), pathParam(r, "name"), mixer.Params(body.Params)); err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	ar, err := s.ctl.AutoRefresh(r.Context(), pathParam(r, "host"))
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutoRefreshBody(ar))
}

func (s *Server) handleSetAutoRefresh(w http.ResponseWriter, r *http.Request) {
	host := pathParam(r, "host")
	var body autoRefreshBody
	if err := decode(r, &body); err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}
	current, err := s.ctl.AutoRefresh(r.Context(), host)
	if err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	next, err := body.apply(current)
	if err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}
	if err := s.ctl.SetAutoRefresh(r.Context(), host, next); err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutoRefreshBody(next))
}

type labelBody struct {
	Label string `json:"label"`
}

func (s *Server) handleSetLabel(w http.ResponseWriter, r *http.Request) {
	var body labelBody
	if err := decode(r, &body); err != nil {
		badRequest(w, r, s.logger, err.Error())
		return
	}
	if err := s.ctl.SetLabel(r.Context(), pathParam(r, "host"), body.Label); err != nil {
		writeProblem(w, r, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
