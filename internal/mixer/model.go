// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package mixer holds the transport-independent state model of a remote video mixer
// and the Device capability both transports implement.
package mixer

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Transport identifies how a host is reached.
type Transport string

const (
	TransportHTTP Transport = "http"
	TransportTCP  Transport = "tcp"
)

// ParseTransport accepts "http" or "tcp" (case-insensitive).
func ParseTransport(s string) (Transport, error) {
	switch Transport(strings.ToLower(strings.TrimSpace(s))) {
	case TransportHTTP:
		return TransportHTTP, nil
	case TransportTCP:
		return TransportTCP, nil
	default:
		return "", fmt.Errorf("%w: unknown transport %q (want http or tcp)", ErrConfig, s)
	}
}

// DefaultPort returns the device's default port for the transport.
func (t Transport) DefaultPort() int {
	if t == TransportTCP {
		return 8099
	}
	return 8088
}

// Connectivity is the only connection health signal consumers observe.
type Connectivity string

const (
	Connected    Connectivity = "connected"
	Reconnecting Connectivity = "reconnecting"
	Disconnected Connectivity = "disconnected"
)

const (
	MinRefreshInterval = time.Second
	MaxRefreshInterval = time.Hour
)

// AutoRefresh is the per-host polling configuration.
type AutoRefresh struct {
	Enabled  bool          `json:"enabled" yaml:"enabled"`
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// DefaultAutoRefresh is applied to connections opened without explicit settings.
func DefaultAutoRefresh() AutoRefresh {
	return AutoRefresh{Enabled: true, Interval: 5 * time.Second}
}

// Validate rejects intervals the scheduler cannot honour.
func (a AutoRefresh) Validate() error {
	if a.Interval < MinRefreshInterval || a.Interval > MaxRefreshInterval {
		return fmt.Errorf("%w: auto refresh interval %s out of range [%s, %s]",
			ErrConfig, a.Interval, MinRefreshInterval, MaxRefreshInterval)
	}
	return nil
}

// Connection is the registry's view of one configured host.
type Connection struct {
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	Transport   Transport   `json:"transport"`
	Label       string      `json:"label,omitempty"`
	AutoRefresh AutoRefresh `json:"auto_refresh"`
}

// Address returns host:port.
func (c Connection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StatusSnapshot is a value; replace it, never mutate a cached one.
type StatusSnapshot struct {
	Connectivity Connectivity `json:"connectivity"`
	Active       int          `json:"active"`
	Preview      int          `json:"preview"`
	Version      string       `json:"version,omitempty"`
	Edition      string       `json:"edition,omitempty"`
	Preset       string       `json:"preset,omitempty"`
}

// WithConnectivity returns a copy with only the connectivity replaced.
func (s StatusSnapshot) WithConnectivity(c Connectivity) StatusSnapshot {
	s.Connectivity = c
	return s
}

// InputRecord is one entry of a host's input roster.
type InputRecord struct {
	Key        string `json:"key"`
	Number     int    `json:"number"`
	Title      string `json:"title"`
	ShortTitle string `json:"short_title,omitempty"`
	Type       string `json:"type"`
	State      string `json:"state,omitempty"`
}

// VideoListItem is one entry of a video list input.
type VideoListItem struct {
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
	Enabled  bool   `json:"enabled"`
}

// VideoListInput is an input whose content is a selectable list.
// SelectedIndex is 0-based, -1 when nothing is selected.
type VideoListInput struct {
	InputRecord
	Items         []VideoListItem `json:"items"`
	SelectedIndex int             `json:"selected_index"`
}

// SelectedCount reports how many items claim to be selected. The device is
// expected to keep this at most one; callers only report violations.
func (v VideoListInput) SelectedCount() int {
	n := 0
	for _, it := range v.Items {
		if it.Selected {
			n++
		}
	}
	return n
}

// Equal compares two lists by value, including item order.
func (v VideoListInput) Equal(o VideoListInput) bool {
	return v.InputRecord == o.InputRecord &&
		v.SelectedIndex == o.SelectedIndex &&
		slices.Equal(v.Items, o.Items)
}

// State is one full observation of a device.
type State struct {
	Status     StatusSnapshot   `json:"status"`
	Inputs     []InputRecord    `json:"inputs"`
	VideoLists []VideoListInput `json:"video_lists"`
}

// FindVideoList returns the list input with the given key.
func (s State) FindVideoList(key string) (VideoListInput, bool) {
	for _, vl := range s.VideoLists {
		if vl.Key == key {
			return vl, true
		}
	}
	return VideoListInput{}, false
}

// EqualRosters compares rosters by value and order.
func EqualRosters(a, b []InputRecord) bool {
	return slices.Equal(a, b)
}

// EqualVideoLists compares list-of-lists by value and order.
func EqualVideoLists(a, b []VideoListInput) bool {
	return slices.EqualFunc(a, b, VideoListInput.Equal)
}
