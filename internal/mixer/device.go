// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package mixer

import (
	"context"
	"net/url"
	"strconv"
)

// Params are the string key/value arguments of a remote function call.
type Params map[string]string

// Encode renders params as a query string with sorted keys.
func (p Params) Encode() string {
	if len(p) == 0 {
		return ""
	}
	v := url.Values{}
	for k, val := range p {
		v.Set(k, val)
	}
	return v.Encode()
}

// Device is the capability shared by both transports. Callers never branch on
// the transport kind.
type Device interface {
	Host() string
	Transport() Transport
	// Probe reports reachability; it never fails loudly.
	Probe(ctx context.Context) bool
	// FetchSnapshot reads one full state observation.
	FetchSnapshot(ctx context.Context) (State, error)
	// Invoke calls a named remote function.
	Invoke(ctx context.Context, function string, params Params) error
	// Close releases the handle. It must not block on network teardown.
	Close()
}

// SelectIndexFunction is the remote function that selects a video list item.
const SelectIndexFunction = "SelectIndex"

// SelectIndexParams translates a 0-based list index to the device's 1-based form.
func SelectIndexParams(inputKey string, index int) Params {
	return Params{
		"Input": inputKey,
		"Value": strconv.Itoa(index + 1),
	}
}

// Reporter is implemented by devices whose own receive path feeds every
// snapshot to the notifier (the TCP session). Callers must not record the
// snapshots such a device returns a second time.
type Reporter interface {
	Device
	ReportsObservations()
}
