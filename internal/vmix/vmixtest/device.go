// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package vmixtest provides a scripted in-memory mixer shared by the HTTP and
// TCP mock devices.
package vmixtest

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/ManuGH/mixlink/internal/vmix"
)

// Call is one function invocation received by a mock device.
type Call struct {
	Function string
	Params   mixer.Params
}

// Device holds the scripted state. It is safe for concurrent use.
type Device struct {
	mu      sync.Mutex
	state   mixer.State
	calls   []Call
	rejects map[string]string
}

// NewDevice creates a device with default data: two plain inputs and a
// five-item video list at input 3, input 1 on air and input 2 in preview.
func NewDevice() *Device {
	d := &Device{rejects: make(map[string]string)}
	d.state = DefaultState()
	return d
}

// DefaultState is the state a new Device starts with.
func DefaultState() mixer.State {
	inputs := []mixer.InputRecord{
		{Key: "26cae087-b7b6-4d45-98e4-de03ab4feb6b", Number: 1, Title: "Black", ShortTitle: "Black", Type: "Colour", State: "Paused"},
		{Key: "55cbe357-a801-4d52-8fad-4a6ab34d1f9d", Number: 2, Title: "Camera 1", ShortTitle: "Cam1", Type: "Capture", State: "Running"},
		{Key: "9c1e7b5a-5c3f-4a54-9d2e-1f7c2a8b6e10", Number: 3, Title: "Clips", ShortTitle: "Clips", Type: "VideoList", State: "Paused"},
	}
	items := make([]mixer.VideoListItem, 5)
	for i := range items {
		items[i] = mixer.VideoListItem{Text: fmt.Sprintf(`C:\clips\clip%d.mp4`, i+1), Enabled: true}
	}
	items[0].Selected = true

	return mixer.State{
		Status: mixer.StatusSnapshot{
			Connectivity: mixer.Connected,
			Active:       1,
			Preview:      2,
			Version:      "27.0.0.49",
			Edition:      "4K",
		},
		Inputs: inputs,
		VideoLists: []mixer.VideoListInput{{
			InputRecord:   inputs[2],
			Items:         items,
			SelectedIndex: 0,
		}},
	}
}

// ListKey is the key of the default video list input.
const ListKey = "9c1e7b5a-5c3f-4a54-9d2e-1f7c2a8b6e10"

// State returns a deep copy of the current state.
func (d *Device) State() mixer.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneState(d.state)
}

// SetState replaces the scripted state.
func (d *Device) SetState(st mixer.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = cloneState(st)
}

// SetActive changes the on-air input and reports the activator events a
// subscribed client would see.
func (d *Device) SetActive(n int) []vmix.ActsEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setActiveLocked(n)
}

// SetPreview changes the preview input.
func (d *Device) SetPreview(n int) []vmix.ActsEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setPreviewLocked(n)
}

// Document renders the current state document.
func (d *Device) Document() ([]byte, error) {
	return vmix.MarshalState(d.State())
}

// Reject makes the named function fail with msg.
func (d *Device) Reject(function, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects[function] = msg
}

// Calls returns every function call received so far.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

// Apply executes a function against the state. Unknown functions are
// recorded and accepted.
func (d *Device) Apply(function string, params mixer.Params) ([]vmix.ActsEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := make(mixer.Params, len(params))
	for k, v := range params {
		cp[k] = v
	}
	d.calls = append(d.calls, Call{Function: function, Params: cp})

	if msg, ok := d.rejects[function]; ok {
		return nil, errors.New(msg)
	}

	switch function {
	case mixer.SelectIndexFunction:
		return nil, d.selectIndexLocked(params["Input"], params["Value"])
	case "PreviewInput":
		n, err := d.inputNumberLocked(params["Input"])
		if err != nil {
			return nil, err
		}
		return d.setPreviewLocked(n), nil
	case "ActiveInput", "CutDirect":
		n, err := d.inputNumberLocked(params["Input"])
		if err != nil {
			return nil, err
		}
		return d.setActiveLocked(n), nil
	case "Cut":
		active, preview := d.state.Status.Active, d.state.Status.Preview
		events := d.setActiveLocked(preview)
		return append(events, d.setPreviewLocked(active)...), nil
	}
	return nil, nil
}

func (d *Device) setActiveLocked(n int) []vmix.ActsEvent {
	prev := d.state.Status.Active
	if prev == n {
		return nil
	}
	d.state.Status.Active = n
	return []vmix.ActsEvent{{Name: "Input", Input: prev, Active: false}, {Name: "Input", Input: n, Active: true}}
}

func (d *Device) setPreviewLocked(n int) []vmix.ActsEvent {
	prev := d.state.Status.Preview
	if prev == n {
		return nil
	}
	d.state.Status.Preview = n
	return []vmix.ActsEvent{{Name: "InputPreview", Input: prev, Active: false}, {Name: "InputPreview", Input: n, Active: true}}
}

func (d *Device) inputNumberLocked(ref string) (int, error) {
	for _, in := range d.state.Inputs {
		if in.Key == ref || strconv.Itoa(in.Number) == ref || in.Title == ref {
			return in.Number, nil
		}
	}
	return 0, fmt.Errorf("input %q not found", ref)
}

func (d *Device) selectIndexLocked(key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("bad Value %q", value)
	}
	for i := range d.state.VideoLists {
		vl := &d.state.VideoLists[i]
		if vl.Key != key && strconv.Itoa(vl.Number) != key {
			continue
		}
		if v < 1 || v > len(vl.Items) {
			return fmt.Errorf("index %d out of range", v)
		}
		for j := range vl.Items {
			vl.Items[j].Selected = j == v-1
		}
		vl.SelectedIndex = v - 1
		return nil
	}
	return fmt.Errorf("list input %q not found", key)
}

func cloneState(st mixer.State) mixer.State {
	out := mixer.State{
		Status: st.Status,
		Inputs: slices.Clone(st.Inputs),
	}
	for _, vl := range st.VideoLists {
		vl.Items = slices.Clone(vl.Items)
		out.VideoLists = append(out.VideoLists, vl)
	}
	return out
}

// FormatActs renders an activator event as a device would send it.
func FormatActs(ev vmix.ActsEvent) string {
	v := 0
	if ev.Active {
		v = 1
	}
	return fmt.Sprintf("ACTS OK %s %d %d\r\n", ev.Name, ev.Input, v)
}
