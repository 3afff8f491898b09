// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package snapshot holds the per-host last-known device state and the value
// comparison that decides whether an observation is news.
package snapshot

import (
	"slices"
	"sync"

	"github.com/ManuGH/mixlink/internal/mixer"
)

// Entry is the cached state of one host. Slices are never shared with callers.
type Entry struct {
	Status     mixer.StatusSnapshot
	Inputs     []mixer.InputRecord
	VideoLists []mixer.VideoListInput
	known      bool
}

// Known reports whether anything was ever observed for the host.
func (e Entry) Known() bool {
	return e.known
}

// Diff reports which parts of an entry an observation changed.
type Diff struct {
	Status     bool
	Roster     bool
	VideoLists bool
}

// Changed is the boolean "was this news" result.
func (d Diff) Changed() bool {
	return d.Status || d.Roster || d.VideoLists
}

// Cache is keyed by host. It is safe for concurrent use; ordering between
// observations of one host is the caller's concern (see notify.Notifier).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]*Entry)}
}

func (c *Cache) entry(host string) *Entry {
	e, ok := c.entries[host]
	if !ok {
		e = &Entry{Status: mixer.StatusSnapshot{Connectivity: mixer.Disconnected}}
		c.entries[host] = e
	}
	return e
}

// DiffAndUpdate compares status and roster against the cached values and
// always replaces them, win or lose. The first observation of a host always
// counts as a change.
func (c *Cache) DiffAndUpdate(host string, status mixer.StatusSnapshot, inputs []mixer.InputRecord) Diff {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	d := Diff{
		Status: !e.known || e.Status != status,
		Roster: !e.known || !mixer.EqualRosters(e.Inputs, inputs),
	}
	e.Status = status
	e.Inputs = slices.Clone(inputs)
	e.known = true
	return d
}

// DiffAndUpdateStatus is DiffAndUpdate for the status alone; the roster is kept.
func (c *Cache) DiffAndUpdateStatus(host string, status mixer.StatusSnapshot) Diff {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	d := Diff{Status: !e.known || e.Status != status}
	e.Status = status
	e.known = true
	return d
}

// DiffAndUpdateVideoLists compares the list-of-lists by full value.
func (c *Cache) DiffAndUpdateVideoLists(host string, lists []mixer.VideoListInput) Diff {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	d := Diff{VideoLists: !mixer.EqualVideoLists(e.VideoLists, lists)}
	e.VideoLists = cloneLists(lists)
	e.known = true
	return d
}

// Get returns a copy of the host's entry.
func (c *Cache) Get(host string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[host]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Status:     e.Status,
		Inputs:     slices.Clone(e.Inputs),
		VideoLists: cloneLists(e.VideoLists),
		known:      e.known,
	}, true
}

// Status returns the cached status, or a disconnected zero value.
func (c *Cache) Status(host string) mixer.StatusSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[host]; ok {
		return e.Status
	}
	return mixer.StatusSnapshot{Connectivity: mixer.Disconnected}
}

// Hosts lists every host with a cache entry.
func (c *Cache) Hosts() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for h := range c.entries {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// Forget drops a host's entry.
func (c *Cache) Forget(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, host)
}

func cloneLists(in []mixer.VideoListInput) []mixer.VideoListInput {
	if in == nil {
		return nil
	}
	out := make([]mixer.VideoListInput, len(in))
	for i, vl := range in {
		vl.Items = slices.Clone(vl.Items)
		out[i] = vl
	}
	return out
}
