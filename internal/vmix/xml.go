// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package vmix contains the wire codecs shared by both device transports:
// the XML state document and the line-framed TCP command protocol.
package vmix

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuGH/mixlink/internal/mixer"
)

const videoListType = "VideoList"

type xmlState struct {
	XMLName xml.Name   `xml:"vmix"`
	Version string     `xml:"version,omitempty"`
	Edition string     `xml:"edition,omitempty"`
	Preset  string     `xml:"preset,omitempty"`
	Inputs  []xmlInput `xml:"inputs>input"`
	Active  string     `xml:"active"`
	Preview string     `xml:"preview"`
}

type xmlInput struct {
	Key           string    `xml:"key,attr"`
	Number        string    `xml:"number,attr"`
	Type          string    `xml:"type,attr"`
	Title         string    `xml:"title,attr"`
	ShortTitle    string    `xml:"shortTitle,attr"`
	State         string    `xml:"state,attr"`
	SelectedIndex string    `xml:"selectedIndex,attr,omitempty"`
	Text          string    `xml:",chardata"`
	Items         []xmlItem `xml:"list>item"`
}

type xmlItem struct {
	Enabled  string `xml:"enabled,attr"`
	Selected string `xml:"selected,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// ParseState decodes a device state document. The connectivity of the returned
// status is Connected: a parseable document is proof of a live device.
func ParseState(data []byte) (mixer.State, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return mixer.State{}, fmt.Errorf("%w: empty state document", mixer.ErrParse)
	}

	var doc xmlState
	if err := xml.Unmarshal(data, &doc); err != nil {
		return mixer.State{}, fmt.Errorf("%w: %v", mixer.ErrParse, err)
	}

	st := mixer.State{
		Status: mixer.StatusSnapshot{
			Connectivity: mixer.Connected,
			Active:       atoiOrZero(doc.Active),
			Preview:      atoiOrZero(doc.Preview),
			Version:      strings.TrimSpace(doc.Version),
			Edition:      strings.TrimSpace(doc.Edition),
			Preset:       strings.TrimSpace(doc.Preset),
		},
		Inputs: make([]mixer.InputRecord, 0, len(doc.Inputs)),
	}

	for _, in := range doc.Inputs {
		rec := mixer.InputRecord{
			Key:        in.Key,
			Number:     atoiOrZero(in.Number),
			Title:      in.Title,
			ShortTitle: in.ShortTitle,
			Type:       in.Type,
			State:      in.State,
		}
		st.Inputs = append(st.Inputs, rec)

		if strings.EqualFold(in.Type, videoListType) || len(in.Items) > 0 {
			st.VideoLists = append(st.VideoLists, videoList(rec, in))
		}
	}
	return st, nil
}

func videoList(rec mixer.InputRecord, in xmlInput) mixer.VideoListInput {
	vl := mixer.VideoListInput{
		InputRecord:   rec,
		Items:         make([]mixer.VideoListItem, 0, len(in.Items)),
		SelectedIndex: -1,
	}
	for i, it := range in.Items {
		item := mixer.VideoListItem{
			Text:     strings.TrimSpace(it.Text),
			Selected: parseBool(it.Selected, false),
			Enabled:  parseBool(it.Enabled, true),
		}
		if item.Selected && vl.SelectedIndex < 0 {
			vl.SelectedIndex = i
		}
		vl.Items = append(vl.Items, item)
	}
	if vl.SelectedIndex < 0 {
		if n := atoiOrZero(in.SelectedIndex); n >= 1 && n <= len(vl.Items) {
			vl.SelectedIndex = n - 1
		}
	}
	return vl
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseBool(s string, def bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// MarshalState renders st as a device state document. Video list inputs are
// written from st.VideoLists; everything else from st.Inputs.
func MarshalState(st mixer.State) ([]byte, error) {
	doc := xmlState{
		Version: st.Status.Version,
		Edition: st.Status.Edition,
		Preset:  st.Status.Preset,
		Active:  strconv.Itoa(st.Status.Active),
		Preview: strconv.Itoa(st.Status.Preview),
		Inputs:  make([]xmlInput, 0, len(st.Inputs)),
	}
	for _, rec := range st.Inputs {
		in := xmlInput{
			Key:        rec.Key,
			Number:     strconv.Itoa(rec.Number),
			Type:       rec.Type,
			Title:      rec.Title,
			ShortTitle: rec.ShortTitle,
			State:      rec.State,
			Text:       rec.Title,
		}
		if vl, ok := st.FindVideoList(rec.Key); ok {
			if vl.SelectedIndex >= 0 {
				in.SelectedIndex = strconv.Itoa(vl.SelectedIndex + 1)
			}
			for _, it := range vl.Items {
				item := xmlItem{Enabled: strconv.FormatBool(it.Enabled), Text: it.Text}
				if it.Selected {
					item.Selected = "true"
				}
				in.Items = append(in.Items, item)
			}
		}
		doc.Inputs = append(doc.Inputs, in)
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return out, nil
}
