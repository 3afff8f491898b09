// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package vmix

import (
	"os"
	"testing"

	"github.com/ManuGH/mixlink/internal/mixer"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseState_Golden(t *testing.T) {
	data, err := os.ReadFile("testdata/state.xml")
	require.NoError(t, err)

	st, err := ParseState(data)
	require.NoError(t, err)

	wantStatus := mixer.StatusSnapshot{
		Connectivity: mixer.Connected,
		Active:       1,
		Preview:      2,
		Version:      "27.0.0.49",
		Edition:      "4K",
		Preset:       `C:\shows\main.vmix`,
	}
	if diff := cmp.Diff(wantStatus, st.Status); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	wantInputs := []mixer.InputRecord{
		{Key: "26cae087-b7b6-4d45-98e4-de03ab4feb6b", Number: 1, Title: "Black", ShortTitle: "Black", Type: "Colour", State: "Paused"},
		{Key: "55cbe357-a801-4d52-8fad-4a6ab34d1f9d", Number: 2, Title: "Camera 1", ShortTitle: "Cam1", Type: "Capture", State: "Running"},
		{Key: "9c1e7b5a-5c3f-4a54-9d2e-1f7c2a8b6e10", Number: 3, Title: "Clips", ShortTitle: "Clips", Type: "VideoList", State: "Paused"},
	}
	if diff := cmp.Diff(wantInputs, st.Inputs); diff != "" {
		t.Errorf("inputs mismatch (-want +got):\n%s", diff)
	}

	wantLists := []mixer.VideoListInput{{
		InputRecord: wantInputs[2],
		Items: []mixer.VideoListItem{
			{Text: `C:\clips\intro.mp4`, Enabled: true},
			{Text: `C:\clips\interview.mp4`, Selected: true, Enabled: true},
			{Text: `C:\clips\outro.mp4`, Enabled: false},
		},
		SelectedIndex: 1,
	}}
	if diff := cmp.Diff(wantLists, st.VideoLists); diff != "" {
		t.Errorf("video lists mismatch (-want +got):\n%s", diff)
	}
}

func TestParseState_SelectedIndexAttributeFallback(t *testing.T) {
	doc := `<vmix><inputs><input key="k" number="1" type="VideoList" selectedIndex="2"><list>` +
		`<item enabled="true">a</item><item enabled="true">b</item></list></input></inputs></vmix>`
	st, err := ParseState([]byte(doc))
	require.NoError(t, err)
	require.Len(t, st.VideoLists, 1)
	require.Equal(t, 1, st.VideoLists[0].SelectedIndex)
}

func TestParseState_NoSelection(t *testing.T) {
	doc := `<vmix><inputs><input key="k" number="1" type="VideoList"><list><item>a</item></list></input></inputs></vmix>`
	st, err := ParseState([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, -1, st.VideoLists[0].SelectedIndex)
	require.True(t, st.VideoLists[0].Items[0].Enabled)
}

func TestParseState_UnknownActiveIsZero(t *testing.T) {
	st, err := ParseState([]byte(`<vmix><active>n/a</active></vmix>`))
	require.NoError(t, err)
	require.Equal(t, 0, st.Status.Active)
	require.Equal(t, 0, st.Status.Preview)
	require.Empty(t, st.Inputs)
}

func TestParseState_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":      "",
		"truncated":  "<vmix><inputs><input",
		"wrong root": "<html><body>nope</body></html>",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseState([]byte(doc))
			require.ErrorIs(t, err, mixer.ErrParse)
		})
	}
}

func TestMarshalState_ParsesBack(t *testing.T) {
	data, err := os.ReadFile("testdata/state.xml")
	require.NoError(t, err)
	want, err := ParseState(data)
	require.NoError(t, err)

	out, err := MarshalState(want)
	require.NoError(t, err)
	got, err := ParseState(out)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("state changed after re-render (-want +got):\n%s", diff)
	}
}
