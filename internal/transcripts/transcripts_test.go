package transcripts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Transcript {
	return &Transcript{
		Title:  "Episode One",
		Source: "podcast2.0:vtt",
		Model:  "",
		Segments: []Segment{
			{Start: 0, End: 4.5, Text: "Hello and welcome."},
			{Start: 4.5, End: 9, Text: "Today we talk about boats."},
			{Start: 3670, End: 3675, Text: "Thanks for listening."},
		},
	}
}

func TestMarkdownRoundTrip(t *testing.T) {
	md := Markdown(sample())
	assert.Contains(t, md, "# Episode One")
	assert.Contains(t, md, "- source: podcast2.0:vtt")
	assert.Contains(t, md, "[00:00:00] Hello and welcome.")
	assert.Contains(t, md, "[01:01:10] Thanks for listening.")

	parsed, err := ParseMarkdown(md)
	require.NoError(t, err)
	assert.Equal(t, "Episode One", parsed.Title)
	assert.Equal(t, "podcast2.0:vtt", parsed.Source)
	require.Len(t, parsed.Segments, 3)
	assert.Equal(t, "Hello and welcome.", parsed.Segments[0].Text)
	// Ends are inferred from the next segment's start.
	assert.Equal(t, parsed.Segments[1].Start, parsed.Segments[0].End)
	assert.InDelta(t, 3670, parsed.Segments[2].Start, 0.001)
}

func TestParseVTT(t *testing.T) {
	vtt := `WEBVTT

00:00:00.000 --> 00:00:04.500
Hello and welcome.

00:00:04.500 --> 00:00:09.000 align:start
Today we talk
about boats.
`
	segments, err := ParseVTT(vtt)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.InDelta(t, 0, segments[0].Start, 0.001)
	assert.InDelta(t, 4.5, segments[0].End, 0.001)
	// Multi-line cue text is joined with spaces; cue settings are dropped.
	assert.Equal(t, "Today we talk about boats.", segments[1].Text)
}

func TestParseSRT(t *testing.T) {
	srt := `1
00:00:00,000 --> 00:00:04,500
Hello and welcome.

2
00:00:04,500 --> 00:00:09,000
Today we talk about boats.
`
	segments, err := ParseSRT(srt)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "Hello and welcome.", segments[0].Text)
	assert.InDelta(t, 9, segments[1].End, 0.001)
}

func TestParseJSON(t *testing.T) {
	segments, err := ParseJSON(`{"segments":[{"start":1.5,"end":3,"text":"hi"}]}`)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.InDelta(t, 1.5, segments[0].Start, 0.001)

	_, err = ParseJSON(`{"segments":`)
	assert.Error(t, err)
}

func TestParseText(t *testing.T) {
	segments := ParseText("first line\n\n  second line  \n")
	require.Len(t, segments, 2)
	assert.Equal(t, "second line", segments[1].Text)
	assert.Zero(t, segments[1].Start)
}

func TestRenderFormats(t *testing.T) {
	tr := sample()

	vtt, err := Render(tr, FormatVTT)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(vtt, "WEBVTT\n"))
	assert.Contains(t, vtt, "00:00:00.000 --> 00:00:04.500")

	srt, err := Render(tr, FormatSRT)
	require.NoError(t, err)
	assert.Contains(t, srt, "1\n00:00:00,000 --> 00:00:04,500")

	txt, err := Render(tr, FormatText)
	require.NoError(t, err)
	assert.Equal(t, "Hello and welcome.\nToday we talk about boats.\nThanks for listening.\n", txt)

	out, err := Render(tr, FormatJSON)
	require.NoError(t, err)
	back, err := ParseJSON(out)
	require.NoError(t, err)
	assert.Len(t, back, 3)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	f, err = ParseFormat("vtt")
	require.NoError(t, err)
	assert.Equal(t, FormatVTT, f)

	_, err = ParseFormat("docx")
	assert.Error(t, err)
}

func TestFormatContentType(t *testing.T) {
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "text/vtt", FormatVTT.ContentType())
	assert.Equal(t, "text/plain; charset=utf-8", FormatMarkdown.ContentType())
}
