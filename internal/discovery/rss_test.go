package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd"
     xmlns:podcast="https://podcastindex.org/namespace/1.0">
  <channel>
    <title>The Deep Dive</title>
    <link>https://deepdive.example.com</link>
    <itunes:author>Jordan Rivers</itunes:author>
    <itunes:category text="Technology"/>
    <itunes:category text="Science"/>
    <item>
      <guid>ep-001</guid>
      <title>Origins</title>
      <pubDate>Mon, 02 Feb 2026 10:00:00 +0000</pubDate>
      <itunes:duration>1:02:03</itunes:duration>
      <enclosure url="https://deepdive.example.com/ep1.mp3" type="audio/mpeg"/>
      <podcast:transcript url="https://deepdive.example.com/ep1.json" type="application/json"/>
      <podcast:transcript url="https://deepdive.example.com/ep1.vtt" type="text/vtt"/>
    </item>
    <item>
      <title>No GUID</title>
      <itunes:duration>750</itunes:duration>
      <enclosure url="https://deepdive.example.com/ep2.mp3" type="audio/mpeg"/>
    </item>
    <item>
      <title>Neither guid nor enclosure</title>
    </item>
  </channel>
</rss>`

func TestParseFeed(t *testing.T) {
	feed, err := ParseFeed([]byte(sampleRSS))
	require.NoError(t, err)

	assert.Equal(t, "The Deep Dive", feed.Title)
	assert.Equal(t, "Jordan Rivers", feed.Author)
	assert.Equal(t, "https://deepdive.example.com", feed.Link)
	assert.Equal(t, []string{"Technology", "Science"}, feed.Categories)

	require.Len(t, feed.Items, 2, "an item with no identity at all is dropped")

	first := feed.Items[0]
	assert.Equal(t, "ep-001", first.GUID)
	assert.Equal(t, "Origins", first.Title)
	assert.Equal(t, "https://deepdive.example.com/ep1.mp3", first.AudioURL)
	assert.Equal(t, 3723, first.DurationSeconds)
	require.NotNil(t, first.PublishedAt)
	assert.Equal(t, time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC), *first.PublishedAt)
	// VTT beats JSON regardless of document order.
	assert.Equal(t, "https://deepdive.example.com/ep1.vtt", first.TranscriptURL)
	assert.Equal(t, "text/vtt", first.TranscriptMIME)

	// The enclosure URL stands in for a missing guid.
	second := feed.Items[1]
	assert.Equal(t, "https://deepdive.example.com/ep2.mp3", second.GUID)
	assert.Equal(t, 750, second.DurationSeconds)
	assert.Empty(t, second.TranscriptURL)
}

func TestParseFeedRejectsNonRSS(t *testing.T) {
	_, err := ParseFeed([]byte(`<html><body>not a feed</body></html>`))
	assert.Error(t, err)

	_, err = ParseFeed([]byte(`{{{`))
	assert.Error(t, err)
}

func TestPickTranscript(t *testing.T) {
	url, mime := pickTranscript([]rssTranscript{
		{URL: "https://x/t.html", Type: "text/html"},
		{URL: "https://x/t.srt", Type: "application/srt"},
	})
	assert.Equal(t, "https://x/t.srt", url)
	assert.Equal(t, "application/srt", mime)

	// Unknown types fall back to the first alternative.
	url, mime = pickTranscript([]rssTranscript{{URL: "https://x/t.xyz", Type: "application/x-custom"}})
	assert.Equal(t, "https://x/t.xyz", url)
	assert.Equal(t, "application/x-custom", mime)

	url, _ = pickTranscript(nil)
	assert.Empty(t, url)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 3600, parseDuration("3600"))
	assert.Equal(t, 3723, parseDuration("1:02:03"))
	assert.Equal(t, 750, parseDuration("12:30"))
	assert.Equal(t, 0, parseDuration(""))
	assert.Equal(t, 0, parseDuration("soon"))
	assert.Equal(t, 0, parseDuration("-5"))
	assert.Equal(t, 0, parseDuration("1:-2"))
}

func TestParsePubDate(t *testing.T) {
	got := parsePubDate("Mon, 02 Feb 2026 10:00:00 -0500")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2026, 2, 2, 15, 0, 0, 0, time.UTC), *got)

	got = parsePubDate("2026-02-02T10:00:00Z")
	require.NotNil(t, got)

	assert.Nil(t, parsePubDate(""))
	assert.Nil(t, parsePubDate("yesterday"))
}

func TestIsAppleURL(t *testing.T) {
	assert.True(t, IsAppleURL("https://podcasts.apple.com/us/podcast/the-deep-dive/id123456"))
	assert.True(t, IsAppleURL("https://itunes.apple.com/podcast/id99"))
	assert.False(t, IsAppleURL("https://deepdive.example.com/feed.xml"))
	assert.False(t, IsAppleURL("://bad"))
}

func TestNormalizeTitle(t *testing.T) {
	assert.Equal(t, "thedeepdive", normalizeTitle("The Deep Dive!"))
	assert.Equal(t, "ep12origins", normalizeTitle("Ep. 12 — Origins"))
	assert.Empty(t, normalizeTitle("—!?"))
}

func TestMatchEpisode(t *testing.T) {
	published := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	candidates := []pocketCastsEpisode{
		{UUID: "a", Title: "Origins", Published: "2026-02-02T09:00:00Z", TranscriptURL: "https://pc/a.vtt"},
		{UUID: "b", Title: "Other Episode", Published: "2026-02-02T09:00:00Z"},
	}

	t.Run("matches on normalised title within the window", func(t *testing.T) {
		m := matchEpisode(candidates, "Origins!", &published)
		require.NotNil(t, m)
		assert.Equal(t, "a", m.UUID)
	})

	t.Run("substring titles match", func(t *testing.T) {
		m := matchEpisode(candidates, "Ep 1: Origins", nil)
		require.NotNil(t, m)
		assert.Equal(t, "a", m.UUID)
	})

	t.Run("publish times too far apart", func(t *testing.T) {
		farOff := published.Add(-10 * 24 * time.Hour)
		assert.Nil(t, matchEpisode(candidates, "Origins", &farOff))
	})

	t.Run("no candidates", func(t *testing.T) {
		assert.Nil(t, matchEpisode(nil, "Origins", &published))
		assert.Nil(t, matchEpisode(candidates, "", &published))
	})
}
