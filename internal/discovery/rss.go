package discovery

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParsedFeed is the subset of an RSS document discovery consumes.
type ParsedFeed struct {
	Title      string
	Author     string
	Link       string
	Categories []string
	Items      []ParsedItem
}

// ParsedItem is one feed entry.
type ParsedItem struct {
	GUID            string
	Title           string
	AudioURL        string
	AudioType       string
	PublishedAt     *time.Time
	DurationSeconds int
	TranscriptURL   string
	TranscriptMIME  string
}

type rssDoc struct {
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title      string        `xml:"title"`
	Link       string        `xml:"link"`
	Author     string        `xml:"author"`
	Categories []rssCategory `xml:"category"`
	Items      []rssItem     `xml:"item"`
}

type rssCategory struct {
	Text string `xml:"text,attr"`
	Body string `xml:",chardata"`
}

type rssItem struct {
	GUID        string          `xml:"guid"`
	Title       string          `xml:"title"`
	PubDate     string          `xml:"pubDate"`
	Duration    string          `xml:"duration"`
	Enclosure   rssEnclosure    `xml:"enclosure"`
	Transcripts []rssTranscript `xml:"transcript"`
}

type rssEnclosure struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

type rssTranscript struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

// transcriptPreference orders <podcast:transcript> alternatives by how well
// they survive the trip into segments.
var transcriptPreference = []string{"text/vtt", "application/srt", "application/json", "text/plain", "text/html"}

// ParseFeed decodes an RSS document. Unknown elements are ignored; itunes
// and podcast namespace tags land on the same local names.
func ParseFeed(data []byte) (*ParsedFeed, error) {
	var doc rssDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse feed xml: %w", err)
	}
	if doc.Channel.Title == "" && len(doc.Channel.Items) == 0 {
		return nil, fmt.Errorf("document is not an rss feed")
	}

	feed := &ParsedFeed{
		Title:  strings.TrimSpace(doc.Channel.Title),
		Author: strings.TrimSpace(doc.Channel.Author),
		Link:   strings.TrimSpace(doc.Channel.Link),
	}
	for _, c := range doc.Channel.Categories {
		name := strings.TrimSpace(c.Text)
		if name == "" {
			name = strings.TrimSpace(c.Body)
		}
		if name != "" {
			feed.Categories = append(feed.Categories, name)
		}
	}

	for _, item := range doc.Channel.Items {
		parsed := ParsedItem{
			GUID:            strings.TrimSpace(item.GUID),
			Title:           strings.TrimSpace(item.Title),
			AudioURL:        strings.TrimSpace(item.Enclosure.URL),
			AudioType:       item.Enclosure.Type,
			PublishedAt:     parsePubDate(item.PubDate),
			DurationSeconds: parseDuration(item.Duration),
		}
		if parsed.GUID == "" {
			parsed.GUID = parsed.AudioURL
		}
		if parsed.GUID == "" {
			continue
		}
		parsed.TranscriptURL, parsed.TranscriptMIME = pickTranscript(item.Transcripts)
		feed.Items = append(feed.Items, parsed)
	}
	return feed, nil
}

// pickTranscript chooses the best-typed transcript alternative.
func pickTranscript(alternatives []rssTranscript) (string, string) {
	if len(alternatives) == 0 {
		return "", ""
	}
	for _, preferred := range transcriptPreference {
		for _, alt := range alternatives {
			if strings.EqualFold(strings.TrimSpace(alt.Type), preferred) && alt.URL != "" {
				return alt.URL, preferred
			}
		}
	}
	return alternatives[0].URL, alternatives[0].Type
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05Z07:00",
}

func parsePubDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

// parseDuration accepts both bare seconds and HH:MM:SS / MM:SS clock forms.
func parseDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if !strings.Contains(raw, ":") {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			return n
		}
		return 0
	}
	parts := strings.Split(raw, ":")
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}
	return total
}
