package transcripts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// Format is a supported transcript serialisation.
type Format string

const (
	FormatMarkdown Format = "md"
	FormatText     Format = "txt"
	FormatSRT      Format = "srt"
	FormatVTT      Format = "vtt"
	FormatJSON     Format = "json"
)

// ParseFormat validates a user-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatMarkdown, FormatText, FormatSRT, FormatVTT, FormatJSON:
		return Format(s), nil
	case "":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported transcript format %q", s)
	}
}

// ContentType returns the MIME type to serve the format with.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatVTT:
		return "text/vtt"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Render serialises the transcript into the requested format.
func Render(t *Transcript, f Format) (string, error) {
	switch f {
	case FormatMarkdown:
		return Markdown(t), nil
	case FormatText:
		return t.Text(), nil
	case FormatSRT:
		return toSRT(t), nil
	case FormatVTT:
		return toVTT(t), nil
	case FormatJSON:
		return toJSON(t)
	default:
		return "", fmt.Errorf("unsupported transcript format %q", f)
	}
}

func toVTT(t *Transcript) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n",
			formatStamp(seg.Start, '.'), formatStamp(seg.End, '.'), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

func toSRT(t *Transcript) string {
	var b strings.Builder
	for i, seg := range t.Segments {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, formatStamp(seg.Start, ','), formatStamp(seg.End, ','), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

type jsonTranscript struct {
	Segments []Segment `json:"segments"`
}

func toJSON(t *Transcript) (string, error) {
	out, err := json.Marshal(jsonTranscript{Segments: t.Segments})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transcript: %w", err)
	}
	return string(out), nil
}

// ParseVTT parses WebVTT cue blocks into segments. Styling, notes and cue
// identifiers are skipped.
func ParseVTT(content string) ([]Segment, error) {
	return parseCues(content, "-->")
}

// ParseSRT parses SubRip blocks into segments.
func ParseSRT(content string) ([]Segment, error) {
	return parseCues(content, "-->")
}

func parseCues(content, arrow string) ([]Segment, error) {
	var segments []Segment
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var current *Segment
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.Index(line, arrow); idx >= 0 {
			start, err := parseStamp(line[:idx])
			if err != nil {
				return nil, err
			}
			endPart := strings.TrimSpace(line[idx+len(arrow):])
			// VTT cue settings may trail the end timestamp.
			if sp := strings.IndexByte(endPart, ' '); sp >= 0 {
				endPart = endPart[:sp]
			}
			end, err := parseStamp(endPart)
			if err != nil {
				return nil, err
			}
			segments = append(segments, Segment{Start: start, End: end})
			current = &segments[len(segments)-1]
			continue
		}
		if current == nil || line == "" || line == "WEBVTT" {
			if line == "" {
				current = nil
			}
			continue
		}
		// Skip bare SRT sequence numbers.
		if isAllDigits(line) && current.Text == "" {
			continue
		}
		if current.Text != "" {
			current.Text += " "
		}
		current.Text += line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse cues: %w", err)
	}
	return segments, nil
}

// ParseJSON parses a {segments: [...]} document into segments.
func ParseJSON(content string) ([]Segment, error) {
	var doc jsonTranscript
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse transcript json: %w", err)
	}
	return doc.Segments, nil
}

// ParseText wraps plain text into a single untimed segment per line.
func ParseText(content string) []Segment {
	var segments []Segment
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			segments = append(segments, Segment{Text: trimmed})
		}
	}
	return segments
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
