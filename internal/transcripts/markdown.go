package transcripts

import (
	"bufio"
	"fmt"
	"strings"
)

// Markdown renders the canonical on-disk format: a metadata block followed
// by [HH:MM:SS]-prefixed segment lines.
func Markdown(t *Transcript) string {
	var b strings.Builder
	b.WriteString("# " + t.Title + "\n\n")
	b.WriteString("- source: " + t.Source + "\n")
	if t.Model != "" {
		b.WriteString("- model: " + t.Model + "\n")
	}
	b.WriteString("\n")
	for _, seg := range t.Segments {
		fmt.Fprintf(&b, "[%s] %s\n", formatClock(seg.Start), strings.TrimSpace(seg.Text))
	}
	return b.String()
}

// ParseMarkdown reads the canonical format back into a Transcript. Segment
// end times are inferred from the next segment's start; the final segment
// ends at its own start (the file does not carry explicit ends).
func ParseMarkdown(content string) (*Transcript, error) {
	t := &Transcript{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "# "):
			t.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		case strings.HasPrefix(trimmed, "- source: "):
			t.Source = strings.TrimSpace(strings.TrimPrefix(trimmed, "- source: "))
		case strings.HasPrefix(trimmed, "- model: "):
			t.Model = strings.TrimSpace(strings.TrimPrefix(trimmed, "- model: "))
		case strings.HasPrefix(trimmed, "["):
			close := strings.IndexByte(trimmed, ']')
			if close < 0 {
				continue
			}
			start, err := parseStamp(trimmed[1:close])
			if err != nil {
				return nil, fmt.Errorf("failed to parse segment line: %w", err)
			}
			text := strings.TrimSpace(trimmed[close+1:])
			t.Segments = append(t.Segments, Segment{Start: start, End: start, Text: text})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	for i := 0; i+1 < len(t.Segments); i++ {
		t.Segments[i].End = t.Segments[i+1].Start
	}
	return t, nil
}
