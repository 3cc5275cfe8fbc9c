// Package transcripts defines the on-disk transcript format and the
// conversions between it and the common subtitle formats.
//
// The canonical file is markdown: a small metadata header followed by one
// line per segment, each prefixed with a [HH:MM:SS] timestamp.
package transcripts

import (
	"fmt"
	"strings"
	"time"
)

// Segment is one contiguous span of transcript text.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// Transcript is a parsed transcript with its provenance metadata.
type Transcript struct {
	Title    string
	Source   string
	Model    string
	Segments []Segment
}

// Text returns the transcript as plain text, one segment per line.
func (t *Transcript) Text() string {
	var b strings.Builder
	for _, seg := range t.Segments {
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// formatClock renders seconds as HH:MM:SS.
func formatClock(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatStamp renders seconds as HH:MM:SS.mmm with the given separator
// before the milliseconds (VTT uses '.', SRT uses ',').
func formatStamp(seconds float64, msSep byte) string {
	ms := int(seconds*1000 + 0.5)
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	rem := ms % 1000
	return fmt.Sprintf("%02d:%02d:%02d%c%03d", h, m, s, msSep, rem)
}

// parseStamp parses HH:MM:SS(.|,)mmm (hours optional) into seconds.
func parseStamp(stamp string) (float64, error) {
	stamp = strings.TrimSpace(stamp)
	normalized := strings.ReplaceAll(stamp, ",", ".")
	parts := strings.Split(normalized, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", stamp)
	}

	var h, m int
	var s float64
	var err error
	idx := 0
	if len(parts) == 3 {
		if _, err = fmt.Sscanf(parts[0], "%d", &h); err != nil {
			return 0, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
		}
		idx = 1
	}
	if _, err = fmt.Sscanf(parts[idx], "%d", &m); err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
	}
	if _, err = fmt.Sscanf(parts[idx+1], "%g", &s); err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", stamp, err)
	}
	return float64(h)*3600 + float64(m)*60 + s, nil
}
