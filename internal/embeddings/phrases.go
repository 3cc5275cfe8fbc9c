package embeddings

import (
	"strings"

	"podscribe/internal/transcripts"
)

const (
	// maxPhraseLength bounds merged phrase text.
	maxPhraseLength = 200
	// pauseBreak ends a phrase when the gap to the next segment exceeds it.
	pauseBreak = 1.5
)

// Phrase is a contiguous transcript span prepared for embedding.
type Phrase struct {
	Start float64
	End   float64
	Text  string
}

// MergePhrases joins caption-sized segments into phrases. A phrase closes on
// terminal punctuation, on a pause longer than 1.5 seconds before the next
// segment, or when adding the next segment would push past 200 characters.
func MergePhrases(segments []transcripts.Segment) []Phrase {
	var phrases []Phrase
	var cur *Phrase

	flush := func() {
		if cur != nil && strings.TrimSpace(cur.Text) != "" {
			cur.Text = strings.TrimSpace(cur.Text)
			phrases = append(phrases, *cur)
		}
		cur = nil
	}

	for i, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if cur != nil && len(cur.Text)+1+len(text) > maxPhraseLength {
			flush()
		}
		if cur == nil {
			cur = &Phrase{Start: seg.Start, End: seg.End, Text: text}
		} else {
			cur.Text += " " + text
			cur.End = seg.End
		}

		if endsSentence(text) {
			flush()
			continue
		}
		if i+1 < len(segments) && segments[i+1].Start-seg.End > pauseBreak {
			flush()
		}
	}
	flush()
	return phrases
}

func endsSentence(text string) bool {
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}
