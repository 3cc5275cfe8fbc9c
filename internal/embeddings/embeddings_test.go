package embeddings

import (
	"context"
	"math"
	"strings"
	"testing"

	"podscribe/internal/transcripts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	assert.Equal(t, "hash-v1", e.ModelName())
	assert.Equal(t, 64, e.Dimensions())

	vecs, err := e.Embed(context.Background(), []string{"hello world", "hello world", "something else"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, vecs[0], vecs[1])
	assert.NotEqual(t, vecs[0], vecs[2])

	var norm float64
	for _, v := range vecs[0] {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 0.001, "vectors are L2-normalised")
}

func TestHashEmbedderDefaultDims(t *testing.T) {
	assert.Equal(t, 64, NewHashEmbedder(0).Dimensions())
	assert.Equal(t, 128, NewHashEmbedder(128).Dimensions())
}

func TestTextHashStable(t *testing.T) {
	assert.Equal(t, TextHash("abc"), TextHash("abc"))
	assert.NotEqual(t, TextHash("abc"), TextHash("abd"))
	assert.Len(t, TextHash("abc"), 64)
}

func TestMergePhrasesSentenceBreak(t *testing.T) {
	phrases := MergePhrases([]transcripts.Segment{
		{Start: 0, End: 2, Text: "Hello and"},
		{Start: 2, End: 4, Text: "welcome back."},
		{Start: 4, End: 6, Text: "Second thought"},
	})
	require.Len(t, phrases, 2)
	assert.Equal(t, "Hello and welcome back.", phrases[0].Text)
	assert.InDelta(t, 0, phrases[0].Start, 0.001)
	assert.InDelta(t, 4, phrases[0].End, 0.001)
	assert.Equal(t, "Second thought", phrases[1].Text)
}

func TestMergePhrasesPauseBreak(t *testing.T) {
	phrases := MergePhrases([]transcripts.Segment{
		{Start: 0, End: 2, Text: "before the pause"},
		{Start: 5, End: 7, Text: "after the pause"},
	})
	require.Len(t, phrases, 2)
	assert.Equal(t, "before the pause", phrases[0].Text)
}

func TestMergePhrasesLengthBreak(t *testing.T) {
	long := strings.Repeat("word ", 30) // 150 chars
	phrases := MergePhrases([]transcripts.Segment{
		{Start: 0, End: 2, Text: long},
		{Start: 2, End: 4, Text: long},
	})
	require.Len(t, phrases, 2)
	for _, p := range phrases {
		assert.LessOrEqual(t, len(p.Text), maxPhraseLength)
	}
}

func TestMergePhrasesSkipsEmpty(t *testing.T) {
	phrases := MergePhrases([]transcripts.Segment{
		{Start: 0, End: 1, Text: "   "},
		{Start: 1, End: 2, Text: "real text."},
	})
	require.Len(t, phrases, 1)
	assert.Equal(t, "real text.", phrases[0].Text)
}

func TestMergePhrasesEmptyInput(t *testing.T) {
	assert.Empty(t, MergePhrases(nil))
}
