package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusNew, StatusCompleted},
		{StatusNew, StatusAwaitingTranscript},
		{StatusNew, StatusNeedsAudio},
		{StatusAwaitingTranscript, StatusNeedsAudio},
		{StatusAwaitingTranscript, StatusCompleted},
		{StatusNeedsAudio, StatusDownloading},
		{StatusDownloading, StatusAudioReady},
		{StatusDownloading, StatusFailed},
		{StatusAudioReady, StatusTranscribing},
		{StatusTranscribing, StatusCompleted},
		{StatusTranscribing, StatusFailed},
		{StatusCompleted, StatusTranscribing},
		{StatusFailed, StatusDownloading},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be legal", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusNew, StatusAudioReady},
		{StatusNew, StatusTranscribing},
		{StatusAwaitingTranscript, StatusAwaitingTranscript},
		{StatusCompleted, StatusNew},
		{StatusCompleted, StatusDownloading},
		{StatusAudioReady, StatusCompleted},
		{StatusFailed, StatusCompleted},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be illegal", tc.from, tc.to)
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusAwaitingTranscript.Valid())
	assert.True(t, StatusCompleted.Valid())
	assert.False(t, Status("pending").Valid())
	assert.False(t, Status("").Valid())
}

func TestDecideTranscriptRetry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recent episode waits another day", func(t *testing.T) {
		published := now.Add(-3 * 24 * time.Hour)
		d := DecideTranscriptRetry(&published, now, 14)
		assert.Equal(t, StatusAwaitingTranscript, d.Status)
		require.NotNil(t, d.NextRetryAt)
		assert.Equal(t, now.Add(24*time.Hour), *d.NextRetryAt)
	})

	t.Run("old episode falls back to audio", func(t *testing.T) {
		published := now.Add(-20 * 24 * time.Hour)
		d := DecideTranscriptRetry(&published, now, 14)
		assert.Equal(t, StatusNeedsAudio, d.Status)
		assert.Nil(t, d.NextRetryAt)
	})

	t.Run("no publish date falls back to audio", func(t *testing.T) {
		d := DecideTranscriptRetry(nil, now, 14)
		assert.Equal(t, StatusNeedsAudio, d.Status)
	})

	t.Run("boundary is exclusive", func(t *testing.T) {
		published := now.Add(-14 * 24 * time.Hour)
		d := DecideTranscriptRetry(&published, now, 14)
		assert.Equal(t, StatusNeedsAudio, d.Status)
	})
}

func TestAgedOut(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recent := now.Add(-13 * 24 * time.Hour)
	assert.False(t, AgedOut(&recent, now, 14))

	old := now.Add(-14 * 24 * time.Hour)
	assert.True(t, AgedOut(&old, now, 14))

	assert.True(t, AgedOut(nil, now, 14))
}
