package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"podscribe/internal/queue"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleVTT = `WEBVTT

00:00:00.000 --> 00:00:04.000
Hello and welcome.

00:00:04.000 --> 00:00:08.000
Today we talk about boats.
`

func transcriptServer(t *testing.T, status int, contentType, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPodcasting20FetchVTT(t *testing.T) {
	srv := transcriptServer(t, http.StatusOK, "text/vtt", sampleVTT)
	p := NewPodcasting20(srv.Client())

	ep := &store.Episode{ID: 1, Title: "Ep", TranscriptURL: srv.URL + "/t.vtt"}
	assert.True(t, p.CanProvide(ep, nil))

	r := p.Fetch(context.Background(), ep, nil)
	require.Equal(t, OutcomeFound, r.Outcome)
	assert.Equal(t, "podcast2.0:vtt", r.SourceTag)
	require.NotNil(t, r.Transcript)
	require.Len(t, r.Transcript.Segments, 2)
	assert.Equal(t, "Hello and welcome.", r.Transcript.Segments[0].Text)
}

func TestPodcasting20MIMEOverridesURL(t *testing.T) {
	// Feed advertised SRT even though the URL has no extension.
	srt := "1\n00:00:00,000 --> 00:00:04,000\nHello.\n"
	srv := transcriptServer(t, http.StatusOK, "application/octet-stream", srt)
	p := NewPodcasting20(srv.Client())

	ep := &store.Episode{ID: 1, TranscriptURL: srv.URL + "/t", TranscriptMIME: "application/srt"}
	r := p.Fetch(context.Background(), ep, nil)
	require.Equal(t, OutcomeFound, r.Outcome)
	assert.Equal(t, "podcast2.0:srt", r.SourceTag)
}

func TestPodcasting20HTMLFallback(t *testing.T) {
	html := "<html><body><p>Hello &amp; welcome.</p><p>Second line.</p></body></html>"
	srv := transcriptServer(t, http.StatusOK, "text/html", html)
	p := NewPodcasting20(srv.Client())

	ep := &store.Episode{ID: 1, TranscriptURL: srv.URL + "/t.html"}
	r := p.Fetch(context.Background(), ep, nil)
	require.Equal(t, OutcomeFound, r.Outcome)
	assert.Equal(t, "podcast2.0:html", r.SourceTag)

	var text string
	for _, s := range r.Transcript.Segments {
		text += s.Text + "\n"
	}
	assert.Contains(t, text, "Hello & welcome.")
	assert.NotContains(t, text, "<p>")
}

func TestPodcasting20FailureTaxonomy(t *testing.T) {
	cases := []struct {
		name   string
		status int
		reason queue.FailureReason
	}{
		{"forbidden", http.StatusForbidden, queue.ReasonTranscriptForbidden},
		{"rate limited", http.StatusTooManyRequests, queue.ReasonTranscriptForbidden},
		{"not found", http.StatusNotFound, queue.ReasonTranscriptNotFound},
		{"server error", http.StatusInternalServerError, queue.ReasonTranscriptRequestError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := transcriptServer(t, tc.status, "", "")
			p := NewPodcasting20(srv.Client())

			r := p.Fetch(context.Background(), &store.Episode{TranscriptURL: srv.URL}, nil)
			assert.Equal(t, OutcomeTemporary, r.Outcome)
			assert.Equal(t, tc.reason, r.Reason)
			assert.Error(t, r.Err)
		})
	}
}

func TestPodcasting20EmptyTranscript(t *testing.T) {
	srv := transcriptServer(t, http.StatusOK, "text/vtt", "WEBVTT\n")
	p := NewPodcasting20(srv.Client())

	r := p.Fetch(context.Background(), &store.Episode{TranscriptURL: srv.URL + "/t.vtt"}, nil)
	assert.Equal(t, OutcomeTemporary, r.Outcome)
	assert.Equal(t, queue.ReasonTranscriptNotFound, r.Reason)
}

func TestPodcasting20CanProvide(t *testing.T) {
	p := NewPodcasting20(http.DefaultClient)
	assert.False(t, p.CanProvide(&store.Episode{}, nil))
	assert.True(t, p.CanProvide(&store.Episode{TranscriptURL: "https://x/t.vtt"}, nil))
}

func TestPocketCastsFetch(t *testing.T) {
	// Pocket Casts serves VTT without a useful content type.
	srv := transcriptServer(t, http.StatusOK, "application/octet-stream", sampleVTT)
	p := NewPocketCasts(srv.Client())

	ep := &store.Episode{ID: 1, Title: "Ep", ExternalTranscriptURL: srv.URL + "/t"}
	assert.True(t, p.CanProvide(ep, nil))

	r := p.Fetch(context.Background(), ep, nil)
	require.Equal(t, OutcomeFound, r.Outcome)
	assert.Equal(t, "pocketcasts", r.SourceTag)
	assert.Len(t, r.Transcript.Segments, 2)
}

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, "vtt", normalizeMIME("text/vtt", ""))
	assert.Equal(t, "srt", normalizeMIME("application/x-subrip", ""))
	assert.Equal(t, "json", normalizeMIME("application/json; charset=utf-8", ""))
	assert.Equal(t, "vtt", normalizeMIME("", "https://x/a.VTT"))
	assert.Equal(t, "html", normalizeMIME("", "https://x/a.htm"))
	assert.Equal(t, "text", normalizeMIME("", "https://x/a"))
}

// fakeProvider scripts a chain member.
type fakeProvider struct {
	name   string
	can    bool
	result Result
	calls  int
}

func (f *fakeProvider) Name() string                                 { return f.name }
func (f *fakeProvider) CanProvide(*store.Episode, *store.Feed) bool  { return f.can }
func (f *fakeProvider) Fetch(context.Context, *store.Episode, *store.Feed) Result {
	f.calls++
	return f.result
}

func TestChainFirstFoundWins(t *testing.T) {
	found := Found(&transcripts.Transcript{Source: "a"}, "a")
	first := &fakeProvider{name: "first", can: true, result: found}
	second := &fakeProvider{name: "second", can: true, result: Found(&transcripts.Transcript{Source: "b"}, "b")}

	r := NewChain(first, second).Fetch(context.Background(), &store.Episode{}, nil)
	assert.Equal(t, "a", r.SourceTag)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls, "chain stops at the first hit")
}

func TestChainTemporaryOutranksNotApplicable(t *testing.T) {
	skip := &fakeProvider{name: "skip", can: false}
	soft := &fakeProvider{name: "soft", can: true,
		result: Temporary(queue.ReasonTranscriptForbidden, assert.AnError)}
	nothing := &fakeProvider{name: "nothing", can: true, result: NotApplicable()}

	r := NewChain(skip, soft, nothing).Fetch(context.Background(), &store.Episode{}, nil)
	assert.Equal(t, OutcomeTemporary, r.Outcome)
	assert.Equal(t, queue.ReasonTranscriptForbidden, r.Reason)
	assert.Zero(t, skip.calls)
}

func TestChainKeepsFirstTemporaryReason(t *testing.T) {
	first := &fakeProvider{name: "first", can: true,
		result: Temporary(queue.ReasonTranscriptNotFound, assert.AnError)}
	second := &fakeProvider{name: "second", can: true,
		result: Temporary(queue.ReasonTranscriptForbidden, assert.AnError)}

	r := NewChain(first, second).Fetch(context.Background(), &store.Episode{}, nil)
	assert.Equal(t, queue.ReasonTranscriptNotFound, r.Reason)
	assert.Equal(t, 1, second.calls, "later providers still get a chance to find one")
}

func TestChainAllNotApplicable(t *testing.T) {
	r := NewChain(&fakeProvider{can: false}).Fetch(context.Background(), &store.Episode{}, nil)
	assert.Equal(t, OutcomeNotApplicable, r.Outcome)
}
