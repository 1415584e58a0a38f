package deepgram

import (
	"net/url"
	"testing"

	"github.com/auricle-ai/auricle/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.OpenConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "diarize", "true", q.Get("diarize"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_ModelFromConfig(t *testing.T) {
	p, err := New("key", WithModel("base"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.OpenConfig{Language: "de", SampleRate: 8000, Model: "nova-2-general"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	// Explicit config model wins over the provider default.
	assertEqual(t, "model", "nova-2-general", u.Query().Get("model"))
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("New(\"\"): expected error, got nil")
	}
}

// ---- result parsing ----

const resultsMsg = `{
	"type": "Results",
	"is_final": true,
	"channel": {"alternatives": [{
		"transcript": "hello world how are you",
		"words": [
			{"word": "hello", "punctuated_word": "Hello", "start": 0.1, "end": 0.4, "speaker": 0},
			{"word": "world", "punctuated_word": "world", "start": 0.5, "end": 0.9, "speaker": 0},
			{"word": "how", "punctuated_word": "How", "start": 1.2, "end": 1.4, "speaker": 1},
			{"word": "are", "punctuated_word": "are", "start": 1.4, "end": 1.6, "speaker": 1},
			{"word": "you", "punctuated_word": "you", "start": 1.6, "end": 1.8, "speaker": 1}
		]
	}]}
}`

func TestParseResults_GroupsBySpeaker(t *testing.T) {
	segments := parseResults([]byte(resultsMsg), 0)
	if len(segments) != 2 {
		t.Fatalf("parseResults: got %d segments, want 2", len(segments))
	}

	first := segments[0]
	assertEqual(t, "text", "Hello world", first.Text)
	assertEqual(t, "speaker", "SPEAKER_00", first.SpeakerLabel)
	if first.SpeakerID != 0 {
		t.Errorf("speaker_id = %d, want 0", first.SpeakerID)
	}
	if first.Start != 0.1 || first.End != 0.9 {
		t.Errorf("window = [%v, %v], want [0.1, 0.9]", first.Start, first.End)
	}
	if first.IsUser {
		t.Error("is_user = true on a non-calibrated channel, want false")
	}

	second := segments[1]
	assertEqual(t, "text", "How are you", second.Text)
	assertEqual(t, "speaker", "SPEAKER_01", second.SpeakerLabel)
}

func TestParseResults_StableIDs(t *testing.T) {
	a := parseResults([]byte(resultsMsg), 0)
	b := parseResults([]byte(resultsMsg), 0)
	if a[0].ID == "" || a[0].ID != b[0].ID {
		t.Fatalf("segment IDs not stable across retries: %q vs %q", a[0].ID, b[0].ID)
	}
	if a[0].ID == a[1].ID {
		t.Fatal("distinct segments share an ID")
	}
}

func TestParseResults_PrerollDropsProfileAudio(t *testing.T) {
	// With a 1.0s preroll the first speaker-0 words fall inside the profile
	// window and must be dropped; the rest shift left by the preroll.
	segments := parseResults([]byte(resultsMsg), 1.0)
	if len(segments) != 1 {
		t.Fatalf("parseResults: got %d segments, want 1", len(segments))
	}
	seg := segments[0]
	assertEqual(t, "text", "How are you", seg.Text)
	if seg.Start < 0.19 || seg.Start > 0.21 {
		t.Errorf("start = %v, want 0.2", seg.Start)
	}
	if seg.End < 0.79 || seg.End > 0.81 {
		t.Errorf("end = %v, want 0.8", seg.End)
	}
}

func TestParseResults_IgnoresInterimAndNonResults(t *testing.T) {
	if got := parseResults([]byte(`{"type":"Results","is_final":false}`), 0); got != nil {
		t.Fatalf("interim results: got %v, want nil", got)
	}
	if got := parseResults([]byte(`{"type":"Metadata"}`), 0); got != nil {
		t.Fatalf("metadata message: got %v, want nil", got)
	}
	if got := parseResults([]byte(`not json`), 0); got != nil {
		t.Fatalf("malformed message: got %v, want nil", got)
	}
}

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %q, want %q", field, got, want)
	}
}
