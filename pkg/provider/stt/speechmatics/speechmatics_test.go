package speechmatics

import "testing"

func TestParseTranscript(t *testing.T) {
	c := &channel{}
	msg := `{"message":"AddTranscript","results":[
		{"type":"word","start_time":0.2,"end_time":0.5,"alternatives":[{"content":"guten","speaker":"S1"}]},
		{"type":"word","start_time":0.5,"end_time":0.9,"alternatives":[{"content":"Tag","speaker":"S1"}]},
		{"type":"punctuation","start_time":0.9,"end_time":0.9,"alternatives":[{"content":".","speaker":"S1"}]},
		{"type":"word","start_time":1.4,"end_time":1.7,"alternatives":[{"content":"hallo","speaker":"S2"}]}
	]}`

	segments := c.parseTranscript([]byte(msg))
	if len(segments) != 2 {
		t.Fatalf("parseTranscript: got %d segments, want 2", len(segments))
	}
	if segments[0].Text != "guten Tag" {
		t.Errorf("text = %q, want %q", segments[0].Text, "guten Tag")
	}
	if segments[0].SpeakerID != 1 || segments[1].SpeakerID != 2 {
		t.Errorf("speaker ids = %d, %d, want 1, 2", segments[0].SpeakerID, segments[1].SpeakerID)
	}
}

func TestParseTranscript_IgnoresOtherMessages(t *testing.T) {
	c := &channel{}
	if got := c.parseTranscript([]byte(`{"message":"AudioAdded"}`)); got != nil {
		t.Fatalf("AudioAdded: got %v, want nil", got)
	}
}

func TestSpeakerNumber(t *testing.T) {
	tests := map[string]int{"S1": 1, "S10": 10, "UU": 0, "": 0}
	for in, want := range tests {
		if got := speakerNumber(in); got != want {
			t.Errorf("speakerNumber(%q) = %d, want %d", in, got, want)
		}
	}
}
