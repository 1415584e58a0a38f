package soniox

import "testing"

func TestParseTokens_GroupsBySpeaker(t *testing.T) {
	c := &channel{}
	msg := `{"tokens":[
		{"text":"Good","start_ms":100,"end_ms":300,"speaker":"1","is_final":true},
		{"text":" morning","start_ms":300,"end_ms":600,"speaker":"1","is_final":true},
		{"text":"Hi","start_ms":900,"end_ms":1100,"speaker":"2","is_final":true},
		{"text":"pending","start_ms":1100,"end_ms":1300,"speaker":"2","is_final":false}
	]}`

	segments := c.parseTokens([]byte(msg))
	if len(segments) != 2 {
		t.Fatalf("parseTokens: got %d segments, want 2", len(segments))
	}
	if segments[0].Text != "Good morning" {
		t.Errorf("text = %q, want %q", segments[0].Text, "Good morning")
	}
	if segments[0].SpeakerLabel != "SPEAKER_01" {
		t.Errorf("speaker = %q, want SPEAKER_01", segments[0].SpeakerLabel)
	}
	if segments[0].Start != 0.1 || segments[0].End != 0.6 {
		t.Errorf("window = [%v, %v], want [0.1, 0.6]", segments[0].Start, segments[0].End)
	}
	if segments[1].Text != "Hi" {
		t.Errorf("non-final token leaked into segment: %q", segments[1].Text)
	}
}

func TestParseTokens_PrerollShift(t *testing.T) {
	c := &channel{preroll: 1}
	msg := `{"tokens":[
		{"text":"old","start_ms":200,"end_ms":800,"speaker":"1","is_final":true},
		{"text":"new","start_ms":1500,"end_ms":1900,"speaker":"1","is_final":true}
	]}`

	segments := c.parseTokens([]byte(msg))
	if len(segments) != 1 {
		t.Fatalf("parseTokens: got %d segments, want 1", len(segments))
	}
	if segments[0].Text != "new" {
		t.Errorf("text = %q, want %q", segments[0].Text, "new")
	}
	if !segments[0].IsUser {
		t.Error("speaker 1 on a calibrated channel should be the user")
	}
}

func TestSpeakerNumber(t *testing.T) {
	tests := map[string]int{"1": 1, "spk:2": 2, "12": 12, "": 0, "UU": 0}
	for in, want := range tests {
		if got := speakerNumber(in); got != want {
			t.Errorf("speakerNumber(%q) = %d, want %d", in, got, want)
		}
	}
}
