package domain

import (
	"errors"
	"testing"
)

func TestParsePeerID(t *testing.T) {
	tests := []struct {
		raw  string
		want PeerID
		err  error
	}{
		{"42", 42, nil},
		{"", 0, ErrPeerIDEmpty},
		{"0", 0, ErrPeerIDInvalid},
		{"-3", 0, ErrPeerIDInvalid},
		{"abc", 0, ErrPeerIDInvalid},
	}
	for _, tc := range tests {
		got, err := ParsePeerID(tc.raw)
		if !errors.Is(err, tc.err) {
			t.Errorf("ParsePeerID(%q) err = %v, want %v", tc.raw, err, tc.err)
		}
		if got != tc.want {
			t.Errorf("ParsePeerID(%q) = %d, want %d", tc.raw, got, tc.want)
		}
	}
}

func TestNewProjectID(t *testing.T) {
	p, err := NewProjectID("alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := p.VoicePath(); got != "/ws/projects/alpha/voice" {
		t.Errorf("VoicePath() = %q", got)
	}
	if _, err := NewProjectID("a/b"); !errors.Is(err, ErrProjectIDInvalid) {
		t.Errorf("expected ErrProjectIDInvalid, got %v", err)
	}
	if _, err := NewProjectID(""); !errors.Is(err, ErrProjectIDEmpty) {
		t.Errorf("expected ErrProjectIDEmpty, got %v", err)
	}
}

func TestProjectID_VoiceURL(t *testing.T) {
	p := ProjectID("alpha")
	got, err := p.VoiceURL("wss://voice.example.com/", 42)
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://voice.example.com/ws/projects/alpha/voice?user_id=42" {
		t.Errorf("VoiceURL = %q", got)
	}
	if _, err := p.VoiceURL("http://voice.example.com", 42); err == nil {
		t.Error("http base should be rejected")
	}
}
