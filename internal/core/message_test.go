package core

import (
	"errors"
	"testing"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

func TestDecodeMessage_Valid(t *testing.T) {
	data := []byte(`{"type":"offer","senderId":2,"targetId":1,"sdp":{"type":"offer","sdp":"v=0"}}`)
	m, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Type != TypeOffer || m.SenderID != 2 || *m.TargetID != 1 {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.SDP.Type != webrtc.SDPTypeOffer || m.SDP.SDP != "v=0" {
		t.Errorf("unexpected sdp: %+v", m.SDP)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":             `{"type":`,
		"missing type":         `{"senderId":1}`,
		"unknown type":         `{"type":"shout","senderId":1}`,
		"join without sender":  `{"type":"join"}`,
		"offer without sdp":    `{"type":"offer","senderId":2,"targetId":1}`,
		"offer without target": `{"type":"offer","senderId":2,"sdp":{"type":"offer","sdp":"v=0"}}`,
		"answer with offer sdp": `{"type":"answer","senderId":2,"targetId":1,` +
			`"sdp":{"type":"offer","sdp":"v=0"}}`,
		"ice without candidate": `{"type":"ice","senderId":2,"targetId":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(raw))
			if !errors.Is(err, domain.ErrMalformedMessage) {
				t.Fatalf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestMessage_TargetedAt(t *testing.T) {
	join := NewJoin(3)
	if !join.TargetedAt(1) {
		t.Error("broadcast join should reach everyone")
	}
	ice := NewICE(3, 2, webrtc.ICECandidateInit{Candidate: "candidate:1"})
	if ice.TargetedAt(1) {
		t.Error("ice for peer 2 must be ignored by peer 1")
	}
	if !ice.TargetedAt(2) {
		t.Error("ice for peer 2 must reach peer 2")
	}
}

func TestNewDescription_PicksTypeFromSDP(t *testing.T) {
	m := NewDescription(1, 2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	if m.Type != TypeAnswer {
		t.Errorf("expected answer, got %s", m.Type)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("constructed message should validate: %v", err)
	}
}

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"pong"}`))
	if err != nil || typ != TypePong {
		t.Fatalf("got %q, %v", typ, err)
	}
	if _, err := PeekType([]byte("nope")); !errors.Is(err, domain.ErrMalformedMessage) {
		t.Errorf("expected ErrMalformedMessage, got %v", err)
	}
}
