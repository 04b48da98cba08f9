package core

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	TypeJoin     MessageType = "join"
	TypeOffer    MessageType = "offer"
	TypeAnswer   MessageType = "answer"
	TypeICE      MessageType = "ice"
	TypeLeave    MessageType = "leave"
	TypeUserLeft MessageType = "user_left"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
)

// Message is the JSON envelope exchanged over the room's control plane.
// Point-to-point messages carry a TargetID and are multiplexed over the
// broadcast channel.
type Message struct {
	Type      MessageType                `json:"type"`
	SenderID  domain.PeerID              `json:"senderId,omitempty"`
	TargetID  *domain.PeerID             `json:"targetId,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func NewJoin(from domain.PeerID) Message {
	return Message{Type: TypeJoin, SenderID: from}
}

func NewLeave(from domain.PeerID) Message {
	return Message{Type: TypeLeave, SenderID: from}
}

func NewUserLeft(who domain.PeerID) Message {
	return Message{Type: TypeUserLeft, SenderID: who}
}

func NewDescription(from, to domain.PeerID, sdp webrtc.SessionDescription) Message {
	t := TypeOffer
	if sdp.Type == webrtc.SDPTypeAnswer {
		t = TypeAnswer
	}
	return Message{Type: t, SenderID: from, TargetID: &to, SDP: &sdp}
}

func NewICE(from, to domain.PeerID, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeICE, SenderID: from, TargetID: &to, Candidate: &c}
}

// TargetedAt reports whether the message should be processed by id:
// broadcasts are, point-to-point messages only by their target.
func (m Message) TargetedAt(id domain.PeerID) bool {
	return m.TargetID == nil || *m.TargetID == id
}

func (m Message) Encode() (Frame, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

// PeekType returns the envelope type without validating the rest.
func PeekType(data []byte) (MessageType, error) {
	var env struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	return env.Type, nil
}

// DecodeMessage parses and validates a signaling payload. Every failure
// wraps domain.ErrMalformedMessage.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks the per-type required fields.
func (m Message) Validate() error {
	switch m.Type {
	case TypePing, TypePong:
		return nil
	case TypeJoin, TypeLeave, TypeUserLeft:
		if !m.SenderID.Valid() {
			return fmt.Errorf("%w: %s without senderId", domain.ErrMalformedMessage, m.Type)
		}
		return nil
	case TypeOffer, TypeAnswer:
		if err := m.validatePointToPoint(); err != nil {
			return err
		}
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", domain.ErrMalformedMessage, m.Type)
		}
		want := webrtc.SDPTypeOffer
		if m.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if m.SDP.Type != want {
			return fmt.Errorf("%w: %s carries sdp of type %s", domain.ErrMalformedMessage, m.Type, m.SDP.Type)
		}
		return nil
	case TypeICE:
		if err := m.validatePointToPoint(); err != nil {
			return err
		}
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice without candidate", domain.ErrMalformedMessage)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", domain.ErrMalformedMessage)
	}
	return fmt.Errorf("%w: unknown type %q", domain.ErrMalformedMessage, m.Type)
}

func (m Message) validatePointToPoint() error {
	if !m.SenderID.Valid() {
		return fmt.Errorf("%w: %s without senderId", domain.ErrMalformedMessage, m.Type)
	}
	if m.TargetID == nil || !m.TargetID.Valid() {
		return fmt.Errorf("%w: %s without targetId", domain.ErrMalformedMessage, m.Type)
	}
	return nil
}
