package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const MaxProjectIDLen = 64

var (
	ErrProjectIDEmpty   = errors.New("project id empty")
	ErrProjectIDTooLong = errors.New("project id too long")
	ErrProjectIDInvalid = errors.New("project id contains a path separator")
)

// ProjectID scopes a voice room: every project has exactly one room.
type ProjectID string

func NewProjectID(raw string) (ProjectID, error) {
	if raw == "" {
		return "", ErrProjectIDEmpty
	}
	if len(raw) > MaxProjectIDLen {
		return "", ErrProjectIDTooLong
	}
	if strings.ContainsAny(raw, "/?#") {
		return "", ErrProjectIDInvalid
	}
	return ProjectID(raw), nil
}

// VoicePath is the control-plane path of the project's voice room.
func (p ProjectID) VoicePath() string {
	return fmt.Sprintf("/ws/projects/%s/voice", string(p))
}

// VoiceURL joins base (ws:// or wss://) with the room path and the user_id
// query of user.
func (p ProjectID) VoiceURL(base string, user PeerID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse signaling base %q: %w", base, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("signaling base %q: scheme must be ws or wss", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + p.VoicePath()
	q := u.Query()
	q.Set("user_id", user.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}
