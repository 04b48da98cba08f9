package domain

import "errors"

// Media acquisition failures. Never retried automatically.
var (
	ErrPermissionDenied  = errors.New("microphone permission denied")
	ErrDeviceUnavailable = errors.New("audio capture device unavailable")
)

// Signaling failures. Both trigger the reconnect policy.
var (
	ErrSignalingConnectFailed      = errors.New("signaling connect failed")
	ErrSignalingClosedUnexpectedly = errors.New("signaling closed unexpectedly")
)

var (
	// ErrPeerNegotiationFailed closes the affected handle only.
	ErrPeerNegotiationFailed = errors.New("peer negotiation failed")
	// ErrMalformedMessage marks a signaling payload that is dropped.
	ErrMalformedMessage = errors.New("malformed signaling message")
)
