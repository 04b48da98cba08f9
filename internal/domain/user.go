// Package domain contains entities without transport logic, just meta-data
package domain

import (
	"errors"
	"strconv"
)

var (
	ErrPeerIDEmpty   = errors.New("peer id empty")
	ErrPeerIDInvalid = errors.New("peer id must be a positive integer")
)

// PeerID identifies a workspace user inside a voice room. It is the numeric
// senderId/targetId carried by signaling messages.
type PeerID int64

func (id PeerID) String() string { return strconv.FormatInt(int64(id), 10) }

// Valid reports whether id can appear on the wire.
func (id PeerID) Valid() bool { return id > 0 }

// ParsePeerID is a tiny helper to avoid ad-hoc conversions in adapters.
func ParsePeerID(raw string) (PeerID, error) {
	if raw == "" {
		return 0, ErrPeerIDEmpty
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrPeerIDInvalid
	}
	return PeerID(n), nil
}
