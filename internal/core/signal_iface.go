package core

import "context"

// Frame is a raw text payload of the control plane.
type Frame []byte

// SignalConn abstracts one open control-plane connection.
// Owned by the signaling channel; the channel must Close() it.
type SignalConn interface {
	// ReadMessage blocks until a frame arrives or the connection fails.
	// Close unblocks a pending read.
	ReadMessage() (Frame, error)
	WriteMessage(Frame) error
	Close() error
}

// Dialer opens control-plane connections to a room-scoped endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (SignalConn, error)
}
