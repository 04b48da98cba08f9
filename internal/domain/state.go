package domain

// ChannelState is the connection state of the signaling channel.
type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelReconnecting
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

func (s ChannelState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// HandleState is the lifecycle state of a single peer connection handle.
type HandleState int

const (
	HandleNew HandleState = iota
	HandleNegotiating
	HandleConnected
	HandleClosed
)

func (s HandleState) String() string {
	switch s {
	case HandleNew:
		return "NEW"
	case HandleNegotiating:
		return "NEGOTIATING"
	case HandleConnected:
		return "CONNECTED"
	case HandleClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

func (s HandleState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Role says which side of the offer/answer exchange a handle plays.
type Role int

const (
	RoleOfferer Role = iota
	RoleAnswerer
)

func (r Role) String() string {
	if r == RoleAnswerer {
		return "answerer"
	}
	return "offerer"
}
