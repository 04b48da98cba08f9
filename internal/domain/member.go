package domain

// Participant represents a member of the local voice session.
// No transport or lifecycle logic here.
type Participant struct {
	ID              PeerID      `json:"id"`
	IsLocal         bool        `json:"isLocal"`
	ConnectionState HandleState `json:"connectionState"`
	IsMuted         bool        `json:"isMuted"`
	IsSpeaking      bool        `json:"isSpeaking"`
	AudioLevel      int         `json:"audioLevel"`
}

// NewLocalParticipant avoids raw literals in the coordinator.
func NewLocalParticipant(id PeerID) Participant {
	return Participant{ID: id, IsLocal: true, ConnectionState: HandleConnected}
}
