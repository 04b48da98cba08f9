package relay

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room *Room, member Member) BackpressureAction
}

// KickPolicy disconnects slow members. Their clients reconnect and rejoin.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(*Room, Member) BackpressureAction {
	return KickMember
}

// DropPolicy only drops the frame for the slow member.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(*Room, Member) BackpressureAction {
	return DropFrame
}

// PolicyByName maps a config value to a Policy. Unknown names kick.
func PolicyByName(name string) Policy {
	if name == "drop" {
		return DropPolicy{}
	}
	return KickPolicy{}
}
