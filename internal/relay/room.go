package relay

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/rs/zerolog/log"
)

// Member is one connection inside a room, keyed by user id.
type Member interface {
	User() domain.PeerID
	TrySend(core.Frame) error
	Close()
}

// PublishResult reports delivery of one broadcast.
type PublishResult struct {
	SentTo  int
	Dropped []Member
}

// Room is the threadsafe member set of one project. It never closes
// members itself.
type Room struct {
	project domain.ProjectID
	mu      sync.RWMutex
	members map[domain.PeerID]Member
}

func newRoom(project domain.ProjectID) *Room {
	return &Room{project: project, members: make(map[domain.PeerID]Member)}
}

func (r *Room) Project() domain.ProjectID { return r.project }

func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// AddMember stores m and returns the member it replaced, if the same user
// was already connected.
func (r *Room) AddMember(m Member) Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.members[m.User()]
	r.members[m.User()] = m
	log.Info().Str("module", "relay.room").Str("project", string(r.project)).Stringer("user", m.User()).Msg("member added")
	return old
}

// RemoveMember removes m if it is still the current connection of its user.
func (r *Room) RemoveMember(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[m.User()]; !ok || cur != m {
		return false
	}
	delete(r.members, m.User())
	log.Info().Str("module", "relay.room").Str("project", string(r.project)).Stringer("user", m.User()).Msg("member removed")
	return true
}

// Broadcast sends data to every member except from.
func (r *Room) Broadcast(from domain.PeerID, data core.Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if err := m.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "relay.room").Stringer("from", from).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *Room) Members() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

type RoomInfo struct {
	Project     domain.ProjectID `json:"project"`
	Members     []domain.PeerID  `json:"members"`
	MemberCount int              `json:"member_count"`
}

// Rooms holds one room per project, created on first join.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.ProjectID]*Room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[domain.ProjectID]*Room)}
}

func (f *Rooms) Get(project domain.ProjectID) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[project]
	return room, ok
}

// List returns the rooms sorted by project.
func (f *Rooms) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for project, r := range f.rooms {
		members := r.Members()
		out = append(out, RoomInfo{Project: project, Members: members, MemberCount: len(members)})
	}
	slices.SortFunc(out, func(a, b RoomInfo) int { return cmp.Compare(a.Project, b.Project) })
	return out
}

// Join adds m to the room of project, creating the room if needed, and
// returns the room with the member m replaced. The registry lock is held
// across both steps so a concurrent Leave cannot drop the room in between.
func (f *Rooms) Join(project domain.ProjectID, m Member) (*Room, Member) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[project]
	if !ok {
		room = newRoom(project)
		f.rooms[project] = room
	}
	return room, room.AddMember(m)
}

// Leave removes m from the room of project and stops the room once it is
// empty. It reports false when m was not the current member of its user.
func (f *Rooms) Leave(project domain.ProjectID, m Member) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[project]
	if !ok || !room.RemoveMember(m) {
		return false
	}
	if room.MemberCount() == 0 {
		delete(f.rooms, project)
		log.Info().Str("module", "relay.rooms").Str("project", string(project)).Msg("room stopped")
	}
	return true
}
