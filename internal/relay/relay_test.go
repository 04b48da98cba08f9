package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const waitFor = 2 * time.Second

func newTestRelay(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewServer(t.Context(), opts, nil)
	ts := httptest.NewServer(SetupRouter(gin.TestMode, s))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, base string, project string, user domain.PeerID) *websocket.Conn {
	t.Helper()
	url := base + domain.ProjectID(project).VoicePath() + "?user_id=" + user.String()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func waitMembers(t *testing.T, s *Server, project domain.ProjectID, n int) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		got := 0
		if room, ok := s.Rooms().Get(project); ok {
			got = room.MemberCount()
		}
		if got == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("room %s never reached %d members", project, n)
}

func readMessage(t *testing.T, ws *websocket.Conn) core.Message {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m core.Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func expectSilence(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, data, err := ws.ReadMessage(); err == nil {
		t.Errorf("unexpected frame %s", data)
	}
}

func TestRelay_StampsSenderAndBroadcasts(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	b := dial(t, base, "alpha", 2)
	other := dial(t, base, "beta", 3)
	waitMembers(t, s, "alpha", 2)
	waitMembers(t, s, "beta", 1)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatal(err)
	}
	got := readMessage(t, b)
	if got.Type != core.TypeJoin || got.SenderID != 1 {
		t.Errorf("unexpected relayed message: %+v", got)
	}
	expectSilence(t, a)
	expectSilence(t, other)
}

func TestRelay_OverwritesForgedSender(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	b := dial(t, base, "alpha", 2)
	waitMembers(t, s, "alpha", 2)

	forged := `{"type":"offer","senderId":99,"targetId":2,"sdp":{"type":"offer","sdp":"v=0"}}`
	if err := a.WriteMessage(websocket.TextMessage, []byte(forged)); err != nil {
		t.Fatal(err)
	}
	got := readMessage(t, b)
	if got.SenderID != 1 || got.TargetID == nil || *got.TargetID != 2 {
		t.Errorf("sender must be stamped by the relay: %+v", got)
	}
}

func TestRelay_DropsInvalidFrames(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	b := dial(t, base, "alpha", 2)
	waitMembers(t, s, "alpha", 2)

	for _, raw := range []string{`not json`, `{"type":"shout"}`, `{"type":"ice","targetId":2}`} {
		if err := a.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
	}
	expectSilence(t, b)
}

func TestRelay_PingPong(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	b := dial(t, base, "alpha", 2)
	waitMembers(t, s, "alpha", 2)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	if got := readMessage(t, a); got.Type != core.TypePong {
		t.Errorf("expected pong, got %+v", got)
	}
	expectSilence(t, b)
}

func TestRelay_UserLeftOnDisconnect(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	b := dial(t, base, "alpha", 2)
	waitMembers(t, s, "alpha", 2)

	_ = b.Close()
	got := readMessage(t, a)
	if got.Type != core.TypeUserLeft || got.SenderID != 2 {
		t.Errorf("expected user_left from 2, got %+v", got)
	}

	_ = a.Close()
	deadline := time.Now().Add(waitFor)
	for len(s.Rooms().List()) != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if rooms := s.Rooms().List(); len(rooms) != 0 {
		t.Errorf("empty room should be stopped, got %+v", rooms)
	}
}

func TestRelay_ReplacesConnectionSilently(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	a := dial(t, base, "alpha", 1)
	first := dial(t, base, "alpha", 2)
	waitMembers(t, s, "alpha", 2)

	second := dial(t, base, "alpha", 2)
	_ = first.SetReadDeadline(time.Now().Add(waitFor))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Error("replaced connection should be closed")
	}
	expectSilence(t, a)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatal(err)
	}
	if got := readMessage(t, second); got.SenderID != 1 {
		t.Errorf("new connection should receive room traffic, got %+v", got)
	}
}

func TestRelay_RejectsBadRequests(t *testing.T) {
	_, base := newTestRelay(t, Options{})
	for _, path := range []string{
		"/ws/projects/alpha/voice",
		"/ws/projects/alpha/voice?user_id=abc",
		"/ws/projects/alpha/voice?user_id=-1",
	} {
		_, resp, err := websocket.DefaultDialer.Dial(base+path, nil)
		if err == nil {
			t.Errorf("%s: expected handshake failure", path)
			continue
		}
		if resp == nil || resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", path, resp)
		}
	}
}

func TestRelay_JoinRateLimit(t *testing.T) {
	_, base := newTestRelay(t, Options{JoinLimit: 1, JoinInterval: time.Hour})
	dial(t, base, "alpha", 1)
	_, resp, err := websocket.DefaultDialer.Dial(base+"/ws/projects/alpha/voice?user_id=1", nil)
	if err == nil {
		t.Fatal("second join inside the window should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %v", resp)
	}
}

func TestRelay_RoomListing(t *testing.T) {
	s, base := newTestRelay(t, Options{})
	dial(t, base, "beta", 5)
	dial(t, base, "alpha", 2)
	dial(t, base, "alpha", 1)
	waitMembers(t, s, "alpha", 2)
	waitMembers(t, s, "beta", 1)

	resp, err := http.Get(strings.Replace(base, "ws", "http", 1) + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rooms []RoomInfo
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 2 || rooms[0].Project != "alpha" || rooms[0].MemberCount != 2 {
		t.Fatalf("unexpected listing: %+v", rooms)
	}
	if rooms[0].Members[0] != 1 || rooms[0].Members[1] != 2 {
		t.Errorf("members should be sorted: %v", rooms[0].Members)
	}
}

type fakeMember struct {
	user domain.PeerID
	full bool

	mu     sync.Mutex
	frames []core.Frame
	closed bool
}

func (m *fakeMember) User() domain.PeerID { return m.user }

func (m *fakeMember) TrySend(f core.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return ErrBackpressure
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *fakeMember) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func TestBroadcast_BackpressurePolicy(t *testing.T) {
	cases := []struct {
		policy     string
		wantClosed bool
	}{
		{"kick", true},
		{"drop", false},
	}
	for _, tc := range cases {
		t.Run(tc.policy, func(t *testing.T) {
			s := NewServer(t.Context(), Options{Policy: tc.policy}, nil)
			room := newRoom("alpha")
			sender := &fakeMember{user: 1}
			ok := &fakeMember{user: 2}
			slow := &fakeMember{user: 3, full: true}
			for _, m := range []Member{sender, ok, slow} {
				room.AddMember(m)
			}

			s.broadcast(t.Context(), room, 1, core.Frame(`{}`))
			if len(ok.frames) != 1 || len(sender.frames) != 0 {
				t.Errorf("frame routing: ok=%d sender=%d", len(ok.frames), len(sender.frames))
			}
			if slow.closed != tc.wantClosed {
				t.Errorf("slow member closed = %v, want %v", slow.closed, tc.wantClosed)
			}
		})
	}
}

func TestRoom_RemoveOnlyCurrentMember(t *testing.T) {
	room := newRoom("alpha")
	old := &fakeMember{user: 1}
	cur := &fakeMember{user: 1}
	room.AddMember(old)
	if replaced := room.AddMember(cur); replaced != old {
		t.Fatalf("expected old member to be returned, got %v", replaced)
	}
	if room.RemoveMember(old) {
		t.Error("stale member must not remove its replacement")
	}
	if !room.RemoveMember(cur) || room.MemberCount() != 0 {
		t.Error("current member should be removed")
	}
}

func TestRooms_JoinNeverLandsInStoppedRoom(t *testing.T) {
	rooms := NewRooms()
	for i := range 500 {
		leaving := &fakeMember{user: 1}
		rooms.Join("alpha", leaving)

		joining := &fakeMember{user: domain.PeerID(i + 2)}
		var joined *Room
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rooms.Leave("alpha", leaving)
		}()
		go func() {
			defer wg.Done()
			joined, _ = rooms.Join("alpha", joining)
		}()
		wg.Wait()

		current, ok := rooms.Get("alpha")
		if !ok || current != joined {
			t.Fatalf("iteration %d: member joined a room that is no longer registered", i)
		}
		if !rooms.Leave("alpha", joining) {
			t.Fatalf("iteration %d: joined member missing from its room", i)
		}
		if _, ok := rooms.Get("alpha"); ok {
			t.Fatalf("iteration %d: empty room should be stopped", i)
		}
	}
}

func TestRooms_LeaveOfReplacedMemberKeepsRoom(t *testing.T) {
	rooms := NewRooms()
	old := &fakeMember{user: 1}
	cur := &fakeMember{user: 1}
	rooms.Join("alpha", old)
	if _, replaced := rooms.Join("alpha", cur); replaced != old {
		t.Fatalf("expected old member to be returned, got %v", replaced)
	}
	if rooms.Leave("alpha", old) {
		t.Error("stale member must not leave on behalf of its replacement")
	}
	if room, ok := rooms.Get("alpha"); !ok || room.MemberCount() != 1 {
		t.Error("room with a live member must stay registered")
	}
}

func TestJoinRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k") || !rl.Allow("k") {
		t.Fatal("first two attempts should pass")
	}
	if rl.Allow("k") {
		t.Error("third attempt inside the window should be refused")
	}
	if !rl.Allow("other") {
		t.Error("keys are independent")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("k") {
		t.Error("attempts older than the window should be forgotten")
	}
	now = now.Add(2 * time.Minute)
	rl.Prune()
	if len(rl.history) != 0 {
		t.Errorf("prune should drop idle keys, left %d", len(rl.history))
	}
}
