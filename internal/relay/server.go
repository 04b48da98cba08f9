// Package relay is the development signaling relay. Every project has one
// room; frames from a member are stamped with its user id and broadcast to
// the other members.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/observe"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Options tunes the relay. Zero values select the defaults.
type Options struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
	Policy       string        `mapstructure:"backpressure_policy"`
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 54 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	if o.JoinInterval <= 0 {
		o.JoinInterval = time.Minute
	}
	return o
}

type Server struct {
	ctx      context.Context
	opts     Options
	rooms    *Rooms
	policy   Policy
	limiter  *JoinRateLimiter
	metrics  *observe.Metrics
	upgrader websocket.Upgrader
}

func NewServer(ctx context.Context, opts Options, m *observe.Metrics) *Server {
	opts = opts.withDefaults()
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Server{
		ctx:     ctx,
		opts:    opts,
		rooms:   NewRooms(),
		policy:  PolicyByName(opts.Policy),
		limiter: NewJoinRateLimiter(opts.JoinLimit, opts.JoinInterval),
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Rooms() *Rooms { return s.rooms }

// HandleVoice upgrades /ws/projects/:projectId/voice?user_id= into a room
// membership.
func (s *Server) HandleVoice(c *gin.Context) {
	project, err := domain.NewProjectID(c.Param("projectId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := domain.ParsePeerID(c.Query("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.limiter.Allow(fmt.Sprintf("%s/%s", project, user)) {
		log.Warn().Str("module", "relay").Str("project", string(project)).Stringer("user", user).Msg("join rate limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many joins"})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	conn := newConn(ws, project, user, s.opts.SendBuffer)
	room, old := s.rooms.Join(project, conn)
	if old != nil {
		conn.logger.Info().Msg("replacing previous connection of user")
		old.Close()
	}
	s.metrics.RelayConnections.Add(s.ctx, 1)
	conn.logger.Info().Msg("new WS connection")

	ctx, cancel := context.WithCancel(s.ctx)
	go conn.writePump(ctx, s.opts.PingPeriod)
	go func() {
		defer cancel()
		pongWait := s.opts.PingPeriod * 10 / 9
		err := conn.readPump(s.opts.ReadLimit, pongWait, func(f core.Frame) {
			s.onFrame(ctx, room, conn, f)
		})
		conn.logger.Info().Err(err).Msg("readPump closing")
		s.detach(room, conn)
	}()
}

func (s *Server) onFrame(ctx context.Context, room *Room, conn *Conn, data core.Frame) {
	var m core.Message
	if err := json.Unmarshal(data, &m); err != nil {
		conn.logger.Warn().Err(err).Msg("bad json")
		return
	}
	if m.Type == core.TypePing {
		_ = conn.TrySend(core.Frame(`{"type":"pong"}`))
		return
	}
	// The relay is the authority on who sent a frame.
	m.SenderID = conn.User()
	if err := m.Validate(); err != nil {
		conn.logger.Warn().Err(err).Msg("dropping message")
		return
	}
	out, err := m.Encode()
	if err != nil {
		conn.logger.Error().Err(err).Msg("encode")
		return
	}
	s.metrics.RecordRelayMessage(ctx, string(m.Type))
	s.broadcast(ctx, room, conn.User(), out)
}

func (s *Server) broadcast(ctx context.Context, room *Room, from domain.PeerID, data core.Frame) {
	res := room.Broadcast(from, data)
	for _, slow := range res.Dropped {
		switch s.policy.OnBackPressure(room, slow) {
		case KickMember:
			log.Warn().Str("module", "relay").Stringer("user", slow.User()).Msg("kicking slow member")
			s.metrics.RelayKicks.Add(ctx, 1,
				metric.WithAttributes(attribute.String("project", string(room.Project()))))
			slow.Close()
		case DropFrame, NoAction:
		}
	}
}

func (s *Server) detach(room *Room, conn *Conn) {
	conn.Close()
	s.metrics.RelayConnections.Add(s.ctx, -1)
	if !s.rooms.Leave(room.Project(), conn) {
		// Replaced by a newer connection of the same user.
		return
	}
	left, err := core.NewUserLeft(conn.User()).Encode()
	if err == nil {
		s.broadcast(s.ctx, room, conn.User(), left)
	}
}

// Prune periodically forgets idle rate limiter keys until ctx ends.
func (s *Server) Prune(ctx context.Context) error {
	t := time.NewTicker(s.opts.JoinInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.limiter.Prune()
		}
	}
}
