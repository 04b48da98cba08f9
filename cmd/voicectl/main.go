// Command voicectl joins a project voice room headless, with a tone or a WAV
// file standing in for the microphone. Type m, d or q and Enter to toggle
// mute, toggle deafen or quit.
package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/meshvoice/internal/adapters/capture"
	"github.com/dkeye/meshvoice/internal/adapters/rtc"
	"github.com/dkeye/meshvoice/internal/adapters/ws"
	"github.com/dkeye/meshvoice/internal/config"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/observe"
	"github.com/dkeye/meshvoice/internal/session"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("voicectl", pflag.ExitOnError)
	config.ClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Log.Apply(); err != nil {
		log.Error().Err(err).Msg("bad log config")
	}
	cc := cfg.Client

	local, err := cc.Local()
	if err != nil {
		log.Fatal().Err(err).Msg("user id")
	}
	endpoint, err := cc.Endpoint()
	if err != nil {
		log.Fatal().Err(err).Msg("signaling endpoint")
	}

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "meshvoice-client",
		ServiceVersion: version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("otel init")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownOTel(shutdownCtx)
	}()

	meter := newPlaybackMeter()
	factory, err := rtc.NewFactory(cc.ICE, rtc.WithPlayback(meter.play))
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc factory")
	}

	coord := session.New(session.Config{
		Local:              local,
		Endpoint:           endpoint,
		Dialer:             ws.NewDialer(),
		Source:             rtc.NewSource("meshvoice-"+local.String(), openSource(cc)),
		Peers:              factory,
		Signal:             cc.SignalOptions(),
		NegotiationTimeout: cc.NegotiationTimeout,
		Activity:           cc.ActivityConfig(),
		RemoteActivity:     cc.RemoteActivity,
		Metrics:            observe.DefaultMetrics(),
	})
	coord.OnChange(newStateLogger().log)

	if err := coord.JoinChannel(ctx); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	log.Info().Str("endpoint", endpoint).Msg("joining")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		coord.LeaveChannel()
		return nil
	})
	g.Go(func() error {
		readCommands(gctx, coord, cancel)
		return nil
	})
	_ = g.Wait()
	log.Info().Msg("left room")
}

func openSource(cc config.ClientConfig) func() (capture.Reader, error) {
	return func() (capture.Reader, error) {
		if cc.Source == "" || cc.Source == "tone" {
			return capture.NewTone(cc.ToneHz, 0.3).WithCadence(2*time.Second, time.Second), nil
		}
		return capture.LoadWAV(cc.Source)
	}
}

// readCommands returns at EOF or when ctx ends. Stdin reads cannot be
// interrupted, so the scanner goroutine may outlive it.
func readCommands(ctx context.Context, coord *session.Coordinator, quit context.CancelFunc) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch line {
			case "m":
				log.Info().Bool("muted", coord.ToggleMute()).Msg("mute toggled")
			case "d":
				log.Info().Bool("deafened", coord.ToggleDeafen()).Msg("deafen toggled")
			case "q":
				quit()
				return
			case "p":
				for _, p := range coord.Participants() {
					log.Info().Stringer("id", p.ID).Bool("local", p.IsLocal).
						Stringer("state", p.ConnectionState).
						Bool("speaking", p.IsSpeaking).Int("level", p.AudioLevel).
						Msg("participant")
				}
			}
		}
	}
}

// stateLogger logs state changes other than the audio level.
type stateLogger struct {
	mu   sync.Mutex
	last session.State
}

func newStateLogger() *stateLogger { return &stateLogger{} }

func (l *stateLogger) log(s session.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.last
	l.last = s
	if prev.ConnectionState == s.ConnectionState && prev.IsSpeaking == s.IsSpeaking &&
		prev.IsMuted == s.IsMuted && prev.IsDeafened == s.IsDeafened &&
		slices.Equal(prev.Roster, s.Roster) && prev.LastError == s.LastError {
		return
	}
	ev := log.Info().
		Str("connection", s.ConnectionState.String()).
		Interface("roster", s.Roster).
		Bool("muted", s.IsMuted).
		Bool("deafened", s.IsDeafened).
		Bool("speaking", s.IsSpeaking)
	if s.LastError != nil {
		ev = ev.AnErr("last_error", s.LastError)
	}
	ev.Msg("state")
}

// playbackMeter stands in for a speaker: it counts decoded frames per peer.
type playbackMeter struct {
	mu     sync.Mutex
	frames map[domain.PeerID]int
}

func newPlaybackMeter() *playbackMeter {
	return &playbackMeter{frames: make(map[domain.PeerID]int)}
}

func (m *playbackMeter) play(peer domain.PeerID, pcm []int16) {
	m.mu.Lock()
	m.frames[peer]++
	n := m.frames[peer]
	m.mu.Unlock()
	// One log line per 5 s of audio.
	if n%250 == 0 {
		log.Debug().Stringer("peer", peer).Int("frames", n).Int("samples", len(pcm)).Msg("playing")
	}
}
