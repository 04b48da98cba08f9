// Package config loads process configuration from
// config/config.<CONFIG_ENV>.yaml, MESHVOICE_* environment variables and
// command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/meshvoice/internal/activity"
	"github.com/dkeye/meshvoice/internal/adapters/rtc"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/dkeye/meshvoice/internal/relay"
	"github.com/dkeye/meshvoice/internal/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESHVOICE"

type Config struct {
	Mode   string       `mapstructure:"mode"`
	Log    LogConfig    `mapstructure:"log"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Client ClientConfig `mapstructure:"client"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is console or json.
	Format string `mapstructure:"format"`
}

type RelayConfig struct {
	Port          int `mapstructure:"port"`
	relay.Options `mapstructure:",squash"`
}

type ClientConfig struct {
	SignalURL string          `mapstructure:"signal_url"`
	Project   string          `mapstructure:"project"`
	UserID    int64           `mapstructure:"user_id"`
	ICE       []rtc.ICEServer `mapstructure:"ice_servers"`

	Heartbeat          time.Duration   `mapstructure:"heartbeat"`
	ReconnectDelays    []time.Duration `mapstructure:"reconnect_delays"`
	ReconnectMaxDelay  time.Duration   `mapstructure:"reconnect_max_delay"`
	ReconnectAttempts  int             `mapstructure:"reconnect_attempts"`
	NegotiationTimeout time.Duration   `mapstructure:"negotiation_timeout"`

	ActivityInterval  time.Duration `mapstructure:"activity_interval"`
	ActivityThreshold int           `mapstructure:"activity_threshold"`
	ActivityHold      time.Duration `mapstructure:"activity_hold"`
	RemoteActivity    bool          `mapstructure:"remote_activity"`

	// Source is "tone" or the path of a WAV file.
	Source string  `mapstructure:"source"`
	ToneHz float64 `mapstructure:"tone_hz"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"mode":       "mode",
	"log-level":  "log.level",
	"log-format": "log.format",
	"port":       "relay.port",
	"signal-url": "client.signal_url",
	"project":    "client.project",
	"user":       "client.user_id",
	"source":     "client.source",
	"tone-hz":    "client.tone_hz",
}

// CommonFlags registers the flags shared by every command.
func CommonFlags(fs *pflag.FlagSet) {
	fs.String("mode", "", "gin mode: debug, release or test")
	fs.String("log-level", "", "log level")
	fs.String("log-format", "", "log output: console or json")
}

func RelayFlags(fs *pflag.FlagSet) {
	CommonFlags(fs)
	fs.Int("port", 0, "listen port")
}

func ClientFlags(fs *pflag.FlagSet) {
	CommonFlags(fs)
	fs.String("signal-url", "", "relay base url, ws:// or wss://")
	fs.String("project", "", "project id of the voice room")
	fs.Int64("user", 0, "local user id")
	fs.String("source", "", `"tone" or a WAV file path`)
	fs.Float64("tone-hz", 0, "tone frequency")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("relay.port", 8080)
	v.SetDefault("relay.read_limit", 32768)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.send_buffer", 32)
	v.SetDefault("relay.join_limit", 10)
	v.SetDefault("relay.join_interval", "1m")
	v.SetDefault("relay.backpressure_policy", "kick")

	v.SetDefault("client.signal_url", "ws://localhost:8080")
	v.SetDefault("client.project", "")
	v.SetDefault("client.user_id", 0)
	v.SetDefault("client.ice_servers", []rtc.ICEServer{})
	v.SetDefault("client.remote_activity", false)
	v.SetDefault("client.heartbeat", signal.DefaultHeartbeat.String())
	v.SetDefault("client.reconnect_delays", signal.DefaultBackoffTable)
	v.SetDefault("client.reconnect_max_delay", signal.DefaultBackoffCap.String())
	v.SetDefault("client.reconnect_attempts", signal.DefaultMaxReconnectAttempts)
	v.SetDefault("client.negotiation_timeout", "15s")
	v.SetDefault("client.activity_interval", activity.DefaultInterval.String())
	v.SetDefault("client.activity_threshold", activity.DefaultThreshold)
	v.SetDefault("client.activity_hold", activity.DefaultHoldTime.String())
	v.SetDefault("client.source", "tone")
	v.SetDefault("client.tone_hz", 440.0)
}

// Load reads the config file named by CONFIG_ENV (default dev). A missing
// file is not an error. fs may be nil.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		fileName = fmt.Sprintf("%s/config.%s.yaml", strings.TrimSuffix(dir, "/"), env)
	}
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Apply configures the global zerolog logger.
func (c LogConfig) Apply() error {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}
	zerolog.SetGlobalLevel(level)
	if c.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

// Endpoint is the control-plane url of the configured room.
func (c ClientConfig) Endpoint() (string, error) {
	project, err := domain.NewProjectID(c.Project)
	if err != nil {
		return "", err
	}
	user, err := c.Local()
	if err != nil {
		return "", err
	}
	return project.VoiceURL(c.SignalURL, user)
}

func (c ClientConfig) Local() (domain.PeerID, error) {
	id := domain.PeerID(c.UserID)
	if !id.Valid() {
		return 0, domain.ErrPeerIDInvalid
	}
	return id, nil
}

func (c ClientConfig) SignalOptions() signal.Options {
	return signal.Options{
		Heartbeat: c.Heartbeat,
		Policy:    signal.NewReconnectPolicy(c.ReconnectDelays, c.ReconnectMaxDelay, c.ReconnectAttempts),
	}
}

func (c ClientConfig) ActivityConfig() activity.Config {
	return activity.Config{
		Interval:  c.ActivityInterval,
		Threshold: c.ActivityThreshold,
		HoldTime:  c.ActivityHold,
	}
}
