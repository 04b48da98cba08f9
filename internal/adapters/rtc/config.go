// Package rtc implements the media ports on top of pion/webrtc: peer
// sessions, the Opus-encoded local capture track and remote playback sinks.
package rtc

import "github.com/pion/webrtc/v4"

const DefaultSTUN = "stun:stun.l.google.com:19302"

// ICEServer is a STUN or TURN server. Username and Credential apply to TURN.
type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Configuration builds the peer connection configuration. Without servers
// the public Google STUN server is used.
func Configuration(servers []ICEServer) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{DefaultSTUN}}},
		}
	}
	cfg := webrtc.Configuration{ICEServers: make([]webrtc.ICEServer, 0, len(servers))}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" || s.Credential != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}
