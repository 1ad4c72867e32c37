package webrtc

import (
	"strings"

	"carelink/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Public relay used when no authenticated TURN server is configured. It is
// rate limited and shared, so production deployments must configure their own.
var publicTURNServer = webrtc.ICEServer{
	URLs: []string{
		"turn:openrelay.metered.ca:80",
		"turn:openrelay.metered.ca:443",
		"turn:openrelay.metered.ca:443?transport=tcp",
	},
	Username:   "openrelayproject",
	Credential: "openrelayproject",
}

var defaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEConfig describes the STUN/TURN servers offered to the ICE agent.
type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
	ForceRelay     bool
}

func ICEConfigFrom(cfg *config.Config) ICEConfig {
	return ICEConfig{
		STUNURLs:       cfg.ICE.STUNURLs,
		TURNURLs:       cfg.ICE.TURNURLs,
		TURNUsername:   cfg.ICE.TURNUsername,
		TURNCredential: cfg.ICE.TURNCredential,
		ForceRelay:     cfg.ICE.ForceRelay,
	}
}

// HasAuthenticatedTURN reports whether a TURN server with credentials is configured.
func (c ICEConfig) HasAuthenticatedTURN() bool {
	return len(c.TURNURLs) > 0 && c.TURNUsername != "" && c.TURNCredential != ""
}

// Servers returns the ICE server list. It always contains at least one STUN and
// one TURN entry.
func (c ICEConfig) Servers(logger *zap.SugaredLogger) []webrtc.ICEServer {
	stun := c.STUNURLs
	if len(stun) == 0 {
		stun = defaultSTUNURLs
	}
	servers := []webrtc.ICEServer{{URLs: append([]string(nil), stun...)}}

	if c.HasAuthenticatedTURN() {
		servers = append(servers, webrtc.ICEServer{
			URLs:           append([]string(nil), c.TURNURLs...),
			Username:       c.TURNUsername,
			Credential:     c.TURNCredential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
		return servers
	}

	if logger != nil {
		logger.Warnw("no authenticated TURN server configured, falling back to public relay",
			"turn_urls", strings.Join(publicTURNServer.URLs, ","),
			"turn_urls_configured", len(c.TURNURLs),
		)
	}
	fallback := publicTURNServer
	fallback.URLs = append([]string(nil), publicTURNServer.URLs...)
	return append(servers, fallback)
}

// Configuration builds the pion peer connection configuration.
func (c ICEConfig) Configuration(logger *zap.SugaredLogger) webrtc.Configuration {
	pcConfig := webrtc.Configuration{
		ICEServers:   c.Servers(logger),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if c.ForceRelay {
		pcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return pcConfig
}
