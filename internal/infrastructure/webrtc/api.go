package webrtc

import (
	"fmt"

	"carelink/internal/negotiation"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type APIConfig struct {
	PortMin uint16
	PortMax uint16
}

// NewAPI builds a pion API with the default codecs, the default interceptor
// chain plus periodic keyframe requests, and zap-backed pion logging.
func NewAPI(cfg APIConfig, logger *zap.SugaredLogger) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	registry.Add(pli)

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: NewLoggerFactory(logger),
	}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// PeerConnectionFactory creates pion peer connections for the negotiator.
type PeerConnectionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewPeerConnectionFactory(api *webrtc.API, config webrtc.Configuration) *PeerConnectionFactory {
	return &PeerConnectionFactory{api: api, config: config}
}

func (f *PeerConnectionFactory) NewPeerConnection() (negotiation.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return pc, nil
}
