package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/infrastructure/middleware"
	"carelink/internal/infrastructure/monitoring"
	signalinfra "carelink/internal/infrastructure/signal"
	webrtcinfra "carelink/internal/infrastructure/webrtc"
	"carelink/internal/media"
	"carelink/internal/negotiation"
	"carelink/internal/session"
	"carelink/pkg/config"
	"carelink/pkg/logger"
	"carelink/pkg/retry"
	"carelink/pkg/tracing"
	"carelink/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath     string
	room           string
	signalURL      string
	token          string
	name           string
	forceRelay     bool
	generate       bool
	metricsAddress string
	tokenTTL       = 4 * time.Hour
)

// RootCmd joins a consultation room as a headless peer
var RootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Headless telehealth peer that joins a consultation room",
	RunE:  runPeer,
}

func init() {
	RootCmd.Flags().StringVar(&configPath, "config", os.Getenv("CARELINK_CONFIG"), "path to the YAML config file")
	RootCmd.Flags().StringVar(&room, "room", "", "room token to join")
	RootCmd.Flags().StringVar(&signalURL, "signal-url", "", "base URL of the signaling relay")
	RootCmd.Flags().StringVar(&token, "token", "", "bearer token presented to the relay")
	RootCmd.Flags().StringVar(&name, "name", "", "display name used when minting a room token")
	RootCmd.Flags().BoolVar(&forceRelay, "force-relay", false, "only gather TURN relay candidates")
	RootCmd.Flags().BoolVar(&generate, "generate", true, "emit synthetic media on the captured tracks")
	RootCmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cfg, path, err := config.LoadFirst(configPath, "configs/config.yaml", "config.yaml")
	if err != nil {
		return nil, "", err
	}

	if cmd.Flags().Changed("room") {
		cfg.Signaling.Room = room
	}
	if cmd.Flags().Changed("signal-url") {
		cfg.Signaling.URL = signalURL
	}
	if cmd.Flags().Changed("token") {
		cfg.Signaling.Token = token
	}
	if cmd.Flags().Changed("force-relay") {
		cfg.ICE.ForceRelay = forceRelay
	}
	if cfg.Signaling.Room == "" {
		return nil, "", fmt.Errorf("a room token is required")
	}
	if !utils.ValidRoomToken(cfg.Signaling.Room) {
		return nil, "", fmt.Errorf("%w: %q", domain.ErrInvalidRoomToken, cfg.Signaling.Room)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// runPeer acquires media, joins the room and stays in the call until SIGINT
// or SIGTERM.
func runPeer(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	zapLogger := logger.NewWithOptions(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer zapLogger.Sync()

	sessionID := utils.NewSessionID()
	ctx := logger.WithSession(logger.WithRoom(context.Background(), cfg.Signaling.Room), sessionID)
	log := logger.NewContextLogger(zapLogger).Sugared(ctx)
	if path != "" {
		log.Infow("loaded config", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "carelink-peer",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	if cfg.Signaling.Token == "" && cfg.Auth.JWTSecret != "" {
		displayName := name
		if displayName == "" {
			displayName = "peer-" + sessionID[2:10]
		}
		minted, err := middleware.NewRoomToken([]byte(cfg.Auth.JWTSecret), cfg.Signaling.Room, displayName, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to mint room token: %w", err)
		}
		cfg.Signaling.Token = minted
	}

	collector := monitoring.NewPeerCollector(prometheus.DefaultRegisterer)
	if metricsAddress != "" {
		go serveMetrics(metricsAddress, log)
	}

	ladder, err := media.LadderFromNames(cfg.Media.Profiles)
	if err != nil {
		return err
	}
	devices := media.NewVirtualDevices(cfg.Media.MaxWidth, cfg.Media.MaxHeight, cfg.Media.MaxFrameRate)
	devices.Microphone = cfg.Media.Microphone
	devices.Generate = generate
	acquirer := media.NewAcquirer(devices, ladder, media.WithLogger(log), media.WithMetrics(collector))

	api, err := webrtcinfra.NewAPI(webrtcinfra.APIConfig{
		PortMin: cfg.ICE.PortRange.Min,
		PortMax: cfg.ICE.PortRange.Max,
	}, log)
	if err != nil {
		return err
	}
	pcFactory := webrtcinfra.NewPeerConnectionFactory(api, webrtcinfra.ICEConfigFrom(cfg).Configuration(log))

	newNegotiator := func(out negotiation.Sender, cb negotiation.Callbacks) session.Negotiator {
		return negotiation.New(
			negotiation.Config{MaxRestartAttempts: cfg.Negotiation.MaxRestartAttempts},
			pcFactory,
			out,
			negotiation.WithLogger(log),
			negotiation.WithMetrics(collector),
			negotiation.WithCallbacks(cb),
		)
	}

	channel := signalinfra.NewClient(signalinfra.ClientConfigFrom(cfg), log)
	readers := newTrackReaders(log)

	orch := session.New(session.Config{
		SignalURL: cfg.Signaling.URL,
		Room:      cfg.Signaling.Room,
		Token:     cfg.Signaling.Token,
	}, acquirer, channel, newNegotiator,
		session.WithLogger(log),
		session.WithObserver(session.Observer{
			OnMediaReady: func(stream *media.LocalStream) {
				log.Infow("local media ready", "stream", stream.ID(), "audio", stream.HasAudio(), "video", stream.HasVideo())
			},
			OnPeerJoined: func(p domain.Participant) {
				log.Infow("participant joined", "participant", p.ID, "name", p.Name)
			},
			OnPeerLeft: func() {
				log.Info("participant left, waiting for them to rejoin")
			},
			OnHealth: func(h negotiation.Health) {
				log.Infow("connection health", "state", h.State, "restart_attempts", h.RestartAttempts)
			},
			OnRemoteStream: readers.attach,
			OnError: func(err error) {
				var merr *media.MediaError
				if errors.As(err, &merr) {
					log.Warnw(merr.Kind.UserMessage(), "kind", merr.Kind, "error", err)
					return
				}
				log.Errorw("session error", "error", err)
			},
			OnChannelClosed: func(err error) {
				log.Warnw("signaling channel closed", "error", err)
			},
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := start(runCtx, orch); err != nil {
		orch.Close()
		return err
	}

	// Prepare sigCh to relay SIGINT and SIGTERM system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("leaving call", "signal", sig)

	cancel()
	if err := orch.Close(); err != nil {
		log.Errorw("error closing session", "error", err)
	}
	readers.wait()
	return nil
}

// start joins the room, retrying acquisition while the failure is one the
// participant can fix.
func start(ctx context.Context, orch *session.Orchestrator) error {
	err := orch.Start(ctx)
	if err == nil || !retryableMedia(err) {
		return err
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = time.Second
	cfg.MaxDelay = 10 * time.Second
	return retry.Retry(ctx, cfg, func() error {
		err := orch.RetryMedia(ctx)
		if err != nil && !retryableMedia(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func retryableMedia(err error) bool {
	var merr *media.MediaError
	return errors.As(err, &merr) && merr.Kind.Retryable()
}

func serveMetrics(addr string, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infow("serving metrics", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorw("metrics server stopped", "error", err)
	}
}

// trackReaders drains every remote track so the receive pipeline keeps
// flowing, and reports how many packets each one delivered.
type trackReaders struct {
	log  *zap.SugaredLogger
	mu   sync.Mutex
	seen map[*webrtc.TrackRemote]struct{}
	wg   sync.WaitGroup
}

func newTrackReaders(log *zap.SugaredLogger) *trackReaders {
	return &trackReaders{log: log, seen: make(map[*webrtc.TrackRemote]struct{})}
}

func (r *trackReaders) attach(stream *negotiation.RemoteStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, track := range stream.Tracks() {
		if _, ok := r.seen[track]; ok {
			continue
		}
		r.seen[track] = struct{}{}
		r.wg.Add(1)
		go r.read(track)
	}
}

func (r *trackReaders) read(track *webrtc.TrackRemote) {
	defer r.wg.Done()
	r.log.Infow("receiving remote track", "kind", track.Kind(), "codec", track.Codec().MimeType)

	packets := 0
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			r.log.Infow("remote track ended", "kind", track.Kind(), "packets", packets)
			return
		}
		packets++
	}
}

func (r *trackReaders) wait() { r.wg.Wait() }
