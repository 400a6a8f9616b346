// Package service wires configuration, the voice gateway, the session
// manager, lifecycle events, metrics and the HTTP API into one process.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/config"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/events"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/logging"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/metrics"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/output"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/server"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/session"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/version"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice/discord"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/voice/livekit"
)

const publishTimeout = 2 * time.Second

// Service is the recorder process.
type Service struct {
	cfg *config.Config

	gateway  voice.Gateway
	manager  *session.Manager
	events   events.Publisher
	hub      *events.Hub
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	server   *server.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the service. The voice gateway is connected here; NATS is
// optional and only dialled when configured.
func New(cfg *config.Config) (*Service, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	gateway, err := NewGateway(cfg.Voice, m.OnDrop)
	if err != nil {
		return nil, err
	}
	return build(cfg, gateway, registry, m)
}

// build assembles everything that does not need the network.
func build(cfg *config.Config, gateway voice.Gateway, registry *prometheus.Registry, m *metrics.Metrics) (*Service, error) {
	engine, err := NewEngine(cfg.Mixdown)
	if err != nil {
		gateway.Close()
		return nil, err
	}
	if err := os.MkdirAll(cfg.Recording.Dir, 0o755); err != nil {
		gateway.Close()
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	hub := events.NewHub()
	pubs := []events.Publisher{hub}
	checks := make(map[string]func() bool)
	if cfg.Events.NATSURL != "" {
		n, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, 5*time.Second)
		if err != nil {
			// Recording continues without the broker.
			logging.Warning(logging.CategoryEvents, "NATS unavailable, publishing to websocket only: %v", err)
			checks["nats"] = func() bool { return false }
		} else {
			pubs = append(pubs, n)
			checks["nats"] = n.Healthy
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		gateway:  gateway,
		events:   events.NewMulti(pubs...),
		hub:      hub,
		metrics:  m,
		registry: registry,
		ctx:      ctx,
		cancel:   cancel,
	}

	opts := session.OptionsFromConfig(cfg.Recording)
	opts.Tap = m.Tap()
	s.manager = session.NewManager(opts, gateway, engine, s.hooks())

	s.server = server.New(&instrumented{Manager: s.manager, metrics: m}, server.Options{
		Addr:        cfg.HTTP.Addr,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Events:      hub,
		Gatherer:    registry,
		Metrics:     m,
		Formatter:   output.Formatter{},
		Checks:      checks,
	})

	logging.Info(logging.CategoryService, "service initialized provider=%s format=%s dir=%s", cfg.Voice.Provider, cfg.Mixdown.Format, cfg.Recording.Dir)
	return s, nil
}

// NewGateway connects the configured voice provider.
func NewGateway(cfg config.VoiceConfig, onDrop func(string)) (voice.Gateway, error) {
	switch cfg.Provider {
	case "discord":
		g, err := discord.New(discord.Options{Token: cfg.Discord.Token, BurstGap: cfg.BurstGap, OnDrop: onDrop})
		if err != nil {
			return nil, fmt.Errorf("connect discord: %w", err)
		}
		return g, nil
	case "livekit":
		return livekit.New(livekit.Options{
			URL:       cfg.LiveKit.URL,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			Identity:  cfg.LiveKit.Identity,
			BurstGap:  cfg.BurstGap,
			OnDrop:    onDrop,
		}), nil
	default:
		return nil, fmt.Errorf("unknown voice provider %q", cfg.Provider)
	}
}

// NewEngine picks the transcoder for the configured output format: wav is
// mixed in-process, compressed formats go through ffmpeg.
func NewEngine(cfg config.MixdownConfig) (*mixdown.Engine, error) {
	var t mixdown.Transcoder
	if cfg.Format == "wav" {
		t = &mixdown.Native{SampleRate: cfg.SampleRate}
	} else {
		f, err := mixdown.NewFFmpeg(cfg.FFmpegPath, cfg.FFmpegArgs, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("configure ffmpeg: %w", err)
		}
		t = f
	}
	return mixdown.NewEngine(t, cfg.Format, cfg.KeepSources), nil
}

func (s *Service) hooks() session.Hooks {
	return session.Hooks{
		OnStarted: func(snap session.Snapshot) {
			s.metrics.SessionsStarted.Inc()
			s.metrics.SessionsActive.Inc()
			s.publish(events.Started(snap))
		},
		OnSegment: func(snap session.Snapshot, res capture.Result) {
			s.metrics.ObserveSegment(res)
			s.publish(events.Segment(snap, res, time.Now()))
		},
		OnStopped: func(sum session.StopSummary) {
			s.metrics.SessionsActive.Dec()
			s.metrics.SessionsStopped.WithLabelValues(string(sum.Reason)).Inc()
			s.publish(events.Stopped(sum, time.Now()))
		},
		OnMixdown: func(sum session.StopSummary, artifact *mixdown.Artifact, err error) {
			s.metrics.ObserveMixdown(time.Since(sum.StartedAt.Add(sum.Duration)), err)
			if err != nil && !errors.Is(err, mixdown.ErrNoAudioCaptured) {
				logging.Fail(logging.CategoryMixdown, "mixdown failed sessionID=%s dir=%s: %v", sum.SessionID, sum.Dir, err)
			}
			s.publish(events.Mixdown(sum, artifact, err, time.Now()))
		},
	}
}

func (s *Service) publish(ev events.Event) {
	ctx, cancel := context.WithTimeout(s.ctx, publishTimeout)
	defer cancel()
	if err := s.events.Publish(ctx, ev); err != nil {
		logging.Warning(logging.CategoryEvents, "failed to publish event type=%s sessionID=%s: %v", ev.Type, ev.SessionID, err)
	}
}

// Manager exposes the session registry.
func (s *Service) Manager() *session.Manager { return s.manager }

// Run serves until SIGINT/SIGTERM or a fatal server error, then drains
// active sessions within the drain timeout.
func (s *Service) Run() error {
	logging.Info(logging.CategoryService, "starting %s", version.Full())

	serverErr := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Run(s.ctx); err != nil {
			serverErr <- err
			s.cancel()
		}
	}()

	if s.cfg.PProfAddr != "" {
		s.wg.Add(1)
		go s.startPProf()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logging.Info(logging.CategoryService, "received OS shutdown signal=%v, starting drain", sig)
	case <-s.ctx.Done():
		logging.Info(logging.CategoryService, "received shutdown from context, starting drain")
	}

	return s.shutdown(serverErr)
}

// Stop triggers the same drain as a signal.
func (s *Service) Stop() { s.cancel() }

func (s *Service) shutdown(serverErr <-chan error) error {
	logging.Info(logging.CategoryService, "stopping active sessions timeout=%v", s.cfg.DrainTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if err := s.manager.Shutdown(drainCtx); err != nil {
		logging.Warning(logging.CategoryService, "drain timeout exceeded, forcing shutdown: %v", err)
		errs = append(errs, err)
	} else {
		logging.Info(logging.CategoryService, "all sessions finalized")
	}

	s.cancel()
	s.hub.Close()
	if err := s.events.Close(); err != nil {
		logging.Warning(logging.CategoryEvents, "failed to close event publishers: %v", err)
	}
	if err := s.gateway.Close(); err != nil {
		logging.Warning(logging.CategoryService, "failed to close voice gateway: %v", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
		logging.Info(logging.CategoryService, "service shutdown complete")
	case <-time.After(5 * time.Second):
		logging.Warning(logging.CategoryService, "service shutdown timeout, some goroutines may not have exited cleanly")
	}

	select {
	case err := <-serverErr:
		errs = append(errs, fmt.Errorf("http server: %w", err))
	default:
	}
	return errors.Join(errs...)
}

func (s *Service) startPProf() {
	defer s.wg.Done()

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		http.DefaultServeMux.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:              s.cfg.PProfAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logging.Info(logging.CategoryService, "starting pprof server addr=%s", s.cfg.PProfAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error(logging.CategoryService, "pprof server error: %v", err)
	}
}

// instrumented counts rejected starts by kind.
type instrumented struct {
	*session.Manager
	metrics *metrics.Metrics
}

func (r *instrumented) Start(ctx context.Context, ch session.Channel, requester string) (session.Snapshot, error) {
	snap, err := r.Manager.Start(ctx, ch, requester)
	if err != nil {
		kind := "error"
		switch {
		case errors.Is(err, session.ErrAlreadyRecording):
			kind = "already_recording"
		case errors.Is(err, session.ErrConnectionTimeout):
			kind = "connection_timeout"
		}
		r.metrics.StartFailures.WithLabelValues(kind).Inc()
	}
	return snap, err
}
