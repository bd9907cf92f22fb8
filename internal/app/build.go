// Package app assembles the full service graph from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/anupbose/dhwani/internal/backend"
	"github.com/anupbose/dhwani/internal/brain"
	"github.com/anupbose/dhwani/internal/bus"
	"github.com/anupbose/dhwani/internal/clipcache"
	"github.com/anupbose/dhwani/internal/config"
	"github.com/anupbose/dhwani/internal/escalate"
	"github.com/anupbose/dhwani/internal/httpapi"
	"github.com/anupbose/dhwani/internal/observability"
	"github.com/anupbose/dhwani/internal/orchestrator"
	"github.com/anupbose/dhwani/internal/provider"
	"github.com/anupbose/dhwani/internal/session"
	"github.com/anupbose/dhwani/internal/telephony"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Store
	Orchestrator *orchestrator.Orchestrator
	Engine       *escalate.Engine
	Dispatcher   *bus.Dispatcher
	Bus          *bus.Bus
	Metrics      *observability.Metrics

	// Cleanup releases external resources (outbox store connections).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	eventBus := bus.New()
	eventBus.SetDropHook(func(topic string) {
		metrics.BusDroppedEvents.WithLabelValues(topic).Inc()
	})

	outbox, err := bus.NewOutbox(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("outbox init failed: %w", err)
	}

	backendClient := backend.NewClient(backend.ClientConfig{
		BaseURL:     cfg.BackendBaseURL,
		Token:       cfg.BackendServiceKey,
		ReadTimeout: cfg.BackendReadTimeout,
		OrderTTL:    cfg.OrderCacheTTL,
		PartyTTL:    cfg.PartyCacheTTL,
		DefaultLang: cfg.DefaultLanguage,
		Outbox:      outbox,
		Metrics:     metrics,
	})

	dispatcher := bus.NewDispatcher(outbox, backendClient.DeliverEntry)
	dispatcher.SetDepthHook(func(n int) {
		metrics.OutboxDepth.Set(float64(n))
	})

	registry := provider.NewRegistry(cfg.HealthCacheTTL, cfg.LocalProbeTimeout)
	registry.Register(provider.NewLocalDriver(provider.LocalConfig{
		BaseURL:          cfg.LocalSpeechURL,
		PerHostConnLimit: cfg.PerHostConnLimit,
	}))
	registry.Register(provider.NewDeepgramDriver(provider.DeepgramConfig{
		APIKey:           cfg.DeepgramAPIKey,
		PerHostConnLimit: cfg.PerHostConnLimit,
	}))
	registry.Register(provider.NewElevenLabsDriver(provider.ElevenLabsConfig{
		APIKey:           cfg.ElevenLabsAPIKey,
		VoiceID:          cfg.ElevenLabsVoiceID,
		PerHostConnLimit: cfg.PerHostConnLimit,
	}))
	registry.Register(provider.NewGoogleDriver(provider.GoogleConfig{
		APIKey:           cfg.GoogleAPIKey,
		PerHostConnLimit: cfg.PerHostConnLimit,
	}))
	registry.Register(provider.NewAzureDriver(provider.AzureConfig{
		APIKey:           cfg.AzureAPIKey,
		Region:           cfg.AzureRegion,
		PerHostConnLimit: cfg.PerHostConnLimit,
	}))
	if err := registry.SetPriority(provider.KindASR, cfg.ASRPriority); err != nil {
		return nil, fmt.Errorf("ASR_PRIORITY: %w", err)
	}
	if err := registry.SetPriority(provider.KindTTS, cfg.TTSPriority); err != nil {
		return nil, fmt.Errorf("TTS_PRIORITY: %w", err)
	}
	speechRouter := provider.NewRouter(registry, metrics, cfg.ASRTimeout, cfg.TTSTimeout)

	dialer := telephony.NewClient(telephony.ClientConfig{
		BaseURL:          cfg.TelephonyBaseURL,
		AccountID:        cfg.TelephonyAccountID,
		APIKey:           cfg.TelephonyAPIKey,
		APIToken:         cfg.TelephonyAPIToken,
		CallbackBaseURL:  cfg.CallbackBaseURL,
		HMACSecret:       cfg.WebhookSecret,
		RecordingTimeout: cfg.RecordingTimeout,
		TimeLimit:        cfg.CallTimeLimit,
	})

	clips := clipcache.New(cfg.ClipCacheMaxBytes)
	clips.SetEvictHook(func() {
		metrics.ClipCacheEvents.WithLabelValues("evicted").Inc()
	})

	sessions := session.NewStore(cfg.SessionCapacity, cfg.SessionInactivityTimeout)

	orch := orchestrator.New(orchestrator.Config{
		DefaultLanguage: cfg.DefaultLanguage,
		Voice:           cfg.TTSVoice,
		CallerID:        cfg.CallerID,
	}, sessions, clips, speechRouter, backendClient, dialer,
		brain.NewHTTPResponder(cfg.BrainBaseURL), eventBus, metrics)

	// Sessions shed by the sweeper still get their call loop torn down,
	// which reports the missed outcome exactly once.
	sessions.SetExpireHook(func(s *session.Session) {
		orch.CancelCall(s.CallID)
	})

	flows, err := escalate.LoadFlows(cfg.FlowsFile)
	if err != nil {
		return nil, fmt.Errorf("escalation flows: %w", err)
	}
	engine := escalate.NewEngine(flows, orch, backendClient, eventBus, metrics)
	orch.SetStopper(engine)

	api := httpapi.New(cfg, orch, engine, sessions, registry, eventBus, metrics)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Engine:       engine,
		Dispatcher:   dispatcher,
		Bus:          eventBus,
		Metrics:      metrics,
		Cleanup: func() error {
			return outbox.Close()
		},
	}, nil
}
