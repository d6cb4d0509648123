// Package host assembles the process: config, runtime layout, tool
// registry, container manager, model driver, and conversation manager, plus
// the optional metrics listener and graceful shutdown.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/warden/internal/channel"
	"github.com/haasonsaas/warden/internal/config"
	"github.com/haasonsaas/warden/internal/conversations"
	"github.com/haasonsaas/warden/internal/llm"
	"github.com/haasonsaas/warden/internal/llm/providers"
	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/runtime"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/statestore"
	"github.com/haasonsaas/warden/internal/tools"
	"github.com/haasonsaas/warden/internal/tools/memory"
	"github.com/haasonsaas/warden/internal/tools/photo"
	"github.com/haasonsaas/warden/internal/tools/shell"
	"github.com/haasonsaas/warden/internal/tools/weather"
)

// shutdownGrace bounds how long Close waits for containers and final
// persistence.
const shutdownGrace = 30 * time.Second

// Options customizes construction. Zero value uses the real docker runtime
// and the configured completion provider.
type Options struct {
	// ResetState wipes the runtime layout before anything loads.
	ResetState bool

	// Completions overrides the configured provider. Used by tests and the
	// one-shot prompt command.
	Completions llm.CompletionService

	// Runtime overrides the docker CLI container runtime.
	Runtime sandbox.Runtime
}

// Host owns every long-lived component of a running agent.
type Host struct {
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Registry *tools.Registry
	Sandbox  *sandbox.Manager
	Driver   *llm.Driver
	Manager  *conversations.Manager
	Layout   *runtime.Layout

	registry       *prometheus.Registry
	metricsSrv     *http.Server
	tracerShutdown func(context.Context) error
}

// New wires a host from configuration.
func New(cfg *config.Config, opts Options) (*Host, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	layout, err := runtime.NewLayout(cfg.Runtime.Dir)
	if err != nil {
		return nil, fmt.Errorf("runtime layout: %w", err)
	}
	if opts.ResetState {
		if err := layout.ResetAll(); err != nil {
			return nil, fmt.Errorf("reset runtime state: %w", err)
		}
		logger.Info(context.Background(), "runtime state reset", "dir", layout.Root())
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(promReg)

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "warden",
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	store := statestore.New(layout.StatePath(), logger)
	registry := tools.NewRegistry(store, layout.WorkingDir, logger, metrics).WithTracer(tracer)

	rt := opts.Runtime
	if rt == nil {
		rt = sandbox.NewDockerRuntime(logger)
	}
	sb := sandbox.NewManager(rt, sandbox.Options{
		Image:          cfg.Sandbox.Image,
		MemoryLimit:    cfg.Sandbox.MemoryLimit,
		CPULimit:       cfg.Sandbox.CPULimit,
		Network:        cfg.Sandbox.Network,
		CommandTimeout: cfg.Sandbox.CommandTimeout,
		IdleTimeout:    cfg.Sandbox.IdleTimeout,
		SweepInterval:  cfg.Sandbox.SweepInterval,
		WorkDirFor:     layout.WorkingDir,
	}, logger, metrics)

	for _, p := range []tools.Provider{
		shell.NewProvider(sb, logger),
		weather.NewProvider(),
		photo.NewProvider(),
		memory.NewProvider(layout.MemoryDir()),
	} {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("register provider %s: %w", p.Name(), err)
		}
	}

	svc := opts.Completions
	if svc == nil {
		svc, err = newCompletionService(cfg)
		if err != nil {
			return nil, err
		}
	}
	driver := llm.NewDriver(svc, registry, llm.Config{
		PrimaryModel:       cfg.LLM.Model,
		BackupModel:        cfg.LLM.BackupModel,
		System:             cfg.LLM.SystemPrompt,
		MaxTokens:          cfg.LLM.MaxTokens,
		MaxToolIterations:  cfg.LLM.MaxToolIterations,
		InitialBackoff:     cfg.LLM.InitialBackoff,
		MaxBackoff:         cfg.LLM.MaxBackoff,
		BackoffMultiplier:  cfg.LLM.BackoffMultiplier,
		FallbackRetryCount: cfg.LLM.FallbackRetryCount,
	}, logger, metrics).WithTracer(tracer)

	mgr := conversations.NewManager(driver, registry, sb, layout, nil, logger, metrics).
		WithTracer(tracer)

	return &Host{
		Config:         cfg,
		Logger:         logger,
		Metrics:        metrics,
		Registry:       registry,
		Sandbox:        sb,
		Driver:         driver,
		Manager:        mgr,
		Layout:         layout,
		registry:       promReg,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run serves prompts from the channel until ctx is canceled or the channel
// closes, then shuts everything down. The caller typically passes a
// signal-bound context.
func (h *Host) Run(ctx context.Context, ch channel.Channel) error {
	h.Manager.SetPublisher(ch)
	h.Sandbox.StartSweeper()
	h.startMetrics(ctx)

	h.Logger.Info(ctx, "agent host running",
		"model", h.Driver.ActiveModel(),
		"runtime_dir", h.Layout.Root(),
		"image", h.Config.Sandbox.Image)

	h.Manager.Serve(ctx, ch.Inbound())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return h.Close(shutdownCtx)
}

// Close stops the sweeper, stops running containers, persists tool state,
// and flushes the tracer. Safe to call once after Run or instead of it.
func (h *Host) Close(ctx context.Context) error {
	var errs []error
	if h.metricsSrv != nil {
		if err := h.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics listener: %w", err))
		}
		h.metricsSrv = nil
	}
	if err := h.Sandbox.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sandbox shutdown: %w", err))
	}
	if err := h.Registry.Persist(); err != nil {
		errs = append(errs, fmt.Errorf("persist tool state: %w", err))
	}
	if h.tracerShutdown != nil {
		if err := h.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		h.tracerShutdown = nil
	}
	h.Logger.Info(ctx, "agent host stopped")
	return errors.Join(errs...)
}

// NewRelay opens the production channel from the host's configuration.
func (h *Host) NewRelay(ctx context.Context) (channel.Channel, error) {
	hostname, _ := os.Hostname()
	return channel.NewRelay(ctx, channel.RelayConfig{
		WebsocketURL: h.Config.Channel.WebsocketURL,
		BroadcastURL: h.Config.Channel.BroadcastURL,
		Device:       hostname,
	}, h.Logger)
}

func (h *Host) startMetrics(ctx context.Context) {
	if !h.Config.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: h.Config.Metrics.Addr, Handler: mux}
	h.metricsSrv = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.Logger.Error(ctx, "metrics listener failed", "addr", srv.Addr, "error", err)
		}
	}()
	h.Logger.Info(ctx, "metrics listener started", "addr", srv.Addr)
}

func newCompletionService(cfg *config.Config) (llm.CompletionService, error) {
	switch cfg.LLM.Provider {
	case "", "anthropic":
		return providers.NewAnthropic(cfg.ResolveAPIKey())
	case "openai":
		return providers.NewOpenAI(cfg.ResolveAPIKey(), cfg.LLM.BaseURL)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
