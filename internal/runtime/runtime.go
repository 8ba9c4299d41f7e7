package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-digest/internal/bus"
	"github.com/loqalabs/loqa-digest/internal/capability"
	"github.com/loqalabs/loqa-digest/internal/chat"
	"github.com/loqalabs/loqa-digest/internal/config"
	"github.com/loqalabs/loqa-digest/internal/digest"
	"github.com/loqalabs/loqa-digest/internal/eventstore"
	"github.com/loqalabs/loqa-digest/internal/llm"
	"github.com/loqalabs/loqa-digest/internal/natsserver"
	"github.com/loqalabs/loqa-digest/internal/playback"
	"github.com/loqalabs/loqa-digest/internal/summary"
	"github.com/loqalabs/loqa-digest/internal/tts"
)

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	store    *eventstore.Store
	digest   *digest.Service
	api      *api
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.Handle("/metrics", tel.metrics)
	r.api.register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && bind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	r.stopServices()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	cfg := r.cfg

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busClient, err := bus.Connect(ctx, cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = busClient

		registry, err := capability.NewRegistry(ctx, cfg.Node, capability.LocalCapabilities(cfg), busClient, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	source, err := chat.LoadSnapshot(cfg.Chat.SnapshotPath)
	if err != nil {
		return fmt.Errorf("load chat snapshot: %w", err)
	}
	if cfg.Chat.Watch {
		r.watchSnapshot(ctx, source)
	}

	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("create llm backend: %w", err)
	}
	dispatcher := summary.NewDispatcher(generator, summary.NewTracker(), summary.OptionsFromConfig(cfg.Summary, cfg.LLM), r.logger)

	synth, lister, err := tts.New(cfg.Speech)
	if err != nil {
		return fmt.Errorf("create speech backend: %w", err)
	}
	blobs := tts.NewBlobStore(publicBaseURL(cfg.HTTP))
	var factory playback.HandleFactory
	switch cfg.Playback.Handle {
	case "bus":
		factory = playback.BusFactory(r.bus, cfg.Playback.Target)
	default:
		factory = playback.MemoryFactory
	}
	controller := playback.NewController(synth, blobs, factory, cfg.Speech.ModelID, r.logger)
	catalog := tts.NewCatalog(lister, cfg.Speech.DefaultVoiceID, r.logger)

	r.digest = digest.NewService(ctx, digest.Options{
		Source:       source,
		Dispatcher:   dispatcher,
		Controller:   controller,
		Catalog:      catalog,
		History:      store,
		ChannelLimit: cfg.Chat.ChannelLimit,
		DefaultUser:  cfg.Chat.DefaultUser,
	}, r.bus, r.logger)
	if err := r.digest.Start(); err != nil {
		return fmt.Errorf("start digest service: %w", err)
	}

	r.api = newAPI(r.digest, source, blobs, store, r.logger)
	if r.registry != nil {
		r.api.nodes = r.registry
	}
	return nil
}

func (r *Runtime) watchSnapshot(ctx context.Context, source *chat.SnapshotSource) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := source.Watch(ctx, r.logger); err != nil {
			r.logger.Warn("chat snapshot watcher stopped", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) stopServices() {
	if r.digest != nil {
		r.digest.Close()
	}
	r.registry.Close()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func publicBaseURL(cfg config.HTTPConfig) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	host := cfg.Bind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.digest != nil && r.digest.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
