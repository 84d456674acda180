package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-vocoder/internal/bus"
	"github.com/loqalabs/loqa-vocoder/internal/capability"
	"github.com/loqalabs/loqa-vocoder/internal/config"
	"github.com/loqalabs/loqa-vocoder/internal/jobstore"
	"github.com/loqalabs/loqa-vocoder/internal/model"
	"github.com/loqalabs/loqa-vocoder/internal/natsserver"
	"github.com/loqalabs/loqa-vocoder/internal/synth"
	"github.com/loqalabs/loqa-vocoder/internal/vocoder"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	jobs          *jobstore.Store
	model         model.Model
	service       *synth.Service
	registry      *capability.Registry
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every component, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		cancel()
		r.shutdown()
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", r.httpServer.Addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) setup(ctx context.Context) error {
	telemetryStop, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.jobs, err = jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	r.model, err = model.Open(model.OptionsFromConfig(r.cfg.Model, r.cfg.Vocoder))
	if err != nil {
		return fmt.Errorf("open model: %w", err)
	}
	synthesizer, err := r.newSynthesizer()
	if err != nil {
		return err
	}

	r.service = synth.NewService(ctx, r.cfg.Service, r.cfg.Vocoder, r.cfg.Reset.Mode, r.bus, synthesizer, r.jobs, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start vocoder service: %w", err)
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, r.workerAttributes(), r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	r.httpServer = r.serve(fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port), mux)

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = r.serve(r.cfg.Telemetry.PrometheusBind, metricsMux)
	}
	return nil
}

func (r *Runtime) newSynthesizer() (*vocoder.Synthesizer, error) {
	return vocoder.Build(r.cfg, r.model, r.logger, vocoder.WithObserver(model.NewLogObserver(r.logger, slog.LevelDebug)))
}

func (r *Runtime) workerAttributes() map[string]string {
	spec := r.model.Spec()
	return map[string]string{
		"sample_rate": strconv.Itoa(r.cfg.Vocoder.SampleRate),
		"frame_size":  strconv.Itoa(r.cfg.Vocoder.FrameSize),
		"nb_features": strconv.Itoa(r.cfg.Vocoder.NbFeatures),
		"variant":     string(spec.Variant),
		"embed_size":  strconv.Itoa(spec.EmbedSize),
		"model_mode":  r.cfg.Model.Mode,
	}
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.jobs.Prune(ctx); err != nil {
				r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown releases whatever setup managed to start.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	r.wg.Wait()
	if r.model != nil {
		if err := r.model.Close(); err != nil {
			r.logger.Warn("model close error", slog.String("error", err.Error()))
		}
	}
	if r.jobs != nil {
		if err := r.jobs.Close(); err != nil {
			r.logger.Warn("job store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() && r.registry.Healthy() && r.jobs.Healthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
