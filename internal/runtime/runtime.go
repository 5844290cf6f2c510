package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kannadanudi/nudi-dictation/internal/audio"
	"github.com/kannadanudi/nudi-dictation/internal/bus"
	"github.com/kannadanudi/nudi-dictation/internal/capability"
	"github.com/kannadanudi/nudi-dictation/internal/config"
	"github.com/kannadanudi/nudi-dictation/internal/eventstore"
	"github.com/kannadanudi/nudi-dictation/internal/natsserver"
	"github.com/kannadanudi/nudi-dictation/internal/recognition"
	"github.com/kannadanudi/nudi-dictation/internal/router"
	"github.com/kannadanudi/nudi-dictation/internal/session"
	"github.com/kannadanudi/nudi-dictation/internal/stt"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	recorder   *eventstore.Recorder
	registry   *capability.Registry
	model      *stt.Model
	worker     *stt.Worker
	sttService *stt.Service
	router     *router.Service
	controller *session.Controller
	prober     *capability.Prober
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.shutdownServices()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /v1/dictation/state", r.handleState)
	mux.HandleFunc("GET /v1/nodes", r.handleNodes)
	r.router.Register(mux)
	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}

	select {
	case <-r.controller.Done():
	case <-shutdownCtx.Done():
		r.logger.Warn("session controller did not stop in time")
	}
	r.shutdownServices()
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, time.Duration(busCfg.ConnectTimeout)*time.Millisecond+time.Second)
	client, err := bus.Connect(connectCtx, r.cfg.RuntimeName, busCfg, r.logger)
	cancelConnect()
	if err != nil {
		return err
	}
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	r.schedulePrune(ctx)

	var port stt.Port
	var extra []capability.Capability
	localWorker := r.cfg.STT.Enabled && !r.cfg.STT.Remote
	if localWorker {
		loader, err := stt.NewRecognizerLoader(r.cfg.STT, r.logger)
		if err != nil {
			return fmt.Errorf("configure stt: %w", err)
		}
		r.model = stt.NewModel(loader)
		r.worker = stt.NewWorker(ctx, r.model, stt.OptionsFromConfig(r.cfg.STT), r.logger)
		r.worker.Start()
		// Serve other controllers on the bus as well as the local one. Nodes
		// left on the default id still get distinct worker ids.
		workerID := r.cfg.Node.ID + "-" + uuid.NewString()[:8]
		r.sttService = stt.NewService(r.bus, r.worker, workerID)
		if err := r.sttService.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		port = r.worker
		extra = append(extra, capability.Capability{
			Name:       capability.CapabilitySTTWorker,
			Attributes: map[string]string{"mode": r.cfg.STT.Mode},
		})
	} else if r.cfg.STT.Remote {
		port = stt.NewBusClient(r.bus)
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, extra, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	r.prober = capability.NewProber(r.cfg.Recognition, func() bool {
		return localWorker || (port != nil && registry.HasHealthy(capability.CapabilitySTTWorker))
	})

	device, err := newDevice(r.cfg.Capture)
	if err != nil {
		return err
	}

	stopTimeout := time.Duration(r.cfg.Recognition.StopTimeoutMS) * time.Millisecond
	var engine recognition.NativeEngine
	if r.cfg.Recognition.NativeCommand != "" {
		e, err := recognition.NewExecEngine(r.cfg.Recognition.NativeCommand, stopTimeout, r.logger)
		if err != nil {
			return fmt.Errorf("configure native engine: %w", err)
		}
		engine = e
	}

	factory := func(sessionID string) (recognition.Backend, error) {
		probe := r.prober.Probe()
		r.logger.Info("recognition mode selected",
			slog.String("session_id", sessionID),
			slog.String("mode", string(probe.Mode)),
			slog.String("reason", probe.Reason))
		return recognition.Activate(probe, recognition.Deps{
			SessionID:  sessionID,
			Log:        r.logger,
			Engine:     engine,
			Device:     device,
			BlockSize:  r.cfg.Capture.BlockSize,
			Worker:     port,
			Interval:   time.Duration(r.cfg.Recognition.ChunkIntervalMS) * time.Millisecond,
			TargetRate: r.cfg.Recognition.TargetSampleRate,
			NewTicker:  recognition.NewRealTicker,
		})
	}

	ref := &controllerRef{}
	r.router = router.NewService(ctx, ref, r.bus, router.Options{
		RetainEvents: true,
		Transcripts:  r.store,
	}, r.logger)

	r.recorder = eventstore.NewRecorder(r.store, r.logger)
	hosts := session.Hosts{r.recorder, r.router}
	r.controller = session.NewController(factory, hosts, session.Options{
		DefaultLanguage: r.cfg.Recognition.DefaultLanguage,
		StopTimeout:     stopTimeout,
	}, r.logger)
	ref.c = r.controller
	go r.controller.Run(ctx)

	return r.router.Start()
}

func (r *Runtime) schedulePrune(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.Prune(ctx); err != nil {
					r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// shutdownServices releases components in reverse start order. It tolerates
// partially started runtimes.
func (r *Runtime) shutdownServices() {
	if r.router != nil {
		r.router.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.sttService != nil {
		r.sttService.Close()
	}
	if r.worker != nil {
		r.worker.Close()
	}
	if r.model != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.model.Close(ctx); err != nil {
			r.logger.Warn("model close failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func newDevice(cfg config.CaptureConfig) (audio.Device, error) {
	switch cfg.Device {
	case "exec":
		dev, err := audio.NewExecDevice(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("configure capture: %w", err)
		}
		return dev, nil
	case "wav":
		return &audio.WAVDevice{Path: cfg.Path, Realtime: true}, nil
	case "synthetic":
		return &audio.ToneDevice{SampleRate: cfg.SampleRate, Realtime: true}, nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}

// controllerRef lets the router be built before the controller it drives.
type controllerRef struct {
	c *session.Controller
}

func (r *controllerRef) Start(ctx context.Context, language string) error {
	return r.c.Start(ctx, language)
}

func (r *controllerRef) Stop(ctx context.Context) error {
	return r.c.Stop(ctx)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.router.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	probe := r.prober.Probe()
	writeJSON(w, map[string]any{
		"state":            r.controller.State().String(),
		"mode":             probe.Mode,
		"native_available": probe.NativeAvailable,
		"worker_available": probe.WorkerAvailable,
		"reason":           probe.Reason,
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, r.registry.Query(nil))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
