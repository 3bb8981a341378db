package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/journal"
	"github.com/loqalabs/loqa-render/internal/logging"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/loqalabs/loqa-render/internal/render/sine"
	"github.com/loqalabs/loqa-render/internal/renderservice"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	telemetryStop func(context.Context) error
	metrics       http.Handler
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	journal  *journal.Journal
	sched    *render.Scheduler
	registry *render.Registry
	service  *renderservice.Service

	addr chan string
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		addr:   make(chan string, 1),
	}
}

// Start brings up every component, serves until ctx ends and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	if err := r.setup(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/renderers", r.handleRenderers)
	mux.HandleFunc("/v1/jobs", r.handleJobs)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", logging.Error(err))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.addr <- ln.Addr().String()
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", logging.Error(err))
	}
	r.wg.Wait()
	return nil
}

// Addr blocks until the HTTP listener is bound and returns its address.
func (r *Runtime) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-r.addr:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Runtime) setup(ctx context.Context) error {
	telemetryStop, metrics, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop
	r.metrics = metrics

	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.journal, err = journal.Open(ctx, r.cfg.Journal, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open render journal: %w", err)
	}

	r.sched = render.NewScheduler(r.cfg.Render.MaxConcurrency, r.logger)
	r.registry = render.NewRegistry(r.logger)
	backend := sine.New(r.sched, r.logger, sine.WithCancelCheck(r.cfg.Render.CancelCheckSamples))
	if err := r.registry.Register(backend); err != nil {
		return err
	}
	def, err := render.ParseSingerType(r.cfg.Render.DefaultSinger)
	if err != nil {
		return fmt.Errorf("render.default_singer: %w", err)
	}
	if _, err := r.registry.Lookup(def); err != nil {
		return fmt.Errorf("render.default_singer: %w", err)
	}

	r.service = renderservice.New(ctx, r.cfg, r.bus, r.registry, r.journal, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("start render service: %w", err)
	}
	return nil
}

func (r *Runtime) shutdown() {
	if r.service != nil {
		r.service.Close()
	}
	if r.sched != nil {
		r.sched.Wait()
	}
	if r.registry != nil {
		if err := r.registry.Close(); err != nil {
			r.logger.Warn("registry close error", logging.Error(err))
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", logging.Error(err))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.telemetryStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", logging.Error(err))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("render journal prune failed", logging.Error(err))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleRenderers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default_singer": r.cfg.Render.DefaultSinger,
		"renderers":      r.registry.Query(nil),
		"active_jobs":    r.service.ActiveJobs(),
	})
}

type jobView struct {
	JobID       string    `json:"job_id"`
	TrackNo     int       `json:"track_no"`
	Singer      string    `json:"singer"`
	PositionMs  float64   `json:"position_ms"`
	DurationMs  float64   `json:"duration_ms"`
	SampleCount int       `json:"sample_count"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ElapsedMs   float64   `json:"elapsed_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r *Runtime) handleJobs(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		entries []journal.Entry
		err     error
	)
	if track := q.Get("track"); track != "" {
		trackNo, convErr := strconv.Atoi(track)
		if convErr != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "track must be an integer"})
			return
		}
		entries, err = r.journal.ListTrack(req.Context(), trackNo, limit)
	} else {
		entries, err = r.journal.Recent(req.Context(), limit)
	}
	if err != nil {
		r.logger.Warn("journal query failed", logging.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}

	jobs := make([]jobView, 0, len(entries))
	for _, e := range entries {
		jobs = append(jobs, jobView{
			JobID:       e.JobID,
			TrackNo:     e.TrackNo,
			Singer:      e.Singer,
			PositionMs:  e.PositionMs,
			DurationMs:  e.DurationMs,
			SampleCount: e.SampleCount,
			Status:      e.Status,
			Error:       e.Error,
			ElapsedMs:   float64(e.Elapsed) / float64(time.Millisecond),
			CreatedAt:   e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
