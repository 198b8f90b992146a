// Package app wires all pitchoverlay subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the estimator, audio
// source, pipeline driver, display and HTTP surface from the config, Run
// executes capture and processing until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithEstimator,
// WithSource, etc.). When an option is not provided, New creates real
// implementations through the config registry.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pitchoverlay/internal/config"
	"github.com/MrWong99/pitchoverlay/internal/display"
	"github.com/MrWong99/pitchoverlay/internal/health"
	"github.com/MrWong99/pitchoverlay/internal/observe"
	"github.com/MrWong99/pitchoverlay/internal/pipeline"
	"github.com/MrWong99/pitchoverlay/internal/resilience"
	"github.com/MrWong99/pitchoverlay/pkg/audio"
	"github.com/MrWong99/pitchoverlay/pkg/pitch"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/decode"
	"github.com/MrWong99/pitchoverlay/pkg/pitch/weights"
)

// readyMaxAge is how stale the last decoded frame may be before /readyz
// fails. A frame is decoded every 10 ms while audio flows.
const readyMaxAge = 2 * time.Second

// shutdownTimeout bounds the HTTP server drain when Run's context ends.
const shutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes and orchestrates the pitch pipeline.
type App struct {
	cfg       *config.Config
	reg       *config.Registry
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics
	scrape    http.Handler
	sessionID string

	// configPath enables hot reload when set.
	configPath string

	// Subsystems, initialised in New and torn down in Shutdown.
	est    pitch.Estimator
	src    audio.Source
	ring   *audio.Ring
	driver *pipeline.Driver
	agg    *display.Aggregator
	hub    *display.Hub
	sinks  []display.Sink
	health *health.Handler
	mux    *http.ServeMux

	capturing atomic.Bool
	watcher   atomic.Pointer[config.Watcher]

	// closers are called in order during Shutdown.
	closers []func() error

	runOnce  sync.Once
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEstimator injects an estimator instead of creating one from config.
// The app takes ownership and closes it on Shutdown.
func WithEstimator(e pitch.Estimator) Option {
	return func(a *App) { a.est = e }
}

// WithSource injects an audio source instead of creating one from config.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.src = s }
}

// WithRegistry replaces [DefaultRegistry].
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithScrapeHandler mounts h at GET /metrics when observe.metrics is on.
// Without it the route is not served.
func WithScrapeHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLogLevel hands the app the level variable behind the installed
// handler so log_level can be hot-reloaded.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigPath enables hot reload of the file at path while Run is active.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithSink adds a display sink that receives every point next to the
// websocket hub.
func WithSink(s display.Sink) Option {
	return func(a *App) { a.sinks = append(a.sinks, s) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Construction errors
// are configuration problems: the caller should exit before any audio is
// captured.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		sessionID: uuid.NewString(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = DefaultRegistry()
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.log = a.log.With("session", a.sessionID)

	// ── 1. Estimator ─────────────────────────────────────────────────────
	if err := a.initEstimator(ctx); err != nil {
		return nil, fmt.Errorf("app: init model: %w", err)
	}

	// ── 2. Audio source + ring ───────────────────────────────────────────
	if err := a.initSource(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 3. Pipeline driver ───────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Display ───────────────────────────────────────────────────────
	if err := a.initDisplay(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init display: %w", err)
	}

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	a.initHTTP()

	a.log.Info("application initialised",
		"backend", a.cfg.Model.Backend,
		"model", modelName(a.est),
		"source", a.cfg.Audio.Source,
		"input_rate", a.src.Format().SampleRate,
		"ring_capacity", a.ring.Cap(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initEstimator(ctx context.Context) error {
	if a.est == nil {
		est, err := a.loadEstimator(ctx, a.cfg.Model)
		if err != nil {
			return err
		}
		a.est = est
	}
	a.closers = append(a.closers, a.est.Close)
	return nil
}

// loadEstimator builds the configured backend. With a fallback configured the
// two are grouped behind a failover; a primary that cannot be created at all
// leaves the fallback serving alone.
func (a *App) loadEstimator(ctx context.Context, cfg config.ModelConfig) (pitch.Estimator, error) {
	primary, err := a.createEstimator(ctx, cfg.Backend, cfg)
	if cfg.Fallback == "" {
		return primary, err
	}
	second, ferr := a.createEstimator(ctx, cfg.Fallback, cfg)
	switch {
	case err != nil && ferr != nil:
		return nil, errors.Join(err, ferr)
	case err != nil:
		a.log.Warn("primary backend unavailable, using fallback",
			"backend", cfg.Backend, "fallback", cfg.Fallback, "err", err)
		return second, nil
	case ferr != nil:
		a.log.Warn("fallback backend unavailable", "fallback", cfg.Fallback, "err", ferr)
		return primary, nil
	}
	f, err := resilience.NewFailover(resilience.BreakerConfig{
		Logger: a.log,
		OnOpen: func(name string) { a.metrics.RecordTrip(context.Background(), name) },
	},
		resilience.Backend{Name: string(cfg.Backend), Estimator: primary},
		resilience.Backend{Name: string(cfg.Fallback), Estimator: second},
	)
	if err != nil {
		_ = primary.Close()
		_ = second.Close()
		return nil, err
	}
	return f, nil
}

func (a *App) createEstimator(ctx context.Context, backend config.Backend, cfg config.ModelConfig) (pitch.Estimator, error) {
	_, span := observe.StartSpan(ctx, "app.load_model",
		trace.WithAttributes(attribute.String("backend", string(backend))),
	)
	defer span.End()

	cfg.Backend = backend
	est, err := a.reg.CreateEstimator(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("backend %s: %w", backend, err)
	}
	return est, nil
}

func (a *App) initSource() error {
	if a.src == nil {
		src, err := a.reg.CreateSource(a.cfg.Audio)
		if err != nil {
			return err
		}
		a.src = src
	}

	rate := a.src.Format().SampleRate
	capacity := int(a.cfg.Audio.RingSeconds * float64(rate))
	if need := pipeline.MinRingCapacity(rate, a.est.InputSize(), a.cfg.Pipeline.HopSize); capacity < need {
		capacity = need
	}
	a.ring = audio.NewRing(capacity)
	return nil
}

func (a *App) initPipeline() error {
	meta := metadata(a.est)
	dec, err := decode.New(decode.MappingFrom(meta),
		decode.WithRadius(a.cfg.Pipeline.DecodeRadius),
		decode.WithHop(a.cfg.Pipeline.HopSize),
	)
	if err != nil {
		return err
	}

	drv, err := pipeline.New(pipeline.Config{
		InputRate:    a.src.Format().SampleRate,
		Quality:      audio.Quality(a.cfg.Audio.Resampler),
		Hop:          a.cfg.Pipeline.HopSize,
		Center:       a.cfg.Pipeline.CenterEnabled(),
		Epsilon:      meta.NormalizationEpsilon,
		OutputBuffer: a.cfg.Pipeline.OutputBuffer,
		SessionID:    a.sessionID,
	}, a.ring, a.est, dec,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
	)
	if err != nil {
		return err
	}
	a.driver = drv
	return nil
}

func (a *App) initDisplay() error {
	agg, err := display.NewAggregator(SettingsFrom(a.cfg.Display))
	if err != nil {
		return err
	}
	a.agg = agg

	enc, err := display.ParseEncoding(a.cfg.Display.Encoding)
	if err != nil {
		return err
	}
	a.hub = display.NewHub(
		display.WithEncoding(enc),
		display.WithClientBuffer(a.cfg.Display.ClientBuffer),
		display.WithSession(a.sessionID, modelName(a.est)),
		display.WithAggregator(a.agg),
		display.WithHubMetrics(a.metrics),
		display.WithHubLogger(a.log),
	)
	a.sinks = append([]display.Sink{a.hub}, a.sinks...)
	return nil
}

func (a *App) initHTTP() {
	a.health = health.New([]health.Checker{
		health.Flag("model", func() bool { return a.est != nil }, "model not loaded"),
		health.Flag("capture", a.capturing.Load, "capture not started"),
		health.Freshness("pipeline", func() time.Time { return a.driver.Stats().LastFrame }, readyMaxAge, nil),
	})

	mw := observe.Middleware(a.metrics, observe.WithAccessLog(a.log))
	a.mux = http.NewServeMux()
	a.health.Register(a.mux)
	if a.cfg.Observe.MetricsEnabled() && a.scrape != nil {
		a.mux.Handle("GET /metrics", a.scrape)
	}
	a.mux.Handle("GET /ws/pitch", a.hub)
	a.mux.Handle("GET /api/settings", mw(http.HandlerFunc(a.getSettings)))
	a.mux.Handle("PUT /api/settings", mw(http.HandlerFunc(a.putSettings)))
	a.mux.Handle("GET /api/stats", mw(http.HandlerFunc(a.getStats)))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP routes: health, metrics, the pitch stream and the
// settings API.
func (a *App) Handler() http.Handler { return a.mux }

// SessionID returns the id of this pipeline session.
func (a *App) SessionID() string { return a.sessionID }

// Aggregator returns the display aggregator.
func (a *App) Aggregator() *display.Aggregator { return a.agg }

// Stats returns the pipeline counters.
func (a *App) Stats() pipeline.Stats { return a.driver.Stats() }

// ─── Run ─────────────────────────────────────────────────────────────────────

// ErrAlreadyRun is returned by a second call to [App.Run].
var ErrAlreadyRun = errors.New("app: already run")

// Run starts capture and blocks until ctx is cancelled or a subsystem fails.
// A cancelled context is a clean stop and returns nil.
func (a *App) Run(ctx context.Context) error {
	err := ErrAlreadyRun
	a.runOnce.Do(func() { err = a.run(ctx) })
	return err
}

func (a *App) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// abort stops the goroutines already launched and reports err.
	abort := func(err error) error {
		cancel()
		return errors.Join(err, g.Wait())
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithWatcherLogger(a.log))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.watcher.Store(w)
		defer a.watcher.Store(nil)
		g.Go(func() error { return w.Run(gctx) })
	}

	// The driver must be consuming before the source starts filling the ring.
	g.Go(func() error { return a.driver.Run(gctx) })
	g.Go(func() error { return display.Pump(gctx, a.driver.Estimates(), a.agg, a.sinks...) })

	if err := a.startCapture(gctx); err != nil {
		a.log.Error("failed to start audio capture", "err", err)
		return abort(fmt.Errorf("app: start capture: %w", err))
	}
	defer a.stopCapture()

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return abort(fmt.Errorf("app: listen %q: %w", addr, err))
		}
		srv := &http.Server{Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
		a.log.Info("http server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			// Websocket connections are hijacked, so the hub closes them.
			a.hub.Close()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) startCapture(ctx context.Context) error {
	err := a.src.Start(func(c audio.Chunk) {
		a.ring.Push(c.Samples)
		a.metrics.CaptureCallbacks.Add(ctx, 1)
	})
	if err != nil {
		return err
	}
	a.capturing.Store(true)
	a.log.Info("audio capture started", "format", a.src.Format().String())
	return nil
}

func (a *App) stopCapture() {
	if !a.capturing.Swap(false) {
		return
	}
	if err := a.src.Stop(); err != nil {
		a.log.Warn("audio source stop error", "err", err)
		return
	}
	a.log.Info("audio capture stopped")
}

// Reload re-reads the config file immediately instead of waiting for the
// next poll. It is a no-op unless Run is active with a config path.
func (a *App) Reload() {
	if w := a.watcher.Load(); w != nil {
		w.Reload()
	}
}

// applyConfig is the hot-reload callback for [config.Watcher].
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.DisplayChanged {
		if err := a.agg.SetSettings(SettingsFrom(d.NewDisplay)); err != nil {
			a.log.Warn("display settings rejected", "err", err)
		} else {
			a.hub.PublishSettings(a.agg.Settings())
			a.log.Info("display settings reloaded")
		}
	}
	for _, section := range d.RestartRequired {
		a.log.Warn("config change requires restart", "section", section)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops capture, disconnects display clients and closes the
// estimator. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.stopCapture()
		a.hub.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the registered closers after a failed New.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

func (a *App) getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.agg.Settings())
}

// putSettings applies a partial settings update: fields missing from the
// body keep their current value.
func (a *App) putSettings(w http.ResponseWriter, r *http.Request) {
	s := a.agg.Settings()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&s); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.agg.SetSettings(s); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	updated := a.agg.Settings()
	a.hub.PublishSettings(updated)
	observe.WithTrace(r.Context(), a.log).Info("display settings updated", "steps_per_display", updated.StepsPerDisplay)
	writeJSON(w, http.StatusOK, updated)
}

type statsResponse struct {
	SessionID      string    `json:"session_id"`
	Frames         uint64    `json:"frames"`
	Anomalies      uint64    `json:"anomalies"`
	DroppedSamples uint64    `json:"dropped_samples"`
	Overruns       uint64    `json:"overruns"`
	Backlog        int       `json:"backlog"`
	LastFrame      time.Time `json:"last_frame"`
	Running        bool      `json:"running"`
	Clients        int       `json:"clients"`

	// Backends reports breaker states when a fallback backend is configured.
	Backends map[string]string `json:"backends,omitempty"`
}

func (a *App) getStats(w http.ResponseWriter, _ *http.Request) {
	s := a.driver.Stats()
	var backends map[string]string
	if f, ok := a.est.(*resilience.Failover); ok {
		backends = make(map[string]string)
		for name, st := range f.States() {
			backends[name] = st.String()
		}
	}
	writeJSON(w, http.StatusOK, statsResponse{
		SessionID:      a.sessionID,
		Frames:         s.Frames,
		Anomalies:      s.Anomalies,
		DroppedSamples: s.DroppedSamples,
		Overruns:       s.Overruns,
		Backlog:        s.Backlog,
		LastFrame:      s.LastFrame,
		Running:        s.Running,
		Clients:        a.hub.Clients(),
		Backends:       backends,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SettingsFrom converts the display config section to aggregator settings.
func SettingsFrom(c config.DisplayConfig) display.Settings {
	s := display.DefaultSettings()
	s.StepsPerDisplay = c.StepsPerDisplay
	s.ConfidenceThreshold = c.ConfidenceThreshold
	s.DisplayRange = display.Range{Min: c.DisplayRange[0], Max: c.DisplayRange[1]}
	s.TargetRange = display.Range{Min: c.TargetRange[0], Max: c.TargetRange[1]}
	if c.TargetColor != "" {
		s.TargetColor = c.TargetColor
	}
	if c.LabelColor != "" {
		s.LabelColor = c.LabelColor
	}
	return s
}

// metadata returns the bin layout of est. Backends that do not carry a
// manifest use the standard CREPE layout.
func metadata(est pitch.Estimator) weights.Metadata {
	if m, ok := est.(interface{ Metadata() weights.Metadata }); ok {
		return m.Metadata().WithDefaults()
	}
	return weights.DefaultMetadata()
}

func modelName(est pitch.Estimator) string {
	if m, ok := est.(interface{ Model() string }); ok {
		return m.Model()
	}
	return fmt.Sprintf("%T", est)
}
