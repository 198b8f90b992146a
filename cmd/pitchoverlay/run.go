package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pitchoverlay/internal/app"
	"github.com/MrWong99/pitchoverlay/internal/config"
	"github.com/MrWong99/pitchoverlay/internal/display"
	"github.com/MrWong99/pitchoverlay/internal/observe"
)

// sessionFlags are shared by run and listen.
type sessionFlags struct {
	tone    float64
	device  string
	backend string
	listen  string
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.tone, "tone", 0, "use a synthetic sine tone of this frequency (Hz) instead of a device")
	cmd.Flags().StringVar(&f.device, "device", "", "capture device name substring (overrides audio.device)")
	cmd.Flags().StringVar(&f.backend, "backend", "", "inference backend: native or onnx (overrides model.backend)")
	cmd.Flags().StringVar(&f.listen, "listen", "", "HTTP listen address (overrides server.listen_addr)")
}

// apply overlays the flags on cfg and revalidates it.
func (f *sessionFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if f.tone > 0 {
		cfg.Audio.Source = config.SourceTone
		cfg.Audio.Tone.FrequencyHz = f.tone
	}
	if f.device != "" {
		cfg.Audio.Device = f.device
	}
	if f.backend != "" {
		cfg.Model.Backend = config.Backend(f.backend)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.ListenAddr = f.listen
	}
	return config.Validate(cfg)
}

func newRunCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline and serve the pitch stream over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, &flags, serveHooks{})
		},
	}
	flags.register(cmd)
	return cmd
}

func newListenCmd() *cobra.Command {
	var (
		flags  sessionFlags
		width  int
		scroll bool
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the pipeline and draw the pitch in the terminal",
		Long: `listen runs the same pipeline as run but renders every display point as a
terminal line. The HTTP server stays off unless --listen is given.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var a *app.App
			term := display.NewTerminal(cmd.OutOrStdout(),
				func() display.Settings { return a.Aggregator().Settings() },
				display.WithWidth(width),
				display.WithInPlace(!scroll),
			)
			return serve(cmd, &flags, serveHooks{
				configure: func(cfg *config.Config) []app.Option {
					if !cmd.Flags().Changed("listen") {
						cfg.Server.ListenAddr = ""
					}
					return []app.Option{app.WithSink(term)}
				},
				ready: func(created *app.App) { a = created },
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&width, "width", display.DefaultTerminalWidth, "width of the frequency strip in cells")
	cmd.Flags().BoolVar(&scroll, "scroll", false, "print one line per point instead of redrawing in place")
	return cmd
}

// serveHooks let a command adjust the session. Both are optional.
type serveHooks struct {
	// configure may edit cfg and returns extra app options.
	configure func(cfg *config.Config) []app.Option

	// ready receives the app before it starts running.
	ready func(*app.App)
}

// serve loads the config, builds the app and runs it until SIGINT/SIGTERM.
func serve(cmd *cobra.Command, flags *sessionFlags, hooks serveHooks) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return err
	}
	var extra []app.Option
	if hooks.configure != nil {
		extra = hooks.configure(cfg)
	}

	logger, level := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("pitchoverlay starting",
		"version", version,
		"config", path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"backend", cfg.Model.Backend,
		"source", cfg.Audio.Source,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(ctx, observe.TelemetryConfig{
		ServiceName:    cfg.Observe.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
		app.WithScrapeHandler(tel.Handler()),
	}
	if path != "" {
		opts = append(opts, app.WithConfigPath(path))
	}
	opts = append(opts, extra...)
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	if hooks.ready != nil {
		hooks.ready(application)
	}

	// SIGHUP re-reads the config file without waiting for the next poll.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				application.Reload()
			}
		}
	}()

	slog.Info("pipeline ready, press Ctrl+C to stop", "session", application.SessionID())

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if runErr == nil {
		slog.Info("goodbye")
	}
	return runErr
}
