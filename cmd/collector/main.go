package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"gridcollect/internal/collector"
	"gridcollect/internal/config"
	"gridcollect/internal/persistence/indexdb"
	"gridcollect/internal/transport/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "collector [key=value ...]",
		Short: "Collect worker results into row-ordered ASCII rasters",
		Long: `collector receives per-cell simulation results, reorders them per
(period, rotation) and appends completed rows to one ASCII raster per output
variable, crop and management count.

port, start-row and server may also be given as key=value arguments.`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, args)
			if err != nil {
				return err
			}
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := signalContext()
			defer cancel()
			return run(ctx, cfg, logger)
		},
	}
	f := cmd.Flags()
	f.String("config", "", "path to collector.yaml (optional)")
	f.Int("port", 0, "queue port")
	f.Int("start-row", 0, "first row to expect (restart after a crash)")
	f.String("server", "", "distributor host in dial mode")
	f.String("mode", "", "queue mode: dial|listen")
	f.String("http", "", "serve /healthz and /metrics on this address")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// resolveConfig layers defaults, the YAML file, key=value arguments and flags,
// in that order.
func resolveConfig(cmd *cobra.Command, args []string) (config.Config, error) {
	f := cmd.Flags()
	cfg := config.Defaults()
	if path, _ := f.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			return cfg, fmt.Errorf("argument %q: want key=value", a)
		}
		if err := cfg.Set(k, v); err != nil {
			return cfg, err
		}
	}
	if f.Changed("port") {
		cfg.Queue.Port, _ = f.GetInt("port")
	}
	if f.Changed("start-row") {
		cfg.StartRow, _ = f.GetInt("start-row")
	}
	if f.Changed("server") {
		cfg.Queue.Server, _ = f.GetString("server")
	}
	if f.Changed("mode") {
		cfg.Queue.Mode, _ = f.GetString("mode")
	}
	if f.Changed("http") {
		cfg.HTTP.Listen, _ = f.GetString("http")
	}
	return cfg, cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))
	logger.Info("starting",
		zap.String("mode", cfg.Queue.Mode),
		zap.Int("port", cfg.Queue.Port),
		zap.Int("start_row", cfg.StartRow),
		zap.String("output", cfg.Output.Dir),
	)

	p, err := collector.NewPipeline(cfg, runID, logger)
	if err != nil {
		return err
	}
	status := "failed"
	defer func() {
		if err := p.Close(status); err != nil {
			logger.Warn("close", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	opts := ws.Options{MaxMessageBytes: cfg.Queue.MaxMessageBytes, Buffer: cfg.Queue.Buffer}
	var (
		q       collector.Queue
		servers []*http.Server
		closers []func() error
	)
	switch cfg.Queue.Mode {
	case config.QueueListen:
		wsSrv := ws.NewServer(opts, logger.Named("queue"))
		mux := http.NewServeMux()
		mux.Handle(cfg.Queue.Path, wsSrv.Handler())
		if cfg.HTTP.Listen == "" {
			mux.Handle("/", p.Collector.Handler())
		}
		servers = append(servers, &http.Server{Addr: cfg.ListenAddr(), Handler: mux, ReadHeaderTimeout: 10 * time.Second})
		closers = append(closers, wsSrv.Close)
		q = wsSrv
	default:
		client, err := ws.Dial(ctx, cfg.QueueURL(), opts, logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.QueueURL(), err)
		}
		closers = append(closers, client.Close)
		q = client
	}
	if cfg.HTTP.Listen != "" {
		servers = append(servers, &http.Server{Addr: cfg.HTTP.Listen, Handler: p.Collector.Handler(), ReadHeaderTimeout: 10 * time.Second})
	}

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-runCtx.Done()
		for _, c := range closers {
			_ = c()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return nil
	})

	var sum collector.Summary
	g.Go(func() error {
		defer stop()
		var err error
		sum, err = p.Collector.Run(runCtx, q)
		return err
	})

	err = g.Wait()
	switch {
	case err == nil:
		status = "finished"
		logger.Info("done", zap.Uint64("messages", sum.Messages), zap.Uint64("rows", sum.Rows), zap.Uint64("rejected", sum.Rejected))
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		status = "interrupted"
		logger.Warn("interrupted; buffered rows are lost, restart with --start-row", zap.Uint64("messages", sum.Messages))
		logRestartRows(p, logger)
		return nil
	default:
		logger.Error("collector stopped", zap.Error(err))
		return err
	}
}

type progressSource interface {
	Progress() ([]indexdb.ScenarioProgress, error)
}

// logRestartRows logs the first unwritten row of every scenario the index
// has seen.
func logRestartRows(src progressSource, logger *zap.Logger) {
	prog, err := src.Progress()
	if err != nil {
		logger.Warn("read progress", zap.Error(err))
		return
	}
	for _, sp := range prog {
		logger.Warn("restart hint",
			zap.String("period", sp.Period),
			zap.String("rotation", sp.Rotation),
			zap.Int("restart_row", sp.LastRow+1),
		)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
