package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"gridcollect/internal/collector"
	"gridcollect/internal/config"
	jlog "gridcollect/internal/persistence/log"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type replayOptions struct {
	configPath string
	journalDir string
	outDir     string
	runID      string
	finish     bool
	index      bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var o replayOptions
	cmd := &cobra.Command{
		Use:   "replay --out DIR",
		Short: "Rebuild rasters from a collector journal",
		Long: `replay feeds the messages recorded in a collector journal through a fresh
collector, writing rasters to --out. It replays the latest run unless --run
names one.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(o.verbose)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			sum, err := replay(o, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed run=%s messages=%d rows=%d rejected=%d finished=%v\n",
				sum.Source, sum.Messages, sum.Rows, sum.Rejected, sum.Finished)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "collector.yaml of the recorded run (optional)")
	f.StringVar(&o.journalDir, "journal", "", "journal directory (default: journal.dir of the config)")
	f.StringVar(&o.outDir, "out", "", "output directory for rebuilt rasters")
	f.StringVar(&o.runID, "run", "", "run id to replay (default: latest in the journal)")
	f.BoolVar(&o.finish, "finish", false, "apply the finish policy when the journal has no finish message")
	f.BoolVar(&o.index, "index", false, "record the replay in the index db")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	_ = cmd.MarkFlagRequired("out")
	return cmd
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

type replaySummary struct {
	Source   string
	Messages int
	Rows     uint64
	Rejected uint64
	Finished bool
}

var errStop = errors.New("stop")

// runInfo lists run ids in journal order with their start rows.
type runInfo struct {
	ids      []string
	startRow map[string]int
}

func scanRuns(dir string) (runInfo, error) {
	ri := runInfo{startRow: map[string]int{}}
	seen := map[string]bool{}
	err := jlog.ReadDir(dir, func(e jlog.Entry) error {
		if !seen[e.RunID] {
			seen[e.RunID] = true
			ri.ids = append(ri.ids, e.RunID)
		}
		if e.Kind == jlog.KindStart {
			ri.startRow[e.RunID] = e.Row
		}
		return nil
	})
	return ri, err
}

func replay(o replayOptions, logger *zap.Logger) (replaySummary, error) {
	var sum replaySummary
	cfg := config.Defaults()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return sum, err
		}
	}
	if o.journalDir == "" {
		o.journalDir = cfg.Journal.Dir
	}

	runs, err := scanRuns(o.journalDir)
	if err != nil {
		return sum, fmt.Errorf("scan journal: %w", err)
	}
	src := o.runID
	if src == "" {
		if len(runs.ids) == 0 {
			return sum, fmt.Errorf("journal %s is empty", o.journalDir)
		}
		src = runs.ids[len(runs.ids)-1]
	}
	start, ok := runs.startRow[src]
	if !ok {
		return sum, fmt.Errorf("run %s not found in %s", src, o.journalDir)
	}
	sum.Source = src

	cfg.Output.Dir = o.outDir
	cfg.StartRow = start
	cfg.Journal.Disable = true
	cfg.Index.Disable = !o.index
	if err := cfg.Validate(); err != nil {
		return sum, err
	}

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID), zap.String("source_run", src))
	p, err := collector.NewPipeline(cfg, runID, logger)
	if err != nil {
		return sum, err
	}
	status := "failed"
	defer func() { _ = p.Close(status) }()

	err = jlog.ReadDir(o.journalDir, func(e jlog.Entry) error {
		if e.RunID != src || e.Kind != jlog.KindMessage {
			return nil
		}
		sum.Messages++
		done, _, err := p.Collector.Handle(e.Message)
		if err != nil {
			return fmt.Errorf("journal seq %d: %w", e.Seq, err)
		}
		if done {
			sum.Finished = true
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return sum, err
	}
	if !sum.Finished && o.finish {
		logger.Warn("journal has no finish message, finishing anyway")
		if _, _, err := p.Collector.Handle([]byte(`{"type":"finish"}`)); err != nil {
			return sum, err
		}
		sum.Finished = true
	}

	st := p.Collector.Stats()
	sum.Rows, sum.Rejected = st.Rows, st.Rejected
	status = "replayed"
	return sum, nil
}
