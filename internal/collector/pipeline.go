package collector

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gridcollect/internal/aggregator"
	"gridcollect/internal/config"
	"gridcollect/internal/grid"
	"gridcollect/internal/persistence/archive"
	"gridcollect/internal/persistence/indexdb"
	jlog "gridcollect/internal/persistence/log"
	"gridcollect/internal/raster"
)

// Pipeline is a collector wired to its mask, writer, journal and index.
type Pipeline struct {
	RunID     string
	Collector *Collector
	Writer    *raster.Writer

	journal *jlog.Journal
	index   *indexdb.SQLiteIndex
	log     *zap.Logger
}

// NewPipeline loads the mask template and opens every sink cfg enables.
func NewPipeline(cfg config.Config, runID string, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := aggregator.ParseFinishPolicy(cfg.FinishPolicy)
	if err != nil {
		return nil, err
	}

	h := cfg.Grid.Header
	mask, err := grid.LoadMask(cfg.Grid.Template, h.NRows, h.NCols)
	if err != nil {
		return nil, fmt.Errorf("mask: %w", err)
	}
	logger.Info("mask loaded",
		zap.String("template", cfg.Grid.Template),
		zap.Int("rows", mask.Rows()),
		zap.Int("cols", mask.Cols()),
		zap.Int("data_cells", mask.Total()),
	)

	p := &Pipeline{RunID: runID, log: logger}
	if !cfg.Index.Disable {
		p.index, err = indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			return nil, fmt.Errorf("index: %w", err)
		}
		if err := p.index.BeginRun(indexdb.Run{ID: runID, StartRow: cfg.StartRow, Mode: cfg.Queue.Mode, OutputDir: cfg.Output.Dir}); err != nil {
			_ = p.index.Close()
			return nil, fmt.Errorf("index: %w", err)
		}
	}
	if !cfg.Journal.Disable {
		p.journal = jlog.NewJournal(cfg.Journal.Dir, runID)
		if err := p.journal.WriteStart(cfg.StartRow, cfg.Queue.Mode); err != nil {
			_ = p.Close("failed")
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	wcfg := raster.WriterConfig{
		Dir:      cfg.Output.Dir,
		Header:   h,
		Vars:     cfg.Variables,
		Mask:     mask,
		StartRow: cfg.StartRow,
	}
	if p.index != nil {
		idx := p.index
		wcfg.OnCreate = func(path string, k raster.FileKey) {
			idx.RecordFile(path, k.Period, k.Rotation, k.Crop, k.CMCount, k.Variable)
		}
	}
	p.Writer, err = raster.NewWriter(wcfg, logger)
	if err != nil {
		_ = p.Close("failed")
		return nil, err
	}
	agg, err := aggregator.New(mask, p.Writer, cfg.StartRow, logger)
	if err != nil {
		_ = p.Close("failed")
		return nil, err
	}

	opts := Options{
		RunID:        runID,
		RecvTimeout:  cfg.RecvTimeout(),
		FinishPolicy: policy,
	}
	if p.journal != nil {
		opts.Journal = p.journal
	}
	if p.index != nil {
		opts.Index = p.index
	}
	if cfg.Output.Archive {
		outDir, archDir := cfg.Output.Dir, cfg.ArchiveDir()
		opts.OnFinish = func(aggregator.FinishReport) error {
			metas, err := archive.ArchiveRun(outDir, archDir, runID, p.Writer.Files())
			if err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			for _, m := range metas {
				logger.Info("archived period", zap.String("period", m.Period), zap.Int("files", len(m.Files)), zap.String("dir", archDir))
			}
			return nil
		}
	}
	p.Collector = New(agg, opts, logger)
	return p, nil
}

// Progress returns the highest written row per scenario as recorded in the
// index, or nothing when the index is disabled. Restart a scenario at
// LastRow+1.
func (p *Pipeline) Progress() ([]indexdb.ScenarioProgress, error) {
	if p.index == nil {
		return nil, nil
	}
	return p.index.Progress()
}

// Close records the run status and releases the journal and index.
func (p *Pipeline) Close(status string) error {
	var errs []error
	if p.index != nil {
		if err := p.index.EndRun(p.RunID, status); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, p.index.Close())
	}
	if p.journal != nil {
		errs = append(errs, p.journal.Close())
	}
	return errors.Join(errs...)
}
