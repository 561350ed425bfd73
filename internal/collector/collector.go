package collector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"gridcollect/internal/aggregator"
	"gridcollect/internal/persistence/indexdb"
	"gridcollect/internal/protocol"
	"gridcollect/internal/result"
	"gridcollect/internal/transport/ws"
)

var (
	// ErrTransport wraps a closed or failed queue.
	ErrTransport = errors.New("collector: transport failed")
	// ErrMessage wraps a message that cannot be processed.
	ErrMessage = errors.New("collector: bad message")
)

// Queue is the inbound side of the transport.
type Queue interface {
	Poll(ctx context.Context, timeout time.Duration) (ws.Polled, error)
}

// Journal records raw input and write progress.
type Journal interface {
	WriteMessage(raw []byte) error
	WriteFlush(period, rotation string, row, nodataRows, cells int) error
	WriteReject(period, rotation string, row, col int, reason string) error
	WriteFinish(reason string) error
}

// Index is the queryable progress read-model.
type Index interface {
	RecordFlush(runID, period, rotation string, row, nodataRows, cells int)
	RecordReject(runID, customID, reason string)
	Stats() indexdb.Stats
}

type Options struct {
	RunID        string
	RecvTimeout  time.Duration
	FinishPolicy aggregator.FinishPolicy
	// Journal and Index are optional.
	Journal Journal
	Index   Index
	// OnFinish runs after the finish policy was applied, e.g. to archive.
	OnFinish func(aggregator.FinishReport) error
}

type Collector struct {
	agg  *aggregator.Aggregator
	opts Options
	log  *zap.Logger

	seq      uint64
	lastRecv time.Time

	m        metrics
	progress atomic.Pointer[[]aggregator.Progress]
}

type Summary struct {
	Messages uint64
	Rejected uint64
	Rows     uint64
	Finish   aggregator.FinishReport
}

func New(agg *aggregator.Aggregator, opts Options, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = 10 * time.Second
	}
	if opts.FinishPolicy == "" {
		opts.FinishPolicy = aggregator.FinishFlush
	}
	c := &Collector{agg: agg, opts: opts, log: logger.Named("collector")}
	c.publishProgress()
	return c
}

// Run polls q until a finish message arrives, ctx is done, or a fatal error
// occurs. Each message is fully ingested before the next poll.
func (c *Collector) Run(ctx context.Context, q Queue) (Summary, error) {
	c.lastRecv = time.Now()
	c.m.startedUnix.Store(c.lastRecv.Unix())
	for {
		p, err := q.Poll(ctx, c.opts.RecvTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return c.summary(aggregator.FinishReport{}), ctx.Err()
			}
			return c.summary(aggregator.FinishReport{}), fmt.Errorf("%w: %v", ErrTransport, err)
		}
		if p.Status == ws.StatusTimeout {
			c.liveness()
			continue
		}

		done, rep, err := c.Handle(p.Payload)
		if err != nil {
			return c.summary(rep), err
		}
		if done {
			return c.summary(rep), nil
		}
	}
}

// Handle processes one raw payload. It reports done once a finish message has
// been handled.
func (c *Collector) Handle(raw []byte) (done bool, fin aggregator.FinishReport, err error) {
	c.seq++
	c.lastRecv = time.Now()
	c.m.messages.Add(1)
	c.m.lastMessageUnix.Store(c.lastRecv.Unix())

	if c.opts.Journal != nil {
		if err := c.opts.Journal.WriteMessage(raw); err != nil {
			return false, fin, fmt.Errorf("journal: %w", err)
		}
	}

	msg, err := protocol.Decode(raw)
	if err != nil {
		return false, fin, fmt.Errorf("%w: message %d: %w", ErrMessage, c.seq, err)
	}
	if msg.Type == protocol.TypeFinish {
		fin, err = c.finish()
		return true, fin, err
	}

	id, err := protocol.ParseCustomID(msg.CustomID)
	if err != nil {
		return false, fin, fmt.Errorf("%w: message %d: %w", ErrMessage, c.seq, err)
	}
	res, err := result.Decode(msg.Data, func(s result.Skip) {
		c.m.skipped.Add(1)
		c.log.Warn("skipped output row",
			zap.String("custom_id", msg.CustomID),
			zap.Int("section", s.Section),
			zap.Int("row", s.Row),
			zap.String("reason", s.Reason),
		)
	})
	if err != nil {
		return false, fin, fmt.Errorf("%w: %s: %w", ErrMessage, msg.CustomID, err)
	}

	key := aggregator.ScenarioKey{Period: id.Period, Rotation: id.Rotation}
	rep, err := c.agg.Ingest(key, id.Row, id.Col, res)
	if err != nil {
		if !aggregator.IsRejected(err) {
			return false, fin, fmt.Errorf("%w: %s: %w", ErrMessage, msg.CustomID, err)
		}
		c.reject(id, err)
		return false, fin, nil
	}
	c.m.results.Add(1)

	c.log.Debug("received",
		zap.Uint64("seq", c.seq),
		zap.String("custom_id", msg.CustomID),
		zap.Int("next_row", rep.Next),
		zap.Int("remaining_in_row", rep.Remaining),
	)

	if err := c.record(rep); err != nil {
		return false, fin, err
	}
	c.publishProgress()
	return false, fin, nil
}

// record accounts for the rows rep handed to the sink.
func (c *Collector) record(rep aggregator.Report) error {
	key := rep.Key
	for _, f := range rep.Flushed {
		c.m.rows.Add(1)
		c.m.nodataRows.Add(uint64(f.NoDataRows))
		if c.opts.Index != nil {
			c.opts.Index.RecordFlush(c.opts.RunID, key.Period, key.Rotation, f.Row, f.NoDataRows, f.Cells)
		}
		if c.opts.Journal != nil {
			if err := c.opts.Journal.WriteFlush(key.Period, key.Rotation, f.Row, f.NoDataRows, f.Cells); err != nil {
				return fmt.Errorf("journal: %w", err)
			}
		}
	}
	if rep.Completed {
		c.m.complete.Add(1)
	}
	return nil
}

func (c *Collector) reject(id protocol.CellID, err error) {
	c.m.rejected.Add(1)
	c.log.Warn("rejected cell", zap.String("custom_id", id.String()), zap.Error(err))
	if c.opts.Index != nil {
		c.opts.Index.RecordReject(c.opts.RunID, id.String(), err.Error())
	}
	if c.opts.Journal != nil {
		if jerr := c.opts.Journal.WriteReject(id.Period, id.Rotation, id.Row, id.Col, err.Error()); jerr != nil {
			c.log.Warn("journal reject", zap.Error(jerr))
		}
	}
}

func (c *Collector) finish() (aggregator.FinishReport, error) {
	c.log.Info("finish received", zap.Uint64("messages", c.seq), zap.String("policy", string(c.opts.FinishPolicy)))
	if c.opts.Journal != nil {
		if err := c.opts.Journal.WriteFinish(string(c.opts.FinishPolicy)); err != nil {
			return aggregator.FinishReport{}, fmt.Errorf("journal: %w", err)
		}
	}
	rep, err := c.agg.Finish(c.opts.FinishPolicy)
	for _, dr := range rep.Drained {
		if rerr := c.record(dr); rerr != nil && err == nil {
			err = rerr
		}
	}
	c.publishProgress()
	if err != nil {
		return rep, err
	}
	if c.opts.OnFinish != nil {
		if err := c.opts.OnFinish(rep); err != nil {
			return rep, err
		}
	}
	c.log.Info("run finished",
		zap.Int("scenarios", rep.Scenarios),
		zap.Int("incomplete", len(rep.Incomplete)),
		zap.Int("partial_rows", rep.PartialRows),
		zap.Uint64("rows", c.m.rows.Load()),
		zap.Uint64("rejected", c.m.rejected.Load()),
	)
	return rep, nil
}

// liveness reports progress while no message arrives.
func (c *Collector) liveness() {
	c.m.timeouts.Add(1)
	c.publishProgress()
	prog := *c.progress.Load()

	var open, buffered int
	for _, p := range prog {
		if p.Complete {
			continue
		}
		open++
		buffered += p.BufferedCells
	}
	c.log.Info("waiting for results",
		zap.Duration("idle", time.Since(c.lastRecv).Round(time.Millisecond)),
		zap.Uint64("messages", c.seq),
		zap.Int("scenarios", len(prog)),
		zap.Int("open_scenarios", open),
		zap.Int("buffered_cells", buffered),
	)
	for _, p := range prog {
		if p.Complete {
			continue
		}
		c.log.Debug("scenario progress",
			zap.String("period", p.Key.Period),
			zap.String("rotation", p.Key.Rotation),
			zap.Int("next_row", p.Next),
			zap.Int("buffered_rows", p.BufferedRows),
			zap.Int("buffered_cells", p.BufferedCells),
			zap.Int("pending_nodata", p.PendingNoData),
		)
	}
}

func (c *Collector) publishProgress() {
	p := c.agg.Progress()
	c.progress.Store(&p)
}

func (c *Collector) summary(fin aggregator.FinishReport) Summary {
	return Summary{
		Messages: c.m.messages.Load(),
		Rejected: c.m.rejected.Load(),
		Rows:     c.m.rows.Load(),
		Finish:   fin,
	}
}

// Stats reports the counters accumulated so far.
func (c *Collector) Stats() Summary {
	return c.summary(aggregator.FinishReport{})
}
