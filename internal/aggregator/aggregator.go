// Package aggregator reassembles out-of-order cell results into strictly
// ascending grid rows, one independent stream per (period, rotation).
package aggregator

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"gridcollect/internal/grid"
	"gridcollect/internal/result"
)

var (
	// ErrOutOfRange is fatal: the cell does not exist in the grid.
	ErrOutOfRange = errors.New("aggregator: cell out of range")

	// Rejected cells. Nothing is stored; the run may continue.
	ErrMaskedCell    = errors.New("aggregator: cell is masked out")
	ErrStaleRow      = errors.New("aggregator: row already flushed")
	ErrDuplicateCell = errors.New("aggregator: cell already received")
)

// IsRejected reports whether err is a per-cell rejection rather than a failure.
func IsRejected(err error) bool {
	return errors.Is(err, ErrMaskedCell) || errors.Is(err, ErrStaleRow) || errors.Is(err, ErrDuplicateCell)
}

// ScenarioKey identifies one independent row stream.
type ScenarioKey struct {
	Period   string
	Rotation string
}

func (k ScenarioKey) String() string { return k.Period + "/" + k.Rotation }

func (k ScenarioKey) less(o ScenarioKey) bool {
	if k.Period != o.Period {
		return k.Period < o.Period
	}
	return k.Rotation < o.Rotation
}

// Cells holds the results buffered for one row, by column.
type Cells map[int]result.Result

// Sink receives rows in strictly ascending order per scenario.
type Sink interface {
	// WriteRow emits nodataRows all-NODATA lines followed by row.
	WriteRow(key ScenarioKey, row int, cells Cells, nodataRows int) error
	// Complete emits the trailing nodataRows lines once the last row is reached.
	Complete(key ScenarioKey, nodataRows int) error
}

type scenario struct {
	remaining []int
	pending   map[int]Cells
	next      int
	nodata    int
	buffered  int
	complete  bool
}

// Aggregator buffers cells per scenario and hands rows to its Sink in
// ascending order. It is not safe for concurrent use.
type Aggregator struct {
	mask     *grid.Mask
	sink     Sink
	startRow int
	log      *zap.Logger

	scenarios map[ScenarioKey]*scenario
}

// New returns an Aggregator whose scenarios start at startRow. Rows before it
// are never written.
func New(mask *grid.Mask, sink Sink, startRow int, logger *zap.Logger) (*Aggregator, error) {
	if mask == nil || sink == nil {
		return nil, fmt.Errorf("aggregator: mask and sink are required")
	}
	if startRow < 0 || startRow > mask.Rows() {
		return nil, fmt.Errorf("aggregator: start row %d outside [0,%d]", startRow, mask.Rows())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		mask:      mask,
		sink:      sink,
		startRow:  startRow,
		log:       logger,
		scenarios: map[ScenarioKey]*scenario{},
	}, nil
}

// FlushedRow describes one row handed to the sink.
type FlushedRow struct {
	Row        int
	NoDataRows int
	Cells      int
}

// Report is what one Ingest (or one scenario drained at finish) did.
type Report struct {
	Key ScenarioKey
	// Remaining is the number of cells still expected for the ingested row.
	Remaining int
	Next      int
	Flushed   []FlushedRow
	Completed bool
}

// Ingest buffers one cell result and flushes every row that became ready.
func (a *Aggregator) Ingest(key ScenarioKey, row, col int, res result.Result) (Report, error) {
	rep := Report{Key: key}
	if row < 0 || row >= a.mask.Rows() || col < 0 || col >= a.mask.Cols() {
		return rep, fmt.Errorf("%w: %s row=%d col=%d grid=%dx%d", ErrOutOfRange, key, row, col, a.mask.Rows(), a.mask.Cols())
	}

	sc := a.scenario(key)
	rep.Next = sc.next
	switch {
	case !a.mask.Data(row, col):
		return rep, fmt.Errorf("%w: %s row=%d col=%d", ErrMaskedCell, key, row, col)
	case sc.complete || row < sc.next:
		return rep, fmt.Errorf("%w: %s row=%d next=%d", ErrStaleRow, key, row, sc.next)
	}
	cells, ok := sc.pending[row]
	if !ok {
		cells = Cells{}
		sc.pending[row] = cells
	}
	if _, dup := cells[col]; dup {
		return rep, fmt.Errorf("%w: %s row=%d col=%d", ErrDuplicateCell, key, row, col)
	}
	cells[col] = res
	sc.remaining[row]--
	sc.buffered++
	rep.Remaining = sc.remaining[row]

	err := a.advance(key, sc, &rep)
	rep.Next = sc.next
	return rep, err
}

func (a *Aggregator) scenario(key ScenarioKey) *scenario {
	sc, ok := a.scenarios[key]
	if !ok {
		sc = &scenario{
			remaining: a.mask.Counts(),
			pending:   map[int]Cells{},
			next:      a.startRow,
		}
		a.scenarios[key] = sc
	}
	return sc
}

// advance moves the cursor over every wholly masked row and every complete
// row, stopping at the first row still waiting for cells.
func (a *Aggregator) advance(key ScenarioKey, sc *scenario, rep *Report) error {
	rows := a.mask.Rows()
	for sc.next < rows {
		r := sc.next
		if a.mask.Count(r) == 0 {
			sc.nodata++
			sc.next++
			continue
		}
		cells, ok := sc.pending[r]
		if !ok || sc.remaining[r] != 0 {
			break
		}
		if err := a.flush(key, sc, r, cells, rep); err != nil {
			return err
		}
	}
	return a.complete(key, sc, rep)
}

func (a *Aggregator) flush(key ScenarioKey, sc *scenario, row int, cells Cells, rep *Report) error {
	if err := a.sink.WriteRow(key, row, cells, sc.nodata); err != nil {
		return fmt.Errorf("write %s row %d: %w", key, row, err)
	}
	rep.Flushed = append(rep.Flushed, FlushedRow{Row: row, NoDataRows: sc.nodata, Cells: len(cells)})
	sc.nodata = 0
	sc.buffered -= len(cells)
	delete(sc.pending, row)
	sc.next = row + 1
	a.log.Debug("wrote row",
		zap.String("period", key.Period),
		zap.String("rotation", key.Rotation),
		zap.Int("row", row),
		zap.Int("next_row", sc.next),
		zap.Int("rows_unwritten", len(sc.pending)),
	)
	return nil
}

func (a *Aggregator) complete(key ScenarioKey, sc *scenario, rep *Report) error {
	if sc.complete || sc.next < a.mask.Rows() {
		return nil
	}
	if err := a.sink.Complete(key, sc.nodata); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	sc.nodata = 0
	sc.complete = true
	rep.Completed = true
	a.log.Info("scenario complete", zap.String("period", key.Period), zap.String("rotation", key.Rotation))
	return nil
}

// Progress is a point-in-time view of one scenario.
type Progress struct {
	Key           ScenarioKey
	Next          int
	BufferedRows  int
	BufferedCells int
	PendingNoData int
	Complete      bool
}

// Progress returns every known scenario ordered by key.
func (a *Aggregator) Progress() []Progress {
	out := make([]Progress, 0, len(a.scenarios))
	for key, sc := range a.scenarios {
		out = append(out, Progress{
			Key:           key,
			Next:          sc.next,
			BufferedRows:  len(sc.pending),
			BufferedCells: sc.buffered,
			PendingNoData: sc.nodata,
			Complete:      sc.complete,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.less(out[j].Key) })
	return out
}

func (a *Aggregator) sortedKeys() []ScenarioKey {
	keys := make([]ScenarioKey, 0, len(a.scenarios))
	for k := range a.scenarios {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}
