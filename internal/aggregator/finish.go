package aggregator

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FinishPolicy decides what happens to rows still buffered when the finish
// signal arrives.
type FinishPolicy string

const (
	// FinishFlush writes every remaining row, missing cells as NODATA.
	FinishFlush FinishPolicy = "flush"
	// FinishWarn drops remaining rows and logs what was lost.
	FinishWarn FinishPolicy = "warn"
	// FinishFail aborts the run if any scenario is incomplete.
	FinishFail FinishPolicy = "fail"
)

var ErrIncomplete = errors.New("aggregator: scenarios incomplete at finish")

func ParseFinishPolicy(s string) (FinishPolicy, error) {
	switch p := FinishPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FinishFlush, FinishWarn, FinishFail:
		return p, nil
	case "":
		return FinishFlush, nil
	default:
		return "", fmt.Errorf("unknown finish policy %q (want flush|warn|fail)", s)
	}
}

// Incomplete describes a scenario that had not reached its last row.
type Incomplete struct {
	Key           ScenarioKey
	Next          int
	RowsLeft      int
	BufferedCells int
	MissingCells  int
}

type FinishReport struct {
	Scenarios  int
	Incomplete []Incomplete
	// PartialRows counts rows written with missing cells under FinishFlush.
	PartialRows int
	// Drained holds, per scenario, the rows FinishFlush handed to the sink.
	Drained []Report
}

// Finish settles every scenario according to policy. Scenarios are handled in
// key order.
func (a *Aggregator) Finish(policy FinishPolicy) (FinishReport, error) {
	rep := FinishReport{Scenarios: len(a.scenarios)}
	for _, key := range a.sortedKeys() {
		sc := a.scenarios[key]
		if sc.complete {
			continue
		}
		inc := a.describe(key, sc)
		rep.Incomplete = append(rep.Incomplete, inc)

		fields := []zap.Field{
			zap.String("period", key.Period),
			zap.String("rotation", key.Rotation),
			zap.Int("next_row", inc.Next),
			zap.Int("rows_left", inc.RowsLeft),
			zap.Int("buffered_cells", inc.BufferedCells),
			zap.Int("missing_cells", inc.MissingCells),
		}
		switch policy {
		case FinishFlush:
			dr, n, err := a.drain(key, sc)
			rep.PartialRows += n
			rep.Drained = append(rep.Drained, dr)
			if err != nil {
				return rep, err
			}
			a.log.Warn("flushed incomplete scenario at finish", append(fields, zap.Int("partial_rows", n))...)
		case FinishWarn:
			sc.pending = map[int]Cells{}
			sc.buffered = 0
			sc.complete = true
			a.log.Warn("dropped incomplete scenario at finish", fields...)
		case FinishFail:
			a.log.Error("incomplete scenario at finish", fields...)
		default:
			return rep, fmt.Errorf("unknown finish policy %q", policy)
		}
	}
	if policy == FinishFail && len(rep.Incomplete) > 0 {
		first := rep.Incomplete[0]
		return rep, fmt.Errorf("%w: %d scenario(s), first %s stopped at row %d with %d cells missing",
			ErrIncomplete, len(rep.Incomplete), first.Key, first.Next, first.MissingCells)
	}
	return rep, nil
}

func (a *Aggregator) describe(key ScenarioKey, sc *scenario) Incomplete {
	inc := Incomplete{
		Key:           key,
		Next:          sc.next,
		RowsLeft:      a.mask.Rows() - sc.next,
		BufferedCells: sc.buffered,
	}
	for r := sc.next; r < a.mask.Rows(); r++ {
		inc.MissingCells += sc.remaining[r]
	}
	return inc
}

// drain writes every row from the cursor to the end regardless of completeness.
func (a *Aggregator) drain(key ScenarioKey, sc *scenario) (rep Report, partial int, err error) {
	rep.Key = key
	for sc.next < a.mask.Rows() {
		r := sc.next
		if a.mask.Count(r) == 0 {
			sc.nodata++
			sc.next++
			continue
		}
		if sc.remaining[r] != 0 {
			partial++
		}
		cells := sc.pending[r]
		if cells == nil {
			cells = Cells{}
		}
		if err := a.flush(key, sc, r, cells, &rep); err != nil {
			return rep, partial, err
		}
	}
	err = a.complete(key, sc, &rep)
	rep.Next = sc.next
	return rep, partial, err
}
