package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"gridcollect/internal/aggregator"
	"gridcollect/internal/grid"
	"gridcollect/internal/persistence/indexdb"
	"gridcollect/internal/protocol"
	"gridcollect/internal/raster"
	"gridcollect/internal/transport/ws"
)

type fakeQueue struct {
	items []ws.Polled
}

func (q *fakeQueue) Poll(ctx context.Context, timeout time.Duration) (ws.Polled, error) {
	if len(q.items) == 0 {
		return ws.Polled{}, ws.ErrClosed
	}
	p := q.items[0]
	q.items = q.items[1:]
	return p, nil
}

func (q *fakeQueue) msg(s string) *fakeQueue {
	q.items = append(q.items, ws.Polled{Status: ws.StatusMessage, Payload: []byte(s)})
	return q
}

func (q *fakeQueue) timeout() *fakeQueue {
	q.items = append(q.items, ws.Polled{Status: ws.StatusTimeout})
	return q
}

type fakeJournal struct {
	kinds []string
}

func (j *fakeJournal) WriteMessage(raw []byte) error {
	j.kinds = append(j.kinds, "message")
	return nil
}
func (j *fakeJournal) WriteFlush(period, rotation string, row, nodataRows, cells int) error {
	j.kinds = append(j.kinds, fmt.Sprintf("flush %s/%s row=%d nodata=%d", period, rotation, row, nodataRows))
	return nil
}
func (j *fakeJournal) WriteReject(period, rotation string, row, col int, reason string) error {
	j.kinds = append(j.kinds, fmt.Sprintf("reject %d,%d", row, col))
	return nil
}
func (j *fakeJournal) WriteFinish(reason string) error {
	j.kinds = append(j.kinds, "finish")
	return nil
}

type fakeIndex struct {
	flushes []int
	rejects []string
}

func (x *fakeIndex) RecordFlush(runID, period, rotation string, row, nodataRows, cells int) {
	x.flushes = append(x.flushes, row)
}
func (x *fakeIndex) RecordReject(runID, customID, reason string) {
	x.rejects = append(x.rejects, customID)
}
func (x *fakeIndex) Stats() indexdb.Stats { return indexdb.Stats{QueueCapacity: 8} }

func resultMsg(customID string, yield float64) string {
	return fmt.Sprintf(`{"type":"result","customId":%q,"data":[{"outputIds":[{"name":"CM-count"},{"name":"Crop"},{"name":"Yield"}],"results":[[1],["maize"],[%v]]}]}`, customID, yield)
}

type harness struct {
	dir    string
	agg    *aggregator.Aggregator
	writer *raster.Writer
}

func newHarness(t *testing.T, rows ...string) harness {
	t.Helper()
	data := make([][]bool, len(rows))
	for r, row := range rows {
		data[r] = make([]bool, len(row))
		for c, ch := range row {
			data[r][c] = ch == '1'
		}
	}
	mask, err := grid.NewMask(data)
	require.NoError(t, err)

	dir := t.TempDir()
	hdr := grid.Header{NCols: mask.Cols(), NRows: mask.Rows(), CellSize: 900, NoData: grid.NoData}
	w, err := raster.NewWriter(raster.WriterConfig{
		Dir:    dir,
		Header: hdr,
		Vars:   []raster.Variable{{Name: "Yield", Kind: raster.KindFloat, Digits: 1}},
		Mask:   mask,
	}, nil)
	require.NoError(t, err)
	agg, err := aggregator.New(mask, w, 0, nil)
	require.NoError(t, err)
	return harness{dir: dir, agg: agg, writer: w}
}

func dataRows(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	return lines[grid.HeaderLines:]
}

func TestCollector_RunReordersAndFinishes(t *testing.T) {
	h := newHarness(t, "11", "00", "10", "11")
	j := &fakeJournal{}
	idx := &fakeIndex{}
	var finished *aggregator.FinishReport
	c := New(h.agg, Options{
		RunID:   "run-1",
		Journal: j,
		Index:   idx,
		OnFinish: func(rep aggregator.FinishReport) error {
			finished = &rep
			return nil
		},
	}, nil)

	q := (&fakeQueue{}).
		msg(resultMsg("0|2|0|r", 3)).
		timeout().
		msg(resultMsg("0|0|0|r", 1)).
		msg(resultMsg("0|0|0|r", 9)).
		msg(resultMsg("0|0|1|r", 2)).
		msg(resultMsg("0|2|0|r", 9)).
		msg(resultMsg("0|3|1|r", 5)).
		msg(resultMsg("0|3|0|r", 4)).
		msg(`{"type":"finish"}`)

	sum, err := c.Run(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, uint64(8), sum.Messages)
	require.Equal(t, uint64(2), sum.Rejected)
	require.Equal(t, uint64(3), sum.Rows)
	require.NotNil(t, finished)
	require.Empty(t, finished.Incomplete)

	path := filepath.Join(h.dir, "0", "maize_in_r_Yield_1.asc")
	require.Equal(t, []string{"1.0 2.0", "-9999 -9999", "3.0 -9999", "4.0 5.0"}, dataRows(t, path))

	require.Equal(t, []int{0, 2, 3}, idx.flushes)
	require.Equal(t, []string{"0|0|0|r", "0|2|0|r"}, idx.rejects)

	want := []string{
		"message",
		"message",
		"message", "reject 0,0",
		"message", "flush 0/r row=0 nodata=0", "flush 0/r row=2 nodata=1",
		"message", "reject 2,0",
		"message",
		"message", "flush 0/r row=3 nodata=0",
		"message", "finish",
	}
	if diff := cmp.Diff(want, j.kinds); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, uint64(1), c.m.timeouts.Load())
	require.Equal(t, uint64(1), c.m.complete.Load())
}

func TestCollector_BadCustomIDIsFatal(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	q := (&fakeQueue{}).msg(resultMsg("0|x|0|r", 1))
	_, err := c.Run(context.Background(), q)
	require.ErrorIs(t, err, ErrMessage)
	require.ErrorIs(t, err, protocol.ErrBadCustomID)
}

func TestCollector_SchemaViolationIsFatal(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	q := (&fakeQueue{}).msg(`{"type":"result"}`)
	_, err := c.Run(context.Background(), q)
	require.ErrorIs(t, err, ErrMessage)
}

func TestCollector_OutOfRangeIsFatal(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	q := (&fakeQueue{}).msg(resultMsg("0|4|0|r", 1))
	_, err := c.Run(context.Background(), q)
	require.ErrorIs(t, err, aggregator.ErrOutOfRange)
}

func TestCollector_TransportClosedIsFatal(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	_, err := c.Run(context.Background(), &fakeQueue{})
	require.ErrorIs(t, err, ErrTransport)
}

func TestCollector_ContextCancel(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, &fakeQueue{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCollector_FinishFailPolicy(t *testing.T) {
	h := newHarness(t, "1", "1")
	called := false
	c := New(h.agg, Options{
		FinishPolicy: aggregator.FinishFail,
		OnFinish:     func(aggregator.FinishReport) error { called = true; return nil },
	}, nil)

	q := (&fakeQueue{}).msg(resultMsg("0|0|0|r", 1)).msg(`{"type":"finish"}`)
	sum, err := c.Run(context.Background(), q)
	require.True(t, errors.Is(err, aggregator.ErrIncomplete), "err=%v", err)
	require.False(t, called)
	require.Len(t, sum.Finish.Incomplete, 1)
}

func TestCollector_FinishFlushRecordsDrainedRows(t *testing.T) {
	h := newHarness(t, "11", "11", "11")
	j := &fakeJournal{}
	idx := &fakeIndex{}
	c := New(h.agg, Options{RunID: "run-1", Journal: j, Index: idx}, nil)

	q := (&fakeQueue{}).
		msg(resultMsg("0|0|0|r", 1)).
		msg(resultMsg("0|0|1|r", 2)).
		msg(resultMsg("0|1|0|r", 3)).
		msg(`{"type":"finish"}`)
	sum, err := c.Run(context.Background(), q)
	require.NoError(t, err)
	require.Equal(t, uint64(3), sum.Rows)
	require.Equal(t, 2, sum.Finish.PartialRows)
	require.Equal(t, []int{0, 1, 2}, idx.flushes)
	require.Equal(t, uint64(1), c.m.complete.Load())

	want := []string{
		"message",
		"message", "flush 0/r row=0 nodata=0",
		"message",
		"message", "finish", "flush 0/r row=1 nodata=0", "flush 0/r row=2 nodata=0",
	}
	if diff := cmp.Diff(want, j.kinds); diff != "" {
		t.Fatalf("journal mismatch (-want +got):\n%s", diff)
	}
	path := filepath.Join(h.dir, "0", "maize_in_r_Yield_1.asc")
	require.Equal(t, []string{"1.0 2.0", "3.0 -9999", "-9999 -9999"}, dataRows(t, path))
}

func TestCollector_SkippedRowsAreCounted(t *testing.T) {
	h := newHarness(t, "1")
	c := New(h.agg, Options{}, nil)

	raw := `{"type":"result","customId":"0|0|0|r","data":[{"outputIds":[{"name":"Crop"},{"name":"Yield"}],"results":[["maize"],[1.5]]}]}`
	done, _, err := c.Handle([]byte(raw))
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, uint64(1), c.m.skipped.Load())
	require.Equal(t, uint64(1), c.m.rows.Load())
}

func TestCollector_MetricsHandler(t *testing.T) {
	h := newHarness(t, "11")
	c := New(h.agg, Options{RunID: "run-1", Index: &fakeIndex{}}, nil)
	_, _, err := c.Handle([]byte(resultMsg("0|0|1|r", 1)))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.Contains(t, body, `gridcollect_messages_total{run="run-1"} 1`)
	require.Contains(t, body, `gridcollect_scenario_buffered_cells{run="run-1",period="0",rotation="r"} 1`)
	require.Contains(t, body, `gridcollect_scenario_next_row{run="run-1",period="0",rotation="r"} 0`)
	require.Contains(t, body, `gridcollect_index_dropped_total{run="run-1",kind="flush"} 0`)

	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, 200, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
