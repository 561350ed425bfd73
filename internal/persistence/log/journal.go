package log

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry kinds.
const (
	KindStart   = "start"
	KindMessage = "message"
	KindFlush   = "flush"
	KindReject  = "reject"
	KindFinish  = "finish"
)

const (
	journalPrefix = "journal"
	segmentLayout = "2006-01-02-15"
)

// Entry is one journal line. Message entries carry the raw payload exactly as
// received, which makes the journal replayable.
type Entry struct {
	Seq      uint64          `json:"seq"`
	Time     string          `json:"time"`
	RunID    string          `json:"run_id"`
	Kind     string          `json:"kind"`
	Message  json.RawMessage `json:"message,omitempty"`
	Period   string          `json:"period,omitempty"`
	Rotation string          `json:"rotation,omitempty"`
	Row      int             `json:"row,omitempty"`
	Col      int             `json:"col,omitempty"`
	NoData   int             `json:"nodata_rows,omitempty"`
	Cells    int             `json:"cells,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Mode     string          `json:"mode,omitempty"`
}

// Journal records what the collector received and what it wrote. Entries go
// to one zstd segment per UTC hour, journal-YYYY-MM-DD-HH.jsonl.zst, and each
// entry is flushed through to the file before its write returns.
type Journal struct {
	dir   string
	runID string
	now   func() time.Time

	mu      sync.Mutex
	seq     uint64
	segment string
	f       *os.File
	zw      *zstd.Encoder
	enc     *json.Encoder
}

func NewJournal(dir, runID string) *Journal {
	return &Journal{dir: dir, runID: runID, now: time.Now}
}

func (j *Journal) write(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	at := j.now().UTC()
	if seg := at.Format(segmentLayout); seg != j.segment {
		if err := j.openSegment(seg); err != nil {
			return fmt.Errorf("journal segment %s: %w", seg, err)
		}
	}
	j.seq++
	e.Seq = j.seq
	e.Time = at.Format(time.RFC3339Nano)
	e.RunID = j.runID
	if err := j.enc.Encode(e); err != nil {
		return err
	}
	return j.zw.Flush()
}

// openSegment appends to the segment's file; a reopened segment gets a new
// zstd frame, which readers decode transparently.
func (j *Journal) openSegment(seg string) error {
	if err := j.closeSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(j.dir, journalPrefix+"-"+seg+".jsonl.zst")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f, j.zw, j.enc, j.segment = f, zw, json.NewEncoder(zw), seg
	return nil
}

func (j *Journal) closeSegment() error {
	if j.f == nil {
		return nil
	}
	err := j.zw.Close()
	if cerr := j.f.Close(); err == nil {
		err = cerr
	}
	j.f, j.zw, j.enc, j.segment = nil, nil, nil, ""
	return err
}

// WriteStart opens a run. Replay takes the start row from it.
func (j *Journal) WriteStart(startRow int, mode string) error {
	return j.write(Entry{Kind: KindStart, Row: startRow, Mode: mode})
}

func (j *Journal) WriteMessage(raw []byte) error {
	if !json.Valid(raw) {
		return j.write(Entry{Kind: KindReject, Reason: "invalid json", Message: mustJSONString(raw)})
	}
	return j.write(Entry{Kind: KindMessage, Message: append(json.RawMessage(nil), raw...)})
}

func (j *Journal) WriteFlush(period, rotation string, row, nodataRows, cells int) error {
	return j.write(Entry{Kind: KindFlush, Period: period, Rotation: rotation, Row: row, NoData: nodataRows, Cells: cells})
}

func (j *Journal) WriteReject(period, rotation string, row, col int, reason string) error {
	return j.write(Entry{Kind: KindReject, Period: period, Rotation: rotation, Row: row, Col: col, Reason: reason})
}

func (j *Journal) WriteFinish(reason string) error {
	return j.write(Entry{Kind: KindFinish, Reason: reason})
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeSegment()
}

func mustJSONString(raw []byte) json.RawMessage {
	b, _ := json.Marshal(string(raw))
	return b
}
