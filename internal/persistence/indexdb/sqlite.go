package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteIndex is a queryable read-model of collector progress. Writes are
// queued to a single writer goroutine and dropped when it falls behind; the
// rasters and the journal remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropFlush  atomic.Uint64
	dropFile   atomic.Uint64
	dropReject atomic.Uint64
}

type reqKind int

const (
	reqFlush reqKind = iota + 1
	reqFile
	reqReject
	reqSync
)

// ErrClosed is returned by synchronous calls after Close.
var ErrClosed = errors.New("indexdb: closed")

type req struct {
	kind reqKind

	flush  flushRow
	file   fileRow
	reject rejectRow

	fn   func(*sql.DB) error
	done chan error
}

type flushRow struct {
	RunID      string
	Period     string
	Rotation   string
	Row        int
	NoDataRows int
	Cells      int
	At         string
}

type fileRow struct {
	Path     string
	Period   string
	Rotation string
	Crop     string
	CMCount  int64
	Variable string
	At       string
}

type rejectRow struct {
	RunID    string
	CustomID string
	Reason   string
	At       string
}

// Run describes one collector invocation.
type Run struct {
	ID        string
	StartRow  int
	Mode      string
	OutputDir string
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth      int
	QueueCapacity   int
	DropFlushTotal  uint64
	DropFileTotal   uint64
	DropRejectTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, buffer int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, buffer),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			start_row INTEGER NOT NULL,
			mode TEXT NOT NULL,
			output_dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS flushes (
			run_id TEXT NOT NULL,
			period TEXT NOT NULL,
			rotation TEXT NOT NULL,
			row INTEGER NOT NULL,
			nodata_rows INTEGER NOT NULL,
			cells INTEGER NOT NULL,
			flushed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, period, rotation, row)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_flushes_scenario ON flushes(period, rotation, row);`,
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			period TEXT NOT NULL,
			rotation TEXT NOT NULL,
			crop TEXT NOT NULL,
			cm_count INTEGER NOT NULL,
			variable TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rejects (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			custom_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// do runs fn on the writer goroutine after committing queued writes, so it
// observes everything enqueued before it.
func (s *SQLiteIndex) do(fn func(*sql.DB) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	s.ch <- req{kind: reqSync, fn: fn, done: done}
	return <-done
}

// BeginRun records a run synchronously so it is visible before any flush.
func (s *SQLiteIndex) BeginRun(r Run) error {
	if s == nil {
		return nil
	}
	return s.do(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR REPLACE INTO runs(run_id,start_row,mode,output_dir,started_at,status) VALUES(?,?,?,?,?,?)`,
			r.ID, r.StartRow, r.Mode, r.OutputDir, now(), "running",
		)
		return err
	})
}

func (s *SQLiteIndex) EndRun(runID, status string) error {
	if s == nil {
		return nil
	}
	return s.do(func(db *sql.DB) error {
		_, err := db.Exec(`UPDATE runs SET finished_at=?, status=? WHERE run_id=?`, now(), status, runID)
		return err
	})
}

func (s *SQLiteIndex) RecordFlush(runID, period, rotation string, row, nodataRows, cells int) {
	if s == nil || s.closed.Load() {
		return
	}
	r := flushRow{RunID: runID, Period: period, Rotation: rotation, Row: row, NoDataRows: nodataRows, Cells: cells, At: now()}
	select {
	case s.ch <- req{kind: reqFlush, flush: r}:
	default:
		s.dropFlush.Add(1)
	}
}

func (s *SQLiteIndex) RecordFile(path, period, rotation, crop string, cmCount int64, variable string) {
	if s == nil || s.closed.Load() {
		return
	}
	r := fileRow{Path: path, Period: period, Rotation: rotation, Crop: crop, CMCount: cmCount, Variable: variable, At: now()}
	select {
	case s.ch <- req{kind: reqFile, file: r}:
	default:
		s.dropFile.Add(1)
	}
}

func (s *SQLiteIndex) RecordReject(runID, customID, reason string) {
	if s == nil || s.closed.Load() {
		return
	}
	r := rejectRow{RunID: runID, CustomID: customID, Reason: reason, At: now()}
	select {
	case s.ch <- req{kind: reqReject, reject: r}:
	default:
		s.dropReject.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:      len(s.ch),
		QueueCapacity:   cap(s.ch),
		DropFlushTotal:  s.dropFlush.Load(),
		DropFileTotal:   s.dropFile.Load(),
		DropRejectTotal: s.dropReject.Load(),
	}
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertFlush, _ := s.db.Prepare(`INSERT OR REPLACE INTO flushes(run_id,period,rotation,row,nodata_rows,cells,flushed_at) VALUES(?,?,?,?,?,?,?)`)
	insertFile, _ := s.db.Prepare(`INSERT OR IGNORE INTO files(path,period,rotation,crop,cm_count,variable,created_at) VALUES(?,?,?,?,?,?,?)`)
	insertReject, _ := s.db.Prepare(`INSERT INTO rejects(run_id,seq,custom_id,reason,at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertFlush, insertFile, insertReject} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		rejectSeq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-tick.C:
			if tx != nil && time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		}

		if r.kind == reqSync {
			commit()
			r.done <- r.fn(s.db)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqFlush:
			f := r.flush
			exec(insertFlush, f.RunID, f.Period, f.Rotation, f.Row, f.NoDataRows, f.Cells, f.At)
		case reqFile:
			f := r.file
			exec(insertFile, f.Path, f.Period, f.Rotation, f.Crop, f.CMCount, f.Variable, f.At)
		case reqReject:
			rj := r.reject
			seq := rejectSeq[rj.RunID]
			rejectSeq[rj.RunID] = seq + 1
			exec(insertReject, rj.RunID, seq, rj.CustomID, rj.Reason, rj.At)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}
}
