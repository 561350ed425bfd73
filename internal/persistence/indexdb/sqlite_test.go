package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestSQLiteIndex_RecordsRunFlushesFilesRejects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if err := idx.BeginRun(Run{ID: "run-1", StartRow: 0, Mode: "dial", OutputDir: "out"}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	idx.RecordFlush("run-1", "0", "r", 0, 0, 2)
	idx.RecordFlush("run-1", "0", "r", 3, 2, 1)
	idx.RecordFlush("run-1", "1", "r", 1, 1, 4)
	idx.RecordFile("out/0/Soy_in_r_Yield_1.asc", "0", "r", "Soy", 1, "Yield")
	idx.RecordFile("out/0/Soy_in_r_Yield_1.asc", "0", "r", "Soy", 1, "Yield")
	idx.RecordReject("run-1", "0|1|1|r", "stale row")
	idx.RecordReject("run-1", "0|1|1|r", "stale row")
	if err := idx.EndRun("run-1", "finished"); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var status string
	if err := db.QueryRow(`SELECT status FROM runs WHERE run_id='run-1'`).Scan(&status); err != nil {
		t.Fatalf("Scan run: %v", err)
	}
	if status != "finished" {
		t.Fatalf("status=%q want finished", status)
	}

	var flushes, files, rejects int
	if err := db.QueryRow(`SELECT COUNT(*) FROM flushes`).Scan(&flushes); err != nil {
		t.Fatalf("Scan flushes: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&files); err != nil {
		t.Fatalf("Scan files: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM rejects`).Scan(&rejects); err != nil {
		t.Fatalf("Scan rejects: %v", err)
	}
	if flushes != 3 || files != 1 || rejects != 2 {
		t.Fatalf("counts: flushes=%d files=%d rejects=%d", flushes, files, rejects)
	}

	var nodata, cells int
	row := db.QueryRow(`SELECT nodata_rows, cells FROM flushes WHERE period='0' AND rotation='r' AND row=3`)
	if err := row.Scan(&nodata, &cells); err != nil {
		t.Fatalf("Scan flush: %v", err)
	}
	if nodata != 2 || cells != 1 {
		t.Fatalf("flush row mismatch: nodata=%d cells=%d", nodata, cells)
	}
}

func TestSQLiteIndex_Progress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordFlush("a", "0", "r", 0, 0, 1)
	idx.RecordFlush("a", "0", "r", 4, 3, 1)
	idx.RecordFlush("b", "0", "r", 5, 0, 1)
	idx.RecordFlush("a", "1", "x", 2, 2, 1)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	got, err := idx.Progress()
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	want := []ScenarioProgress{
		{Period: "0", Rotation: "r", LastRow: 5, Rows: 3},
		{Period: "1", Rotation: "x", LastRow: 2, Rows: 1},
	}
	if len(got) != len(want) {
		t.Fatalf("Progress=%+v want=%+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Progress[%d]=%+v want=%+v", i, got[i], want[i])
		}
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqFlush}

	s.RecordFlush("a", "0", "r", 1, 0, 1)
	s.RecordFile("p", "0", "r", "Soy", 1, "Yield")
	s.RecordReject("a", "0|1|1|r", "stale row")

	st := s.Stats()
	if st.DropFlushTotal != 1 || st.DropFileTotal != 1 || st.DropRejectTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordFlush("a", "0", "r", 1, 0, 1)
	if err := s.BeginRun(Run{ID: "a"}); err != nil {
		t.Fatalf("BeginRun on nil: %v", err)
	}
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("Stats on nil: %+v", st)
	}
}
