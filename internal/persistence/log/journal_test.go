package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJournal_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, "run-1")

	require.NoError(t, j.WriteStart(7, "listen"))
	require.NoError(t, j.WriteMessage([]byte(`{"type":"result","customId":"0|1|2|r"}`)))
	require.NoError(t, j.WriteFlush("0", "r", 1, 2, 3))
	require.NoError(t, j.WriteReject("0", "r", 0, 5, "stale"))
	require.NoError(t, j.WriteMessage([]byte(`not json`)))
	require.NoError(t, j.WriteFinish("finish message"))
	require.NoError(t, j.Close())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	var got []Entry
	require.NoError(t, ReadDir(dir, func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 6)
	for i, e := range got {
		require.Equal(t, uint64(i+1), e.Seq)
		require.Equal(t, "run-1", e.RunID)
	}
	require.Equal(t, KindStart, got[0].Kind)
	require.Equal(t, 7, got[0].Row)
	require.Equal(t, "listen", got[0].Mode)
	got = got[1:]
	require.Equal(t, KindMessage, got[0].Kind)
	require.JSONEq(t, `{"type":"result","customId":"0|1|2|r"}`, string(got[0].Message))
	require.Equal(t, Entry{Seq: 3, Time: got[1].Time, RunID: "run-1", Kind: KindFlush, Period: "0", Rotation: "r", Row: 1, NoData: 2, Cells: 3}, got[1])
	require.Equal(t, "stale", got[2].Reason)
	require.Equal(t, KindReject, got[3].Kind)
	require.JSONEq(t, `"not json"`, string(got[3].Message))
	require.Equal(t, KindFinish, got[4].Kind)
}

func TestJournal_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, "run-1")
	at := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return at }

	require.NoError(t, j.WriteFlush("0", "r", 0, 0, 1))
	at = at.Add(2 * time.Minute)
	require.NoError(t, j.WriteFlush("0", "r", 1, 0, 1))
	require.NoError(t, j.Close())

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "journal-2024-03-01-10.jsonl.zst"),
		filepath.Join(dir, "journal-2024-03-01-11.jsonl.zst"),
	}, files)

	var got []Entry
	require.NoError(t, ReadDir(dir, func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[1].Seq)
	require.Equal(t, "2024-03-01T10:59:00Z", got[0].Time)
	require.Equal(t, "2024-03-01T11:01:00Z", got[1].Time)
}

func TestJournal_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	for _, run := range []string{"run-1", "run-2"} {
		j := NewJournal(dir, run)
		j.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
		require.NoError(t, j.WriteStart(0, "dial"))
		require.NoError(t, j.Close())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))

	files, err := ListFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	var runs []string
	require.NoError(t, ReadDir(dir, func(e Entry) error {
		runs = append(runs, e.RunID)
		return nil
	}))
	require.Equal(t, []string{"run-1", "run-2"}, runs)
}

func TestJournal_CloseWithoutWrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j := NewJournal(dir, "run-1")
	require.NoError(t, j.Close())
	_, err := os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}
