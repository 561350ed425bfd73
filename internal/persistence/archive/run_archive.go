package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Entry is one archived raster.
type Entry struct {
	Period string `json:"period"`
	Source string `json:"source"`
	File   string `json:"file"`
	Bytes  int64  `json:"bytes"`
}

type RunArchiveMeta struct {
	RunID     string  `json:"run_id"`
	Period    string  `json:"period"`
	Files     []Entry `json:"files"`
	CreatedAt string  `json:"created_at"`
}

// ArchiveRun compresses every raster under outDir/<period>/ into
// archiveDir/<period>/<name>.zst and writes one meta.json per period. Sources
// are left in place.
func ArchiveRun(outDir, archiveDir, runID string, paths []string) ([]RunArchiveMeta, error) {
	byPeriod := map[string][]string{}
	for _, p := range paths {
		rel, err := filepath.Rel(outDir, p)
		if err != nil {
			return nil, err
		}
		period := filepath.Dir(rel)
		if period == "." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("archive: %s is not under a period directory of %s", p, outDir)
		}
		byPeriod[period] = append(byPeriod[period], p)
	}

	periods := make([]string, 0, len(byPeriod))
	for k := range byPeriod {
		periods = append(periods, k)
	}
	sort.Strings(periods)

	now := time.Now().UTC().Format(time.RFC3339Nano)
	out := make([]RunArchiveMeta, 0, len(periods))
	for _, period := range periods {
		dir := filepath.Join(archiveDir, period)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		files := byPeriod[period]
		sort.Strings(files)

		meta := RunArchiveMeta{RunID: runID, Period: period, CreatedAt: now}
		for _, src := range files {
			dst := filepath.Join(dir, filepath.Base(src)+".zst")
			n, err := compressFile(src, dst)
			if err != nil {
				return nil, err
			}
			meta.Files = append(meta.Files, Entry{Period: period, Source: src, File: filepath.Base(dst), Bytes: n})
		}
		b, err := json.MarshalIndent(meta, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

// compressFile returns the number of uncompressed bytes written.
func compressFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmp) }()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return 0, err
	}
	n, err := io.Copy(enc, bufio.NewReaderSize(in, 128*1024))
	if err != nil {
		_ = enc.Close()
		_ = f.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	return n, os.Rename(tmp, dst)
}

// Decompress reads an archived raster back.
func Decompress(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
