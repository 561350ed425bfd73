package raster

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"gridcollect/internal/aggregator"
	"gridcollect/internal/grid"
	"gridcollect/internal/result"
)

// FileKey identifies one output raster.
type FileKey struct {
	Period   string
	Rotation string
	Crop     string
	CMCount  int64
	Variable string
}

// ErrPathCollision is returned when two distinct file keys map to the same
// raster path, e.g. crops that differ only by spaces or slashes.
var ErrPathCollision = errors.New("raster: file path collision")

// Path returns the raster path under dir.
func (k FileKey) Path(dir string) string {
	crop := strings.NewReplacer("/", "", " ", "").Replace(k.Crop)
	name := fmt.Sprintf("%s_in_%s_%s_%d.asc", crop, k.Rotation, k.Variable, k.CMCount)
	return filepath.Join(dir, k.Period, name)
}

type WriterConfig struct {
	Dir      string
	Header   grid.Header
	Vars     []Variable
	Mask     *grid.Mask
	StartRow int
	// OnCreate is called after a raster file was created and its header written.
	OnCreate func(path string, key FileKey)
}

// Writer appends rows to per-variable ASCII rasters. Every file is opened in
// append mode for a single row and closed again.
type Writer struct {
	cfg        WriterConfig
	nodata     string
	nodataLine string
	log        *zap.Logger

	known map[aggregator.ScenarioKey]map[result.Key]bool
	files map[string]FileKey
}

func NewWriter(cfg WriterConfig, logger *zap.Logger) (*Writer, error) {
	if cfg.Mask == nil {
		return nil, fmt.Errorf("raster: mask is required")
	}
	if len(cfg.Vars) == 0 {
		return nil, fmt.Errorf("raster: no output variables")
	}
	names := map[string]string{}
	for _, v := range cfg.Vars {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if prev, ok := names[v.FileName()]; ok {
			return nil, fmt.Errorf("%w: variables %q and %q share file name %q", ErrPathCollision, prev, v.Name, v.FileName())
		}
		names[v.FileName()] = v.Name
	}
	if cfg.Header.NCols != cfg.Mask.Cols() || cfg.Header.NRows != cfg.Mask.Rows() {
		return nil, fmt.Errorf("raster: header %dx%d does not match mask %dx%d",
			cfg.Header.NRows, cfg.Header.NCols, cfg.Mask.Rows(), cfg.Mask.Cols())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nodata := strconv.Itoa(cfg.Header.NoData)
	cols := make([]string, cfg.Mask.Cols())
	for i := range cols {
		cols[i] = nodata
	}
	return &Writer{
		cfg:        cfg,
		nodata:     nodata,
		nodataLine: strings.Join(cols, " "),
		log:        logger,
		known:      map[aggregator.ScenarioKey]map[result.Key]bool{},
		files:      map[string]FileKey{},
	}, nil
}

// WriteRow implements aggregator.Sink. Files already written for the scenario
// get nodataRows NODATA lines before the row. Files first seen at this row
// are back-filled so they stay aligned with the grid.
func (w *Writer) WriteRow(key aggregator.ScenarioKey, row int, cells aggregator.Cells, nodataRows int) error {
	known := w.known[key]
	if known == nil {
		known = map[result.Key]bool{}
		w.known[key] = known
	}

	fresh := map[result.Key]bool{}
	for _, res := range cells {
		for rk := range res {
			if !known[rk] {
				fresh[rk] = true
			}
		}
	}
	if err := w.claim(key, fresh); err != nil {
		return err
	}

	keys := make([]result.Key, 0, len(known)+len(fresh))
	for rk := range known {
		keys = append(keys, rk)
	}
	for rk := range fresh {
		keys = append(keys, rk)
	}
	result.SortKeys(keys)

	for _, rk := range keys {
		for _, v := range w.cfg.Vars {
			fk := w.fileKey(key, rk, v)
			pad := nodataRows
			if fresh[rk] {
				pad = -1
			}
			if err := w.append(fk, row, pad, w.rowLine(row, cells, rk, v)); err != nil {
				return err
			}
		}
		known[rk] = true
	}
	return nil
}

// Complete implements aggregator.Sink.
func (w *Writer) Complete(key aggregator.ScenarioKey, nodataRows int) error {
	if nodataRows <= 0 {
		return nil
	}
	keys := make([]result.Key, 0, len(w.known[key]))
	for rk := range w.known[key] {
		keys = append(keys, rk)
	}
	result.SortKeys(keys)
	for _, rk := range keys {
		for _, v := range w.cfg.Vars {
			if err := w.appendNoData(w.fileKey(key, rk, v), nodataRows); err != nil {
				return err
			}
		}
	}
	return nil
}

// Files lists every raster touched by this writer, sorted by path.
func (w *Writer) Files() []string {
	out := make([]string, 0, len(w.files))
	for p := range w.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// claim checks, before anything of the row is written, that the files of
// fresh result keys do not land on a path already owned by another key.
func (w *Writer) claim(key aggregator.ScenarioKey, fresh map[result.Key]bool) error {
	if len(fresh) == 0 {
		return nil
	}
	seen := map[string]FileKey{}
	for rk := range fresh {
		for _, v := range w.cfg.Vars {
			fk := w.fileKey(key, rk, v)
			path := fk.Path(w.cfg.Dir)
			if prev, ok := w.files[path]; ok && prev != fk {
				return fmt.Errorf("%w: %s for crop %q and %q", ErrPathCollision, path, prev.Crop, fk.Crop)
			}
			if prev, ok := seen[path]; ok && prev != fk {
				return fmt.Errorf("%w: %s for crop %q and %q", ErrPathCollision, path, prev.Crop, fk.Crop)
			}
			seen[path] = fk
		}
	}
	return nil
}

func (w *Writer) fileKey(key aggregator.ScenarioKey, rk result.Key, v Variable) FileKey {
	return FileKey{
		Period:   key.Period,
		Rotation: key.Rotation,
		Crop:     rk.Crop,
		CMCount:  rk.CMCount,
		Variable: v.FileName(),
	}
}

func (w *Writer) rowLine(row int, cells aggregator.Cells, rk result.Key, v Variable) string {
	var b strings.Builder
	for col := 0; col < w.cfg.Mask.Cols(); col++ {
		if col > 0 {
			b.WriteByte(' ')
		}
		if !w.cfg.Mask.Data(row, col) {
			b.WriteString(w.nodata)
			continue
		}
		val, ok := cells[col].Lookup(rk, v.Name)
		if !ok {
			b.WriteString(w.nodata)
			continue
		}
		b.WriteString(v.Format(val, w.cfg.Header.NoData))
	}
	return b.String()
}

// append writes pad NODATA lines and then line. pad < 0 means the file is new
// to this run and every earlier row must be back-filled.
func (w *Writer) append(fk FileKey, row, pad int, line string) error {
	path := fk.Path(w.cfg.Dir)
	f, created, err := w.open(path, fk)
	if err != nil {
		return err
	}
	if pad < 0 {
		pad = row - w.cfg.StartRow
		if created {
			pad = row
		}
	}
	bw := bufio.NewWriter(f)
	for i := 0; i < pad; i++ {
		bw.WriteString(w.nodataLine)
		bw.WriteByte('\n')
	}
	bw.WriteString(line)
	bw.WriteByte('\n')
	return w.finish(path, f, bw)
}

func (w *Writer) appendNoData(fk FileKey, n int) error {
	path := fk.Path(w.cfg.Dir)
	f, _, err := w.open(path, fk)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		bw.WriteString(w.nodataLine)
		bw.WriteByte('\n')
	}
	return w.finish(path, f, bw)
}

// open opens path for appending, writing the header if the file is new.
func (w *Writer) open(path string, fk FileKey) (*os.File, bool, error) {
	if prev, ok := w.files[path]; ok && prev != fk {
		return nil, false, fmt.Errorf("%w: %s", ErrPathCollision, path)
	}
	_, statErr := os.Stat(path)
	created := errors.Is(statErr, fs.ErrNotExist)
	if created {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, false, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, false, err
	}
	if created {
		if _, err := f.WriteString(w.cfg.Header.Format()); err != nil {
			_ = f.Close()
			return nil, false, err
		}
		w.log.Debug("created raster", zap.String("path", path))
		if w.cfg.OnCreate != nil {
			w.cfg.OnCreate(path, fk)
		}
	}
	w.files[path] = fk
	return f, created, nil
}

func (w *Writer) finish(path string, f *os.File, bw *bufio.Writer) error {
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
