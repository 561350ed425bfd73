package grid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Mask marks which cells of the grid will ever report a result. It is
// immutable once built.
type Mask struct {
	rows, cols int
	data       [][]bool
	counts     []int
	total      int
}

// NewMask builds a mask from explicit rows. Every row must have the same width.
func NewMask(data [][]bool) (*Mask, error) {
	m := &Mask{rows: len(data), counts: make([]int, len(data))}
	if m.rows > 0 {
		m.cols = len(data[0])
	}
	m.data = make([][]bool, m.rows)
	for r, row := range data {
		if len(row) != m.cols {
			return nil, fmt.Errorf("%w: row %d has %d columns, want %d", ErrFormat, r, len(row), m.cols)
		}
		m.data[r] = append([]bool(nil), row...)
		for _, ok := range row {
			if ok {
				m.counts[r]++
			}
		}
		m.total += m.counts[r]
	}
	return m, nil
}

// LoadMask reads a template raster and derives the data-cell mask from it.
// Cells holding the header's NODATA value are masked out.
func LoadMask(path string, nRows, nCols int) (*Mask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMask(f, nRows, nCols)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func ReadMask(r io.Reader, nRows, nCols int) (*Mask, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	h, err := ParseHeader(sc)
	if err != nil {
		return nil, err
	}
	if h.NRows != nRows || h.NCols != nCols {
		return nil, fmt.Errorf("%w: header declares %dx%d, want %dx%d", ErrFormat, h.NRows, h.NCols, nRows, nCols)
	}

	data := make([][]bool, 0, nRows)
	line := HeaderLines
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if len(data) == nRows {
			return nil, fmt.Errorf("%w: line %d: more than %d rows", ErrFormat, line, nRows)
		}
		fields := strings.Fields(text)
		if len(fields) != nCols {
			return nil, fmt.Errorf("%w: line %d: %d columns, want %d", ErrFormat, line, len(fields), nCols)
		}
		row := make([]bool, nCols)
		for c, tok := range fields {
			v, err := strconv.Atoi(tok)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d col %d: %v", ErrFormat, line, c, err)
			}
			row[c] = v != h.NoData
		}
		data = append(data, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(data) != nRows {
		return nil, fmt.Errorf("%w: %d rows, want %d", ErrFormat, len(data), nRows)
	}
	return NewMask(data)
}

func (m *Mask) Rows() int { return m.rows }
func (m *Mask) Cols() int { return m.cols }

// Data reports whether (row, col) will report a result.
func (m *Mask) Data(row, col int) bool { return m.data[row][col] }

// Count is the number of data-bearing cells in row.
func (m *Mask) Count(row int) int { return m.counts[row] }

// Counts returns a fresh copy of the per-row data-cell counts.
func (m *Mask) Counts() []int { return append([]int(nil), m.counts...) }

func (m *Mask) Total() int { return m.total }
