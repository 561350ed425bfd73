package grid

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HeaderLines is the fixed number of key/value lines opening an ASCII raster.
const HeaderLines = 6

// NoData is the sentinel printed for masked or absent values.
const NoData = -9999

var ErrFormat = errors.New("grid: bad raster format")

type Header struct {
	NCols     int     `yaml:"ncols" json:"ncols"`
	NRows     int     `yaml:"nrows" json:"nrows"`
	XLLCorner float64 `yaml:"xllcorner" json:"xllcorner"`
	YLLCorner float64 `yaml:"yllcorner" json:"yllcorner"`
	CellSize  float64 `yaml:"cellsize" json:"cellsize"`
	NoData    int     `yaml:"nodata_value" json:"nodata_value"`
}

// Format renders the header exactly as it opens every output raster.
func (h Header) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s%d\n", "ncols", h.NCols)
	fmt.Fprintf(&b, "%-14s%d\n", "nrows", h.NRows)
	fmt.Fprintf(&b, "%-14s%s\n", "xllcorner", strconv.FormatFloat(h.XLLCorner, 'f', 6, 64))
	fmt.Fprintf(&b, "%-14s%s\n", "yllcorner", strconv.FormatFloat(h.YLLCorner, 'f', 6, 64))
	fmt.Fprintf(&b, "%-14s%s\n", "cellsize", strconv.FormatFloat(h.CellSize, 'f', -1, 64))
	fmt.Fprintf(&b, "%-14s%d\n", "NODATA_value", h.NoData)
	return b.String()
}

// ParseHeader consumes the six header lines from sc.
func ParseHeader(sc *bufio.Scanner) (Header, error) {
	var (
		h    Header
		seen = map[string]bool{}
	)
	for i := 0; i < HeaderLines; i++ {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return h, err
			}
			return h, fmt.Errorf("%w: header truncated at line %d", ErrFormat, i+1)
		}
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			return h, fmt.Errorf("%w: header line %d: want key and value, got %q", ErrFormat, i+1, sc.Text())
		}
		key := strings.ToLower(fields[0])
		if seen[key] {
			return h, fmt.Errorf("%w: header line %d: duplicate key %q", ErrFormat, i+1, fields[0])
		}
		seen[key] = true

		var err error
		switch key {
		case "ncols":
			h.NCols, err = strconv.Atoi(fields[1])
		case "nrows":
			h.NRows, err = strconv.Atoi(fields[1])
		case "xllcorner", "xllcenter":
			h.XLLCorner, err = strconv.ParseFloat(fields[1], 64)
		case "yllcorner", "yllcenter":
			h.YLLCorner, err = strconv.ParseFloat(fields[1], 64)
		case "cellsize":
			h.CellSize, err = strconv.ParseFloat(fields[1], 64)
		case "nodata_value":
			h.NoData, err = strconv.Atoi(fields[1])
		default:
			return h, fmt.Errorf("%w: header line %d: unknown key %q", ErrFormat, i+1, fields[0])
		}
		if err != nil {
			return h, fmt.Errorf("%w: header line %d: %v", ErrFormat, i+1, err)
		}
	}
	return h, nil
}
