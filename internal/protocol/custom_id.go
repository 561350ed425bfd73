package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

const customIDSep = "|"

// CellID is the parsed form of customId: "period|row|col|rotation".
type CellID struct {
	Period   string
	Row      int
	Col      int
	Rotation string
}

func (c CellID) String() string {
	return strings.Join([]string{c.Period, strconv.Itoa(c.Row), strconv.Itoa(c.Col), c.Rotation}, customIDSep)
}

func ParseCustomID(s string) (CellID, error) {
	var id CellID
	parts := strings.Split(s, customIDSep)
	if len(parts) != 4 {
		return id, fmt.Errorf("%w %q: %d segments, want 4", ErrBadCustomID, s, len(parts))
	}
	row, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return id, fmt.Errorf("%w %q: row: %v", ErrBadCustomID, s, err)
	}
	col, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return id, fmt.Errorf("%w %q: col: %v", ErrBadCustomID, s, err)
	}
	id = CellID{Period: parts[0], Row: row, Col: col, Rotation: parts[3]}
	if id.Period == "" || id.Rotation == "" {
		return CellID{}, fmt.Errorf("%w %q: empty period or rotation", ErrBadCustomID, s)
	}
	return id, nil
}
