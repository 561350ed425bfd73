package raster

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gridcollect/internal/result"
)

type Kind string

const (
	KindInt   Kind = "int"
	KindFloat Kind = "float"
)

// Variable describes one output raster variable.
type Variable struct {
	Name   string `yaml:"name" json:"name"`
	Kind   Kind   `yaml:"kind" json:"kind"`
	Digits int    `yaml:"digits" json:"digits"`
}

// DefaultVariables is the output table of the crop model runs.
func DefaultVariables() []Variable {
	return []Variable{
		{Name: "sowing", Kind: KindInt},
		{Name: "harvest", Kind: KindInt},
		{Name: "s-year", Kind: KindInt},
		{Name: "h-year", Kind: KindInt},
		{Name: "Yield", Kind: KindFloat, Digits: 2},
		{Name: "NDefavg", Kind: KindFloat, Digits: 4},
		{Name: "TraDefavg", Kind: KindFloat, Digits: 4},
		{Name: "anthesis", Kind: KindInt},
		{Name: "matur", Kind: KindInt},
		{Name: "TraDef1", Kind: KindFloat, Digits: 4},
		{Name: "TraDef2", Kind: KindFloat, Digits: 4},
		{Name: "TraDef3", Kind: KindFloat, Digits: 4},
		{Name: "TraDef4", Kind: KindFloat, Digits: 4},
		{Name: "TraDef5", Kind: KindFloat, Digits: 4},
		{Name: "TraDef6", Kind: KindFloat, Digits: 4},
		{Name: "NFert", Kind: KindFloat, Digits: 4},
		{Name: "NLeach", Kind: KindFloat, Digits: 4},
		{Name: "PercolationRate", Kind: KindFloat, Digits: 4},
		{Name: "Nmin", Kind: KindFloat, Digits: 4},
		{Name: "SumNUp", Kind: KindFloat, Digits: 4},
		{Name: "length", Kind: KindInt},
		{Name: "avg-precip", Kind: KindFloat, Digits: 4},
		{Name: "avg-tavg", Kind: KindFloat, Digits: 1},
		{Name: "avg-tmax", Kind: KindFloat, Digits: 1},
		{Name: "Tmax>=40", Kind: KindInt},
	}
}

func (v Variable) Validate() error {
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("variable: empty name")
	}
	switch v.Kind {
	case KindInt:
	case KindFloat:
		if v.Digits < 0 || v.Digits > 15 {
			return fmt.Errorf("variable %q: digits %d outside [0,15]", v.Name, v.Digits)
		}
	default:
		return fmt.Errorf("variable %q: unknown kind %q", v.Name, v.Kind)
	}
	return nil
}

// FileName is the variable's name as it appears in output file names.
func (v Variable) FileName() string {
	return strings.ReplaceAll(v.Name, ">=", "gt")
}

// Format renders val for this variable. Text values and values equal to the
// nodata sentinel print as nodata.
func (v Variable) Format(val result.Value, nodata int) string {
	n, ok := val.Number()
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return strconv.Itoa(nodata)
	}
	if math.Trunc(n) == float64(nodata) {
		return strconv.Itoa(nodata)
	}
	if v.Kind == KindInt {
		if val.Kind == result.KindInteger {
			return strconv.FormatInt(val.Int, 10)
		}
		return strconv.FormatInt(int64(math.Trunc(n)), 10)
	}
	return strconv.FormatFloat(round(n, v.Digits), 'f', v.Digits, 64)
}

// round rounds half away from zero.
func round(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}
