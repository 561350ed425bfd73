package raster

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"gridcollect/internal/grid"
	"gridcollect/internal/result"
)

func TestVariable_Format(t *testing.T) {
	yield := Variable{Name: "Yield", Kind: KindFloat, Digits: 2}
	tavg := Variable{Name: "avg-tavg", Kind: KindFloat, Digits: 1}
	sowing := Variable{Name: "sowing", Kind: KindInt}

	cases := []struct {
		v    Variable
		in   result.Value
		want string
	}{
		{yield, result.Float(1234.5678), "1234.57"},
		{yield, result.Float(0.125), "0.13"},
		{yield, result.Float(-0.125), "-0.13"},
		{yield, result.Integer(7), "7.00"},
		{tavg, result.Float(24.96), "25.0"},
		{sowing, result.Integer(123), "123"},
		{sowing, result.Float(12.9), "12"},
		{sowing, result.Float(-3.7), "-3"},
		{sowing, result.Integer(-9999), "-9999"},
		{yield, result.Float(-9999), "-9999"},
		{yield, result.Float(-9999.4), "-9999"},
		{yield, result.Text("n/a"), "-9999"},
		{yield, result.Value{}, "-9999"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.v.Format(c.in, grid.NoData), "%s %v", c.v.Name, c.in)
	}
}

func TestVariable_FormatIsIdempotent(t *testing.T) {
	for _, v := range DefaultVariables() {
		for _, x := range []float64{0, 1.5, 3.14159265, -2.71828, 1234.5678, 0.00005, 98765.4321} {
			once := v.Format(result.Float(x), grid.NoData)
			back, err := strconv.ParseFloat(once, 64)
			require.NoError(t, err)
			require.Equal(t, once, v.Format(result.Float(back), grid.NoData), "%s %v", v.Name, x)
		}
	}
}

func TestVariable_FileName(t *testing.T) {
	require.Equal(t, "Tmaxgt40", Variable{Name: "Tmax>=40"}.FileName())
	require.Equal(t, "avg-tavg", Variable{Name: "avg-tavg"}.FileName())
}

func TestDefaultVariables_Valid(t *testing.T) {
	seen := map[string]bool{}
	for _, v := range DefaultVariables() {
		require.NoError(t, v.Validate())
		require.False(t, seen[v.Name], "duplicate %s", v.Name)
		seen[v.Name] = true
	}
	require.Len(t, seen, 25)
}
