package training

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vibranium/internal/model"
)

// Columns is the header of a training table CSV.
var Columns = []string{"xrms", "xcf", "yrms", "ycf", "zrms", "zcf"}

// Table holds the (rms, cf) columns of every axis, one row per acquisition.
type Table struct {
	XRMS, XCF []float64
	YRMS, YCF []float64
	ZRMS, ZCF []float64
}

func FromFeatures(rows []model.FeatureSet) Table {
	var t Table
	for _, fs := range rows {
		t.Append(fs)
	}
	return t
}

func (t *Table) Append(fs model.FeatureSet) {
	t.XRMS = append(t.XRMS, fs.X.RMS)
	t.XCF = append(t.XCF, fs.X.CrestFactor)
	t.YRMS = append(t.YRMS, fs.Y.RMS)
	t.YCF = append(t.YCF, fs.Y.CrestFactor)
	t.ZRMS = append(t.ZRMS, fs.Z.RMS)
	t.ZCF = append(t.ZCF, fs.Z.CrestFactor)
}

func (t Table) Len() int { return len(t.XRMS) }

func (t Table) columns() [][]float64 {
	return [][]float64{t.XRMS, t.XCF, t.YRMS, t.YCF, t.ZRMS, t.ZCF}
}

func (t Table) validate() error {
	for i, c := range t.columns() {
		if len(c) != t.Len() {
			return fmt.Errorf("column %s has %d rows, want %d", Columns[i], len(c), t.Len())
		}
	}
	return nil
}

// Points returns the (rms, cf) pairs of one axis.
func (t Table) Points(axis model.Axis) [][]float64 {
	rms, cf := t.XRMS, t.XCF
	switch axis {
	case model.AxisY:
		rms, cf = t.YRMS, t.YCF
	case model.AxisZ:
		rms, cf = t.ZRMS, t.ZCF
	}
	out := make([][]float64, len(rms))
	for i := range rms {
		out[i] = []float64{rms[i], cf[i]}
	}
	return out
}

// ReadCSV loads a table from CSV with a header row. Columns are matched by
// name; extra columns are ignored.
func ReadCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, errors.New("training csv is empty")
		}
		return Table{}, err
	}
	idx := make([]int, len(Columns))
	for i, name := range Columns {
		idx[i] = -1
		for j, h := range header {
			if strings.EqualFold(strings.TrimSpace(h), name) {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return Table{}, fmt.Errorf("training csv: missing column %q", name)
		}
	}

	var t Table
	cols := []*[]float64{&t.XRMS, &t.XCF, &t.YRMS, &t.YCF, &t.ZRMS, &t.ZCF}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, err
		}
		line++
		for i, j := range idx {
			if j >= len(rec) {
				return Table{}, fmt.Errorf("training csv line %d: missing %s", line, Columns[i])
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(rec[j]), 64)
			if err != nil {
				return Table{}, fmt.Errorf("training csv line %d column %s: %w", line, Columns[i], err)
			}
			*cols[i] = append(*cols[i], v)
		}
	}
	return t, nil
}

func WriteCSV(w io.Writer, t Table) error {
	if err := t.validate(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	cols := t.columns()
	row := make([]string, len(cols))
	for r := 0; r < t.Len(); r++ {
		for c := range cols {
			row[c] = strconv.FormatFloat(cols[c][r], 'f', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
