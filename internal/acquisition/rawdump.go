package acquisition

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vibranium/internal/decode"
)

// RawDump writes the g-values of each completed window to
// <dir>/vibration<N>.csv (x,y,z per row) or vibration<N>.json.
type RawDump struct {
	dir    string
	format string

	mu sync.Mutex
	n  int
}

func NewRawDump(dir, format string) (*RawDump, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return nil, fmt.Errorf("raw dump format %q: expected csv or json", format)
	}
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create raw dump dir: %w", err)
	}
	return &RawDump{dir: dir, format: format}, nil
}

// Write stores one window and returns the file path. Existing files are
// never overwritten.
func (d *RawDump) Write(res decode.Result) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		path string
		f    *os.File
	)
	for {
		d.n++
		path = filepath.Join(d.dir, fmt.Sprintf("vibration%d.%s", d.n, d.format))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("create raw dump: %w", err)
		}
	}
	var err error
	if d.format == "json" {
		err = json.NewEncoder(f).Encode(map[string][]float64{"x": res.X, "y": res.Y, "z": res.Z})
	} else {
		err = writeCSV(f, res)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

func writeCSV(f *os.File, res decode.Result) error {
	w := csv.NewWriter(f)
	row := make([]string, 3)
	for i := range res.X {
		row[0] = fmt.Sprintf("%3.5f", res.X[i])
		row[1] = fmt.Sprintf("%3.5f", res.Y[i])
		row[2] = fmt.Sprintf("%3.5f", res.Z[i])
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
