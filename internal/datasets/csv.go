package datasets

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/parallel"
)

// LoadCSVOptions controls LoadCSV.
type LoadCSVOptions struct {
	// LabelColumn is the index of the target column. -1 means unlabelled.
	LabelColumn int
	// Shape reshapes the remaining columns. Nil keeps them flat.
	Shape []int
	// Header skips the first row.
	Header bool
}

// LoadCSV reads a numeric table where every row is one sample.
func LoadCSV(path string, opts LoadCSVOptions) (*TensorDataset, error) {
	const op = "datasets.load_csv"
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.OpError{Op: op, Kind: domain.KindNotFound, Name: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, &domain.OpError{Op: op, Kind: domain.KindInvalidConfig, Name: path, Err: err}
	}
	if opts.Header && len(records) > 0 {
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, path, "no data rows")
	}

	cols := len(records[0])
	if opts.LabelColumn >= cols {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, path, "label column %d out of range (%d columns)", opts.LabelColumn, cols)
	}
	width := cols
	if opts.LabelColumn >= 0 {
		width--
	}
	shape := opts.Shape
	if shape == nil {
		shape = []int{width}
	}

	data := make([][]float32, len(records))
	var targets []float32
	if opts.LabelColumn >= 0 {
		targets = make([]float32, len(records))
	}
	err = parallel.ForErr(len(records), func(i int) error {
		rec := records[i]
		if len(rec) != cols {
			return domain.Errorf(op, domain.KindShapeMismatch, path, "row %d has %d columns, expected %d", i, len(rec), cols)
		}
		row := make([]float32, 0, width)
		for j, cell := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(cell), 32)
			if err != nil {
				return domain.Errorf(op, domain.KindInvalidConfig, path, "row %d column %d: %v", i, j, err)
			}
			if j == opts.LabelColumn {
				targets[i] = float32(v)
				continue
			}
			row = append(row, float32(v))
		}
		data[i] = row
		return nil
	}, parallel.Rows())
	if err != nil {
		return nil, err
	}
	return NewTensorDataset(shape, data, targets)
}
