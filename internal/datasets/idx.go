package datasets

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/born-ml/vulcan/internal/domain"
)

// idxUbyte is the only IDX element type supported.
const idxUbyte = 0x08

// LoadIDX reads an unsigned-byte IDX image file and its label file, the
// format MNIST ships in. Every image becomes one [1, rows, cols] sample scaled
// to [0, 1]. An empty labels path gives an unlabelled dataset.
func LoadIDX(imagesPath, labelsPath string) (*TensorDataset, error) {
	const op = "datasets.load_idx"
	dims, pixels, err := readIDX(imagesPath)
	if err != nil {
		return nil, err
	}
	if len(dims) != 3 {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, imagesPath, "expected 3 dimensions, got %v", dims)
	}
	n, size := dims[0], dims[1]*dims[2]

	data := make([][]float32, n)
	for i := range data {
		row := make([]float32, size)
		for j, p := range pixels[i*size : (i+1)*size] {
			row[j] = float32(p) / 255
		}
		data[i] = row
	}

	var targets []float32
	if labelsPath != "" {
		ldims, labels, err := readIDX(labelsPath)
		if err != nil {
			return nil, err
		}
		if len(ldims) != 1 || ldims[0] != n {
			return nil, domain.Errorf(op, domain.KindShapeMismatch, labelsPath, "labels %v do not match %d images", ldims, n)
		}
		targets = make([]float32, n)
		for i, l := range labels {
			targets[i] = float32(l)
		}
	}
	return NewTensorDataset([]int{1, dims[1], dims[2]}, data, targets)
}

// readIDX parses the magic number (two zero bytes, the element type and the
// number of dimensions), the big-endian dimension sizes and the payload.
func readIDX(path string) ([]int, []byte, error) {
	const op = "datasets.read_idx"
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &domain.OpError{Op: op, Kind: domain.KindNotFound, Name: path, Err: err}
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, nil, &domain.OpError{Op: op, Kind: domain.KindInvalidConfig, Name: path, Err: err}
	}
	if magic[0] != 0 || magic[1] != 0 || magic[2] != idxUbyte || magic[3] == 0 {
		return nil, nil, domain.Errorf(op, domain.KindInvalidConfig, path, "invalid magic number % x", magic)
	}

	dims := make([]int, magic[3])
	total := 1
	for i := range dims {
		var d uint32
		if err := binary.Read(r, binary.BigEndian, &d); err != nil {
			return nil, nil, &domain.OpError{Op: op, Kind: domain.KindInvalidConfig, Name: path, Err: err}
		}
		dims[i] = int(d)
		total *= dims[i]
	}

	payload := make([]byte, total)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, nil, domain.Errorf(op, domain.KindShapeMismatch, path, "payload shorter than %v: %v", dims, err)
	}
	return dims, payload, nil
}
