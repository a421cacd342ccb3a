package datasets

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/born-ml/born/tensor"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
)

// LoaderOptions configures batching.
type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      uint64
	DropLast  bool
}

// Loader splits a dataset into batches, reshuffling on every pass when
// Shuffle is set.
type Loader struct {
	ds   Dataset
	opts LoaderOptions
	rng  *rand.Rand
}

// NewLoader creates a loader. BatchSize defaults to 1.
func NewLoader(ds Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil {
		return nil, domain.Errorf("datasets.new_loader", domain.KindInvalidConfig, "", "dataset is nil")
	}
	if opts.BatchSize < 0 {
		return nil, domain.Errorf("datasets.new_loader", domain.KindInvalidConfig, "", "batch size %d", opts.BatchSize)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 1
	}
	return &Loader{ds: ds, opts: opts, rng: rand.New(rand.NewPCG(opts.Seed, opts.Seed+1))}, nil
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// Len returns the number of batches per pass.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Batches collates one pass over the dataset.
func (l *Loader) Batches() ([]*Batch, error) {
	n := l.ds.Len()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(n, func(i, j int) { indices[i], indices[j] = indices[j], indices[i] })
	}

	batches := make([]*Batch, 0, l.Len())
	for start := 0; start < n; start += l.opts.BatchSize {
		end := min(start+l.opts.BatchSize, n)
		if l.opts.DropLast && end-start < l.opts.BatchSize {
			break
		}
		b, err := collate(l.ds, indices[start:end])
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, nil
}

// Batch is a collated group of examples, one flat buffer per input.
type Batch struct {
	size    int
	shapes  [][]int
	inputs  [][]float32
	targets [][]float32
}

func collate(ds Dataset, indices []int) (*Batch, error) {
	const op = "datasets.collate"
	b := &Batch{size: len(indices)}
	for k, idx := range indices {
		ex := ds.Example(idx)
		if k == 0 {
			for _, in := range ex.Inputs {
				b.shapes = append(b.shapes, slices.Clone(in.Shape))
				b.inputs = append(b.inputs, make([]float32, 0, len(in.Data)*len(indices)))
			}
		}
		if len(ex.Inputs) != len(b.shapes) {
			return nil, domain.Errorf(op, domain.KindShapeMismatch, "",
				"example %d has %d inputs, expected %d", idx, len(ex.Inputs), len(b.shapes))
		}
		for i, in := range ex.Inputs {
			if !slices.Equal(in.Shape, b.shapes[i]) {
				return nil, domain.Errorf(op, domain.KindShapeMismatch, "",
					"example %d input %d has shape %v, expected %v", idx, i, in.Shape, b.shapes[i])
			}
			b.inputs[i] = append(b.inputs[i], in.Data...)
		}
		if ex.Target != nil {
			b.targets = append(b.targets, ex.Target)
		}
	}
	if len(b.targets) != 0 && len(b.targets) != b.size {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, "", "only %d of %d examples have a target", len(b.targets), b.size)
	}
	return b, nil
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return b.size }

// NumInputs returns the number of input tensors per example.
func (b *Batch) NumInputs() int { return len(b.inputs) }

// HasTargets reports whether the examples are labelled.
func (b *Batch) HasTargets() bool { return len(b.targets) > 0 }

// Inputs builds one [N, shape...] tensor per input.
func (b *Batch) Inputs(backend *device.Backend) ([]*device.Tensor, error) {
	out := make([]*device.Tensor, len(b.inputs))
	for i, data := range b.inputs {
		shape := append(tensor.Shape{b.size}, b.shapes[i]...)
		t, err := device.FromSlice(data, shape, backend)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

// Labels builds the [N] int32 class tensor from the first target value,
// validated against classes as in ClassIndices.
func (b *Batch) Labels(backend *device.Backend, classes int) (*tensor.Tensor[int32, *device.Backend], error) {
	indices, err := b.ClassIndices(classes)
	if err != nil {
		return nil, err
	}
	labels := make([]int32, b.size)
	for i, idx := range indices {
		labels[i] = int32(idx)
	}
	out, err := tensor.FromSlice(labels, tensor.Shape{b.size}, backend)
	if err != nil {
		return nil, &domain.OpError{Op: "datasets.labels", Kind: domain.KindShapeMismatch, Err: err}
	}
	return out, nil
}

// ClassIndices returns the first target value of each example as a class
// index. Values must be integral and in [0, classes); classes <= 0 skips
// the upper bound.
func (b *Batch) ClassIndices(classes int) ([]int, error) {
	const op = "datasets.class_indices"
	if !b.HasTargets() {
		return nil, domain.Errorf(op, domain.KindNotFound, "", "batch has no targets")
	}
	out := make([]int, len(b.targets))
	for i, t := range b.targets {
		v := float64(t[0])
		switch {
		case math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v):
			return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "example %d: label %v is not a class index", i, t[0])
		case v < 0 || (classes > 0 && v >= float64(classes)):
			return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "example %d: label %v outside [0, %d)", i, t[0], classes)
		}
		out[i] = int(v)
	}
	return out, nil
}

// ClassLabels returns the first target value of each example truncated to
// an int, without validation.
func (b *Batch) ClassLabels() []int {
	labels := make([]int, len(b.targets))
	for i, t := range b.targets {
		labels[i] = int(t[0])
	}
	return labels
}

// Targets builds the [N, T] float32 regression target tensor.
func (b *Batch) Targets(backend *device.Backend) (*device.Tensor, error) {
	if !b.HasTargets() {
		return nil, domain.Errorf("datasets.targets", domain.KindNotFound, "", "batch has no targets")
	}
	width := len(b.targets[0])
	data := make([]float32, 0, b.size*width)
	for _, t := range b.targets {
		if len(t) != width {
			return nil, domain.Errorf("datasets.targets", domain.KindShapeMismatch, "", "ragged targets")
		}
		data = append(data, t...)
	}
	return device.FromSlice(data, tensor.Shape{b.size, width}, backend)
}
