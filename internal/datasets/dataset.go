// Package datasets provides in-memory datasets, multi-input composition and
// batching into Born tensors.
package datasets

import (
	"slices"

	"github.com/born-ml/vulcan/internal/domain"
)

// Features is one input sample with its per-sample shape (no batch dim).
type Features struct {
	Shape []int
	Data  []float32
}

// Example is one sample: an input per leaf network, depth-first, plus an
// optional target.
type Example struct {
	Inputs []Features
	Target []float32
}

// Dataset is an indexable collection of examples.
type Dataset interface {
	Len() int
	Example(i int) Example
}

// TensorDataset holds equally shaped samples and optional scalar targets.
type TensorDataset struct {
	shape   []int
	data    [][]float32
	targets []float32
}

// NewTensorDataset validates that every sample matches shape. targets may
// be nil for unlabeled inputs.
func NewTensorDataset(shape []int, data [][]float32, targets []float32) (*TensorDataset, error) {
	const op = "datasets.new_tensor_dataset"
	size := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "invalid sample shape %v", shape)
		}
		size *= d
	}
	for i, row := range data {
		if len(row) != size {
			return nil, domain.Errorf(op, domain.KindShapeMismatch, "",
				"sample %d has %d values, shape %v needs %d", i, len(row), shape, size)
		}
	}
	if targets != nil && len(targets) != len(data) {
		return nil, domain.Errorf(op, domain.KindShapeMismatch, "",
			"%d targets for %d samples", len(targets), len(data))
	}
	return &TensorDataset{shape: slices.Clone(shape), data: data, targets: targets}, nil
}

// Filled returns n samples of shape where every value is v, labelled by
// labels (cycled) when labels is non-empty.
func Filled(shape []int, n int, v float32, labels []float32) *TensorDataset {
	size := 1
	for _, d := range shape {
		size *= d
	}
	data := make([][]float32, n)
	for i := range data {
		row := make([]float32, size)
		for j := range row {
			row[j] = v
		}
		data[i] = row
	}
	var targets []float32
	if len(labels) > 0 {
		targets = make([]float32, n)
		for i := range targets {
			targets[i] = labels[i%len(labels)]
		}
	}
	return &TensorDataset{shape: slices.Clone(shape), data: data, targets: targets}
}

// Len returns the number of samples.
func (d *TensorDataset) Len() int { return len(d.data) }

// Shape returns the per-sample shape.
func (d *TensorDataset) Shape() []int { return slices.Clone(d.shape) }

// HasTargets reports whether samples are labelled.
func (d *TensorDataset) HasTargets() bool { return d.targets != nil }

// Example returns sample i.
func (d *TensorDataset) Example(i int) Example {
	ex := Example{Inputs: []Features{{Shape: d.shape, Data: d.data[i]}}}
	if d.targets != nil {
		ex.Target = []float32{d.targets[i]}
	}
	return ex
}

// Source is one member of a MultiDataset. UseData adds the member's inputs,
// UseTarget takes the target from it.
type Source struct {
	Dataset   Dataset
	UseData   bool
	UseTarget bool
}

// Nested wraps a dataset whose inputs and target are both used.
func Nested(ds Dataset) Source {
	return Source{Dataset: ds, UseData: true, UseTarget: true}
}

// MultiDataset zips several datasets of equal length into multi-input examples.
type MultiDataset struct {
	sources []Source
	n       int
}

// NewMultiDataset validates and combines sources.
func NewMultiDataset(sources ...Source) (*MultiDataset, error) {
	const op = "datasets.new_multi_dataset"
	if len(sources) == 0 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "no sources")
	}
	n := -1
	targets := 0
	for i, s := range sources {
		if s.Dataset == nil {
			return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "source %d has no dataset", i)
		}
		if n >= 0 && s.Dataset.Len() != n {
			return nil, domain.Errorf(op, domain.KindShapeMismatch, "",
				"source %d has %d samples, expected %d", i, s.Dataset.Len(), n)
		}
		n = s.Dataset.Len()
		if s.UseTarget {
			targets++
		}
	}
	if targets > 1 {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, "", "%d sources provide the target, at most one may", targets)
	}
	return &MultiDataset{sources: slices.Clone(sources), n: n}, nil
}

// Len returns the shared sample count.
func (m *MultiDataset) Len() int { return m.n }

// Example concatenates the inputs of every UseData source in order.
func (m *MultiDataset) Example(i int) Example {
	var ex Example
	for _, s := range m.sources {
		sub := s.Dataset.Example(i)
		if s.UseData {
			ex.Inputs = append(ex.Inputs, sub.Inputs...)
		}
		if s.UseTarget {
			ex.Target = sub.Target
		}
	}
	return ex
}

// Subset is a view of a dataset restricted to indices.
type Subset struct {
	ds      Dataset
	indices []int
}

// NewSubset returns the view of ds at indices.
func NewSubset(ds Dataset, indices []int) (*Subset, error) {
	for _, i := range indices {
		if i < 0 || i >= ds.Len() {
			return nil, domain.Errorf("datasets.new_subset", domain.KindInvalidConfig, "",
				"index %d out of range [0, %d)", i, ds.Len())
		}
	}
	return &Subset{ds: ds, indices: slices.Clone(indices)}, nil
}

// Len returns the number of selected samples.
func (s *Subset) Len() int { return len(s.indices) }

// Example returns the i-th selected sample.
func (s *Subset) Example(i int) Example { return s.ds.Example(s.indices[i]) }

// Labels returns the first target value of every example, for metrics.
func Labels(ds Dataset) ([]int, error) {
	labels := make([]int, ds.Len())
	for i := range labels {
		ex := ds.Example(i)
		if len(ex.Target) == 0 {
			return nil, domain.Errorf("datasets.labels", domain.KindNotFound, "", "example %d has no target", i)
		}
		labels[i] = int(ex.Target[0])
	}
	return labels, nil
}
