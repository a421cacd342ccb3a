// Package initializers fills unit parameters in place.
//
// Initializers work on the raw float32 slice behind a Born parameter so the
// tensor identity (and therefore any optimizer state keyed on it) is kept.
package initializers

import (
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/vulcan/internal/domain"
)

// Fan describes the connectivity of a weight tensor.
type Fan struct {
	In  int
	Out int
}

// Func fills data in place. fan always describes the owning unit's weight,
// also when data is its bias.
type Func func(data []float32, fan Fan, src rand.Source)

// Registered initializer names.
const (
	Default = "default"
	SELU    = "selu"
	Xavier  = "xavier"
	Zeros   = "zeros"
)

// NewSource returns a deterministic random source for seed.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// FanOf computes fan-in and fan-out for a weight shape: [out, in] for dense
// kernels, [out, in, k...] for convolutions.
func FanOf(shape []int) Fan {
	if len(shape) < 2 {
		n := 1
		if len(shape) == 1 {
			n = shape[0]
		}
		return Fan{In: n, Out: n}
	}
	receptive := 1
	for _, k := range shape[2:] {
		receptive *= k
	}
	return Fan{In: shape[1] * receptive, Out: shape[0] * receptive}
}

// SELUWeight samples Normal(0, sqrt(1/fanIn)) for self-normalizing networks.
// The standard deviation is rounded to 5 decimals.
func SELUWeight(data []float32, fan Fan, src rand.Source) {
	std := math.Round(math.Sqrt(1/float64(max(fan.In, 1)))*1e5) / 1e5
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// SELUBias sets every value to 0.
func SELUBias(data []float32, _ Fan, _ rand.Source) {
	fill(data, 0)
}

// Uniform samples U(-1/sqrt(fanIn), 1/sqrt(fanIn)) for weights and biases alike.
func Uniform(data []float32, fan Fan, src rand.Source) {
	bound := 1 / math.Sqrt(float64(max(fan.In, 1)))
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// Glorot samples U(-a, a) with a = sqrt(6/(fanIn+fanOut)), matching nn.Xavier.
func Glorot(data []float32, fan Fan, src rand.Source) {
	bound := math.Sqrt(6 / float64(max(fan.In+fan.Out, 1)))
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}

// Zero sets every value to 0.
func Zero(data []float32, _ Fan, _ rand.Source) {
	fill(data, 0)
}

var (
	weights = map[string]Func{
		Default: Uniform,
		SELU:    SELUWeight,
		Xavier:  Glorot,
		Zeros:   Zero,
	}
	biases = map[string]Func{
		Default: Uniform,
		SELU:    SELUBias,
		Xavier:  Zero,
		Zeros:   Zero,
	}
)

// Weight returns the weight initializer registered under name. The empty
// name selects Default.
func Weight(name string) (Func, error) {
	return lookup("initializers.weight", weights, name)
}

// Bias returns the bias initializer registered under name. The empty name
// selects Default.
func Bias(name string) (Func, error) {
	return lookup("initializers.bias", biases, name)
}

// Valid reports whether name is a registered initializer.
func Valid(name string) bool {
	_, ok := weights[normalize(name)]
	return ok
}

func lookup(op string, registry map[string]Func, name string) (Func, error) {
	fn, ok := registry[normalize(name)]
	if !ok {
		return nil, domain.Errorf(op, domain.KindInvalidConfig, name, "unknown initializer %q", name)
	}
	return fn, nil
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Default
	}
	return name
}

// Stats returns the mean and sample standard deviation of data.
func Stats(data []float32) (mean, std float64) {
	if len(data) == 0 {
		return 0, 0
	}
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	if len(xs) == 1 {
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}
