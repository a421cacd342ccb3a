package models

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/layers"
)

// LayerSummary describes one unit of a network tree.
type LayerSummary struct {
	Network     string
	Unit        string
	Kind        string
	OutputShape []int
	Params      int
}

// Summary lists the units of net and of its input networks, input networks
// first, with per-sample output shapes and parameter counts.
func Summary(net Network) []LayerSummary {
	var rows []LayerSummary
	for _, in := range net.InputNetworks() {
		rows = append(rows, Summary(in)...)
	}
	shape := net.InDim()
	for _, u := range net.Units() {
		shape = u.OutputShape(shape)
		rows = append(rows, LayerSummary{
			Network:     net.Name(),
			Unit:        u.Name(),
			Kind:        unitKind(u),
			OutputShape: shape,
			Params:      countParams(u.Parameters()),
		})
	}
	if h := net.Head(); h != nil {
		rows = append(rows, LayerSummary{
			Network:     net.Name(),
			Unit:        h.Name(),
			Kind:        "head",
			OutputShape: []int{h.OutFeatures()},
			Params:      countParams(h.Parameters()),
		})
	}
	return rows
}

func unitKind(u layers.Unit) string {
	switch v := u.(type) {
	case *layers.DenseUnit:
		return "dense"
	case *layers.ConvUnit:
		return fmt.Sprintf("conv%dd", v.ConvDim())
	default:
		return fmt.Sprintf("%T", u)
	}
}

// ParameterCount returns the number of trainable values in net.
func ParameterCount(net Network) int {
	return countParams(net.Parameters())
}

func countParams(params []*device.Parameter) int {
	total := 0
	for _, p := range params {
		total += product(p.Tensor().Shape())
	}
	return total
}

// FormatSummary renders rows as an aligned table followed by the total.
func FormatSummary(rows []LayerSummary) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NETWORK\tUNIT\tKIND\tOUTPUT\tPARAMS")
	total := 0
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n", r.Network, r.Unit, r.Kind, r.OutputShape, r.Params)
		total += r.Params
	}
	_ = w.Flush()
	fmt.Fprintf(&sb, "total parameters: %d\n", total)
	return sb.String()
}

// Leaves returns the networks that consume raw inputs, in the order
// ForwardInputs expects their tensors.
func Leaves(net Network) []Network {
	ins := net.InputNetworks()
	if len(ins) == 0 {
		return []Network{net}
	}
	var out []Network
	for _, in := range ins {
		out = append(out, Leaves(in)...)
	}
	return out
}
