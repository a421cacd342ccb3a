package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/models"
)

// csvFlags describes how sample tables are read. Every file holds one leaf
// input; labels come from the first file only.
type csvFlags struct {
	labelCol int
	header   bool
	batch    int
}

func (f *csvFlags) register(c *cobra.Command) {
	c.Flags().IntVar(&f.labelCol, "label-col", 0, "label column in the first data file")
	c.Flags().BoolVar(&f.header, "header", false, "data files start with a header row")
	c.Flags().IntVarP(&f.batch, "batch", "b", 32, "batch size")
}

// loadData reads one CSV per leaf input of net and zips them into a single
// dataset in the order ForwardInputs expects.
func loadData(net models.Network, paths []string, f csvFlags) (datasets.Dataset, error) {
	leaves := models.Leaves(net)
	if len(paths) != len(leaves) {
		names := make([]string, len(leaves))
		for i, l := range leaves {
			names[i] = l.Name()
		}
		return nil, domain.Errorf("cli.load_data", domain.KindInvalidConfig, net.Name(),
			"network takes %d inputs (%s), got %d data files", len(leaves), strings.Join(names, ", "), len(paths))
	}

	sources := make([]datasets.Source, len(paths))
	for i, p := range paths {
		opts := datasets.LoadCSVOptions{LabelColumn: -1, Shape: leaves[i].InDim(), Header: f.header}
		if i == 0 {
			opts.LabelColumn = f.labelCol
		}
		ds, err := datasets.LoadCSV(p, opts)
		if err != nil {
			return nil, err
		}
		sources[i] = datasets.Source{Dataset: ds, UseData: true, UseTarget: i == 0}
	}
	if len(sources) == 1 {
		return sources[0].Dataset, nil
	}
	return datasets.NewMultiDataset(sources...)
}

func loadModel(g *globals, path string) (models.Network, func(), error) {
	b, release, err := g.backend(device.CPU)
	if err != nil {
		return nil, nil, err
	}
	net, err := models.Load(path, b)
	if err != nil {
		release()
		return nil, nil, err
	}
	return net, release, nil
}
