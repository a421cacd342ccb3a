package cli

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/domain"
	"github.com/born-ml/vulcan/internal/models"
	"github.com/born-ml/vulcan/internal/saliency"
)

func saliencyCmd(g *globals) *cobra.Command {
	var model string
	var data []string
	var out string
	var normalize bool
	var flags csvFlags

	c := &cobra.Command{
		Use:   "saliency",
		Short: "Write guided backprop gradients of the true class for every sample",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			net, release, err := loadModel(g, model)
			if err != nil {
				return err
			}
			defer release()

			ds, err := loadData(net, data, flags)
			if err != nil {
				return err
			}
			loader, err := datasets.NewLoader(ds, datasets.LoaderOptions{BatchSize: flags.batch})
			if err != nil {
				return err
			}

			gbp, err := saliency.NewGuidedBackprop(net)
			if err != nil {
				return err
			}
			defer gbp.RemoveHooks()

			f, err := os.Create(out)
			if err != nil {
				return &domain.OpError{Op: "cli.saliency", Kind: domain.KindNotFound, Name: out, Err: err}
			}
			defer func() { _ = f.Close() }()
			w := csv.NewWriter(f)
			if err := writeSaliency(cmd, w, net, gbp, loader, normalize); err != nil {
				return err
			}
			w.Flush()
			if err := w.Error(); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", out)
			return nil
		},
	}

	c.Flags().StringVarP(&model, "model", "m", "", "saved model (required)")
	c.Flags().StringSliceVar(&data, "data", nil, "labelled CSV, one per leaf input (required)")
	c.Flags().StringVarP(&out, "out", "o", "saliency.csv", "output CSV")
	c.Flags().BoolVar(&normalize, "normalize", false, "rescale each sample's gradient to [0, 1]")
	flags.register(c)

	_ = c.MarkFlagRequired("model")
	_ = c.MarkFlagRequired("data")
	return c
}

// writeSaliency emits one row per sample and leaf input: the input network
// name, the sample index, its label and the flattened gradient.
func writeSaliency(cmd *cobra.Command, w *csv.Writer, net models.Network, gbp *saliency.GuidedBackprop, loader *datasets.Loader, normalize bool) error {
	if err := w.Write([]string{"input", "sample", "label", "gradient..."}); err != nil {
		return err
	}
	leaves := models.Leaves(net)
	batches, err := loader.Batches()
	if err != nil {
		return err
	}

	sample := 0
	for _, batch := range batches {
		if err := cmd.Context().Err(); err != nil {
			return err
		}
		inputs, err := batch.Inputs(net.Backend())
		if err != nil {
			return err
		}
		labels, err := batch.ClassIndices(net.NumClasses())
		if err != nil {
			return err
		}
		grads, err := gbp.GenerateGradients(inputs, labels)
		if err != nil {
			return err
		}

		for i, grad := range grads {
			rows := perSample(grad)
			for j, row := range rows {
				if normalize {
					row = normalizeRow(row, grad.Backend())
				}
				rec := make([]string, 0, len(row)+3)
				rec = append(rec, leaves[i].Name(), strconv.Itoa(sample+j), strconv.Itoa(labels[j]))
				for _, v := range row {
					rec = append(rec, strconv.FormatFloat(float64(v), 'g', 6, 32))
				}
				if err := w.Write(rec); err != nil {
					return err
				}
			}
		}
		sample += batch.Size()
	}
	return nil
}

func perSample(t *device.Tensor) [][]float32 {
	n := t.Shape()[0]
	data := t.Data()
	width := len(data) / n
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = data[i*width : (i+1)*width]
	}
	return rows
}

func normalizeRow(row []float32, b *device.Backend) []float32 {
	t, err := device.FromSlice(row, []int{1, len(row)}, b)
	if err != nil {
		return row
	}
	return saliency.Normalize(t).Data()
}
