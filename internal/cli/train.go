package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/datasets"
	"github.com/born-ml/vulcan/internal/models"
)

type trainOptions struct {
	csvFlags
	config     string
	train      []string
	val        []string
	epochs     int
	seed       uint64
	save       string
	history    string
	checkpoint string
	patience   int
	lr         float64
}

func trainCmd(g *globals) *cobra.Command {
	o := &trainOptions{}

	c := &cobra.Command{
		Use:   "train",
		Short: "Build a network from YAML and fit it on CSV data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(o.config)
			if err != nil {
				return err
			}
			if o.lr > 0 {
				cfg.Optimizer.LR = o.lr
			}
			b, release, err := g.backend(cfg.Device)
			if err != nil {
				return err
			}
			defer release()

			net, err := models.Build(cfg, b)
			if err != nil {
				return err
			}
			train, val, err := o.loaders(net)
			if err != nil {
				return err
			}

			var cbs []models.Callback
			if o.history != "" {
				cbs = append(cbs, models.NewCSVLogger(o.history))
			}
			if o.checkpoint != "" {
				cbs = append(cbs, models.NewCheckpoint(o.checkpoint))
			}
			if o.patience > 0 {
				cbs = append(cbs, models.NewEarlyStopping(o.patience, 0))
			}

			hist, err := net.Fit(cmd.Context(), train, val, o.epochs, models.WithCallbacks(cbs...))
			if err != nil {
				return err
			}
			if err := printEpoch(cmd.OutOrStdout(), hist); err != nil {
				return err
			}

			if o.save == "" {
				return nil
			}
			if err := models.Save(net, o.save); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", o.save)
			return err
		},
	}

	c.Flags().StringVarP(&o.config, "config", "c", "", "network YAML file (required)")
	c.Flags().StringSliceVar(&o.train, "train", nil, "training CSV, one per leaf input (required)")
	c.Flags().StringSliceVar(&o.val, "val", nil, "validation CSV, one per leaf input")
	c.Flags().IntVarP(&o.epochs, "epochs", "e", 10, "number of epochs")
	c.Flags().Uint64Var(&o.seed, "seed", 0, "shuffle seed")
	c.Flags().StringVar(&o.save, "save", "", "write the trained model here")
	c.Flags().StringVar(&o.history, "history", "", "write per-epoch metrics to this CSV")
	c.Flags().StringVar(&o.checkpoint, "checkpoint", "", "save the best model here after each improving epoch")
	c.Flags().IntVar(&o.patience, "patience", 0, "stop after this many epochs without improvement (0 disables)")
	c.Flags().Float64Var(&o.lr, "lr", 0, "override the configured learning rate")
	o.register(c)

	_ = c.MarkFlagRequired("config")
	_ = c.MarkFlagRequired("train")
	return c
}

func (o *trainOptions) loaders(net models.Network) (train, val *datasets.Loader, err error) {
	ds, err := loadData(net, o.train, o.csvFlags)
	if err != nil {
		return nil, nil, err
	}
	train, err = datasets.NewLoader(ds, datasets.LoaderOptions{BatchSize: o.batch, Shuffle: true, Seed: o.seed})
	if err != nil {
		return nil, nil, err
	}
	if len(o.val) == 0 {
		return train, nil, nil
	}
	vds, err := loadData(net, o.val, o.csvFlags)
	if err != nil {
		return nil, nil, err
	}
	val, err = datasets.NewLoader(vds, datasets.LoaderOptions{BatchSize: o.batch})
	if err != nil {
		return nil, nil, err
	}
	return train, val, nil
}

func printEpoch(w io.Writer, hist *models.History) error {
	e, ok := hist.Last()
	if !ok {
		return nil
	}
	line := fmt.Sprintf("epoch %d: loss=%.4f accuracy=%.4f", e.Epoch, e.TrainLoss, e.TrainAccuracy)
	if e.HasValidation {
		line += fmt.Sprintf(" val_loss=%.4f val_accuracy=%.4f", e.ValLoss, e.ValAccuracy)
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
