package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/models"
)

func crossValidateCmd(g *globals) *cobra.Command {
	var cfgPath string
	var data []string
	var folds, epochs int
	var flags csvFlags

	c := &cobra.Command{
		Use:   "crossval",
		Short: "Run k-fold cross-validation of a network config on CSV data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			b, release, err := g.backend(cfg.Device)
			if err != nil {
				return err
			}
			defer release()

			build := func() (models.Network, error) { return models.Build(cfg, b) }
			template, err := build()
			if err != nil {
				return err
			}
			ds, err := loadData(template, data, flags)
			if err != nil {
				return err
			}

			reports, err := models.CrossValidate(cmd.Context(), build, ds, folds, epochs, flags.batch)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			mean := 0.0
			for i, r := range reports {
				fmt.Fprintf(out, "fold %d/%d\n%s\n", i+1, len(reports), r.String())
				mean += r.Accuracy
			}
			_, err = fmt.Fprintf(out, "mean accuracy: %.4f\n", mean/float64(len(reports)))
			return err
		},
	}

	c.Flags().StringVarP(&cfgPath, "config", "c", "", "network YAML file (required)")
	c.Flags().StringSliceVar(&data, "data", nil, "CSV, one per leaf input (required)")
	c.Flags().IntVarP(&folds, "folds", "k", 5, "number of folds")
	c.Flags().IntVarP(&epochs, "epochs", "e", 10, "epochs per fold")
	flags.register(c)

	_ = c.MarkFlagRequired("config")
	_ = c.MarkFlagRequired("data")
	return c
}
