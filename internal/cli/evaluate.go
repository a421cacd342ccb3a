package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/datasets"
)

func evaluateCmd(g *globals) *cobra.Command {
	var model string
	var data []string
	var flags csvFlags

	c := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a saved classifier on labelled CSV data",
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
			report, err := net.Evaluate(cmd.Context(), loader)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), report.String())
			return err
		},
	}

	c.Flags().StringVarP(&model, "model", "m", "", "saved model (required)")
	c.Flags().StringSliceVar(&data, "data", nil, "CSV, one per leaf input (required)")
	flags.register(c)

	_ = c.MarkFlagRequired("model")
	_ = c.MarkFlagRequired("data")
	return c
}
