package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/config"
	"github.com/born-ml/vulcan/internal/models"
)

func describeCmd(g *globals) *cobra.Command {
	var cfgPath string
	var modelPath string

	c := &cobra.Command{
		Use:   "describe",
		Short: "Print the units, output shapes and parameter counts of a network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var net models.Network
			if modelPath != "" {
				n, release, err := loadModel(g, modelPath)
				if err != nil {
					return err
				}
				defer release()
				net = n
			} else {
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				b, release, err := g.backend(cfg.Device)
				if err != nil {
					return err
				}
				defer release()
				if net, err = models.Build(cfg, b); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s, %d inputs, out %v)\n\n", net.Name(), net.Type(), net.NumInputs(), net.OutDim())
			_, err := fmt.Fprint(out, models.FormatSummary(models.Summary(net)))
			return err
		},
	}

	c.Flags().StringVarP(&cfgPath, "config", "c", "", "network YAML file")
	c.Flags().StringVarP(&modelPath, "model", "m", "", "saved model instead of a config")
	c.MarkFlagsOneRequired("config", "model")
	c.MarkFlagsMutuallyExclusive("config", "model")
	return c
}
