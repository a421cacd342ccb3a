package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"

	"github.com/born-ml/vulcan/internal/buildinfo"
	"github.com/born-ml/vulcan/internal/domain"
)

const (
	docsMan      = "man"
	docsMarkdown = "markdown"
)

func docsCmd() *cobra.Command {
	var dir string
	var format string

	c := &cobra.Command{
		Use:   "docs",
		Short: "Generate manual pages or markdown for every command",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			root := cmd.Root()
			root.DisableAutoGenTag = true

			switch format {
			case docsMan:
				header := &doc.GenManHeader{
					Title:   "VULCAN",
					Section: "1",
					Source:  "Vulcan " + buildinfo.Version(),
					Manual:  "Vulcan Documentation",
				}
				if err := doc.GenManTree(root, header, dir); err != nil {
					return err
				}
			case docsMarkdown:
				if err := doc.GenMarkdownTree(root, dir); err != nil {
					return err
				}
			default:
				return domain.Errorf("cli.docs", domain.KindInvalidConfig, format,
					"unknown format %q (want %q or %q)", format, docsMan, docsMarkdown)
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s docs for vulcan %s to %s\n", format, buildinfo.ShortVersion(), dir)
			return err
		},
	}

	c.Flags().StringVarP(&dir, "dir", "d", "docs", "output directory")
	c.Flags().StringVarP(&format, "format", "f", docsMan, "output format: man or markdown")
	return c
}
