package cli

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/born-ml/vulcan/internal/buildinfo"
	"github.com/born-ml/vulcan/internal/device"
	"github.com/born-ml/vulcan/internal/logger"
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		stop()
		os.Exit(1)
	}
}

// execute runs the root command with args. The logger set up by the
// persistent pre-run is closed on every return path, failed commands
// included.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	cmd, g := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	defer func() {
		if cerr := g.closeLogger(); err == nil {
			err = cerr
		}
	}()
	return cmd.ExecuteContext(ctx)
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	debug     bool
	logFile   string
	logFormat string
	device    string

	cleanup func() error
}

func newRoot() (*cobra.Command, *globals) {
	g := &globals{}

	cmd := &cobra.Command{
		Use:           "vulcan",
		Short:         "Vulcan: build, train and inspect multi-input networks on Born",
		Version:       buildinfo.Version(),
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cleanup, err := logger.Setup(logger.Config{
				Debug:  g.debug,
				Format: g.logFormat,
				File:   g.logFile,
				Writer: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			g.cleanup = cleanup
			return nil
		},
	}

	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging with source locations")
	cmd.PersistentFlags().StringVar(&g.logFile, "log-file", "", "append JSON logs to this file instead of stderr")
	cmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text or json")
	cmd.PersistentFlags().StringVar(&g.device, "device", "", "compute device: cpu or webgpu (default: the config's device, else cpu)")

	cmd.AddCommand(
		versionCmd(),
		docsCmd(),
		describeCmd(g),
		trainCmd(g),
		evaluateCmd(g),
		crossValidateCmd(g),
		saliencyCmd(g),
	)
	return cmd, g
}

func (g *globals) closeLogger() error {
	if g.cleanup == nil {
		return nil
	}
	cleanup := g.cleanup
	g.cleanup = nil
	return cleanup()
}

// backend opens the --device backend, falling back to fallback when the flag
// is unset.
func (g *globals) backend(fallback string) (*device.Backend, func(), error) {
	name := g.device
	if name == "" {
		name = fallback
	}
	return device.New(name)
}
