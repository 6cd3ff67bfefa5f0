package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/multimcp/internal/app"
	"github.com/giantswarm/multimcp/internal/cli"
	"github.com/giantswarm/multimcp/internal/config"
	"github.com/giantswarm/multimcp/pkg/logging"
)

type checkOptions struct {
	configPath string
	output     string
	noHeaders  bool
	noColor    bool
}

func newCheckCmd() *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a configuration document",
		Long: `Loads and validates a configuration document without starting anything,
then prints the backends it defines.

Every problem in the document is reported at once. The command exits with
status 2 when the document is invalid.

Examples:
  multimcp check --config ./mcp.json
  multimcp check --config ./mcp.yaml -o yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.ParseOutputFormat(opts.output)
			if err != nil {
				return err
			}
			return runCheck(cmd.OutOrStdout(), opts.configPath, cli.Options{
				Format:    format,
				NoHeaders: opts.noHeaders,
				Color:     !opts.noColor,
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", app.DefaultConfigPath, "Path to the JSON or YAML configuration document")
	f.StringVarP(&opts.output, "output", "o", string(cli.OutputFormatTable), "Output format (table, wide, json, yaml)")
	f.BoolVar(&opts.noHeaders, "no-headers", false, "Suppress the header row and summary in table output")
	f.BoolVar(&opts.noColor, "no-color", false, "Disable colored table output")

	return cmd
}

func runCheck(out io.Writer, path string, opts cli.Options) error {
	logging.InitForCLI(logging.LevelWarn, os.Stderr)

	doc, err := config.Load(path)
	if err != nil {
		return err
	}
	return cli.PrintDocument(out, doc, opts)
}

// printError writes a command failure to stderr.
func printError(cmd *cobra.Command, err error) {
	cli.PrintError(cmd.ErrOrStderr(), err, true)
}
