package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/multimcp/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConfigError indicates the configuration document is invalid.
	ExitCodeConfigError = 2
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "multimcp",
	Short: "Aggregate many MCP servers behind one endpoint",
	Long: `multimcp starts or connects to a set of MCP servers (subprocesses or
network endpoints), merges their tools, resources and prompts into one
namespace and serves them to a single client over stdio or SSE.`,
	// Errors are printed by Execute.
	SilenceUsage:  true,
	SilenceErrors: true,
}

// SetVersion sets the version reported by --version and the version command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the version set at build time.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "multimcp version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		printError(rootCmd, err)
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps an error to the process exit code.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitCodeConfigError
	}
	return ExitCodeError
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newVersionCmd())
}
