// Package cli renders operator-facing output for the command line.
//
// The check command loads a configuration document and hands it to
// PrintDocument, which renders the validated backends as a table (the
// default), a wide table, JSON or YAML. Environment and header values are
// never printed because they may hold expanded secrets; only their keys are.
//
// PrintError renders a *config.ConfigError as its detailed multi-line report
// and any other error as a single line.
package cli
