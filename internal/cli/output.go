package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/multimcp/internal/config"
)

// OutputFormat selects how a report is rendered.
type OutputFormat string

const (
	// OutputFormatTable is a compact table.
	OutputFormatTable OutputFormat = "table"
	// OutputFormatWide adds env, header and restart columns.
	OutputFormatWide OutputFormat = "wide"
	OutputFormatJSON OutputFormat = "json"
	OutputFormatYAML OutputFormat = "yaml"
)

// ValidOutputFormats lists every accepted format.
var ValidOutputFormats = []OutputFormat{
	OutputFormatTable,
	OutputFormatWide,
	OutputFormatJSON,
	OutputFormatYAML,
}

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range ValidOutputFormats {
		if f == valid {
			return f, nil
		}
	}
	names := make([]string, len(ValidOutputFormats))
	for i, v := range ValidOutputFormats {
		names[i] = string(v)
	}
	return "", fmt.Errorf("unsupported output format %q (valid: %s)", s, strings.Join(names, ", "))
}

// Options tune rendering.
type Options struct {
	Format OutputFormat
	// NoHeaders drops the header row and the summary line from tables.
	NoHeaders bool
	// Color enables ANSI colors in tables.
	Color bool
}

// PrintDocument renders a validated document.
func PrintDocument(w io.Writer, doc *config.Document, opts Options) error {
	report := newDocumentReport(doc)

	switch opts.Format {
	case OutputFormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format as JSON: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case OutputFormatYAML:
		data, err := yaml.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to format as YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	case OutputFormatTable, OutputFormatWide, "":
		renderTable(w, report, opts)
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", opts.Format)
	}
}

// PrintError writes err for an operator. Configuration errors get the
// detailed report with one line per problem.
func PrintError(w io.Writer, err error, color bool) {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintln(w, paint(color, text.FgRed, cfgErr.DetailedError()))
		return
	}
	fmt.Fprintln(w, paint(color, text.FgRed, "Error: "+err.Error()))
}

func paint(enabled bool, c text.Color, s string) string {
	if !enabled {
		return s
	}
	return c.Sprint(s)
}
