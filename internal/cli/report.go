package cli

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
)

// targetWidth caps the TARGET column in the compact table.
const targetWidth = 60

// documentReport is the printable view of a document. Field tags drive both
// the JSON and the YAML output.
type documentReport struct {
	Path     string          `json:"path,omitempty"`
	Settings settingsReport  `json:"settings"`
	Backends []backendReport `json:"backends"`
}

type settingsReport struct {
	CallTimeout        string        `json:"callTimeout"`
	HandshakeTimeout   string        `json:"handshakeTimeout"`
	ShutdownGrace      string        `json:"shutdownGrace"`
	PingInterval       string        `json:"pingInterval"`
	NamespaceSeparator string        `json:"namespaceSeparator"`
	Restart            restartReport `json:"restart"`
}

type restartReport struct {
	MaxRetries     int     `json:"maxRetries"`
	InitialBackoff string  `json:"initialBackoff"`
	MaxBackoff     string  `json:"maxBackoff"`
	Multiplier     float64 `json:"multiplier"`
}

type backendReport struct {
	Name      string             `json:"name"`
	Kind      api.ConnectionKind `json:"kind"`
	Command   string             `json:"command,omitempty"`
	Args      []string           `json:"args,omitempty"`
	Env       []string           `json:"env,omitempty"`
	URL       string             `json:"url,omitempty"`
	Transport string             `json:"transport,omitempty"`
	Headers   []string           `json:"headers,omitempty"`
	Timeout   string             `json:"timeout,omitempty"`
	Restart   restartReport      `json:"restart"`
	Disabled  bool               `json:"disabled,omitempty"`
}

func newDocumentReport(doc *config.Document) documentReport {
	s := doc.Settings
	report := documentReport{
		Path: doc.Path,
		Settings: settingsReport{
			CallTimeout:        s.CallTimeout.String(),
			HandshakeTimeout:   s.HandshakeTimeout.String(),
			ShutdownGrace:      s.ShutdownGrace.String(),
			PingInterval:       s.PingInterval.String(),
			NamespaceSeparator: s.NamespaceSeparator,
			Restart:            newRestartReport(s.Restart),
		},
		Backends: make([]backendReport, 0, len(doc.Backends)),
	}

	for _, d := range doc.Backends {
		b := backendReport{
			Name:      d.Name,
			Kind:      d.Kind,
			Command:   d.Command,
			Args:      d.Args,
			Env:       sortedKeys(d.Env),
			URL:       d.URL,
			Transport: string(d.Transport),
			Headers:   sortedKeys(d.Headers),
			Restart:   newRestartReport(d.Restart),
			Disabled:  d.Disabled,
		}
		if d.Timeout > 0 {
			b.Timeout = d.Timeout.String()
		}
		report.Backends = append(report.Backends, b)
	}
	return report
}

func newRestartReport(p config.RestartPolicy) restartReport {
	return restartReport{
		MaxRetries:     p.MaxRetries,
		InitialBackoff: p.InitialBackoff.String(),
		MaxBackoff:     p.MaxBackoff.String(),
		Multiplier:     p.Multiplier,
	}
}

func renderTable(w io.Writer, report documentReport, opts Options) {
	wide := opts.Format == OutputFormatWide

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if opts.NoHeaders {
		t.SetStyle(table.StyleLight)
		t.Style().Options.DrawBorder = false
		t.Style().Options.SeparateColumns = false
		t.Style().Options.SeparateHeader = false
	}

	header := table.Row{"NAME", "KIND", "TARGET", "TRANSPORT", "TIMEOUT", "STATUS"}
	if wide {
		header = append(header, "RESTART", "ENV", "HEADERS")
	}
	if !opts.NoHeaders {
		t.AppendHeader(header)
	}

	disabled := 0
	for _, b := range report.Backends {
		status := paint(opts.Color, text.FgGreen, "enabled")
		if b.Disabled {
			status = paint(opts.Color, text.FgYellow, "disabled")
			disabled++
		}

		target := backendTarget(b)
		if !wide {
			target = text.Snip(target, targetWidth, "...")
		}
		timeout := b.Timeout
		if timeout == "" {
			timeout = "-"
		}

		row := table.Row{b.Name, string(b.Kind), target, orDash(b.Transport), timeout, status}
		if wide {
			row = append(row, restartSummary(b.Restart), orDash(strings.Join(b.Env, ",")), orDash(strings.Join(b.Headers, ",")))
		}
		t.AppendRow(row)
	}
	t.Render()

	if opts.NoHeaders {
		return
	}
	summary := fmt.Sprintf("✓ %s valid", pluralize(len(report.Backends), "backend"))
	if disabled > 0 {
		summary += fmt.Sprintf(" (%d disabled)", disabled)
	}
	fmt.Fprintln(w, paint(opts.Color, text.FgHiGreen, summary))
}

// backendTarget is the command line of a subprocess backend or the URL of a
// network backend.
func backendTarget(b backendReport) string {
	if b.Kind == api.ConnectionNetwork {
		return b.URL
	}
	parts := make([]string, 0, len(b.Args)+1)
	parts = append(parts, b.Command)
	for _, a := range b.Args {
		if strings.ContainsAny(a, " \t\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// restartSummary renders a policy such as "5x 1s..30s *2".
func restartSummary(r restartReport) string {
	retries := strconv.Itoa(r.MaxRetries)
	switch r.MaxRetries {
	case config.UnlimitedRetries:
		retries = "unlimited"
	case 0:
		return "never"
	}
	return fmt.Sprintf("%sx %s..%s *%s", retries, r.InitialBackoff, r.MaxBackoff,
		strconv.FormatFloat(r.Multiplier, 'f', -1, 64))
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// pluralize returns e.g. "1 backend" or "3 backends".
func pluralize(count int, singular string) string {
	if count == 1 {
		return fmt.Sprintf("%d %s", count, singular)
	}
	return fmt.Sprintf("%d %ss", count, singular)
}
