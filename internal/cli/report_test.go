package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/giantswarm/multimcp/internal/api"
	"github.com/giantswarm/multimcp/internal/config"
)

func testDocument() *config.Document {
	settings := config.DefaultSettings()
	return &config.Document{
		Path:     "mcp.json",
		Settings: settings,
		Backends: []config.BackendDescriptor{
			{
				Name:    "geo",
				Kind:    api.ConnectionSubprocess,
				Command: "python",
				Args:    []string{"geo.py", "--region", "eu west"},
				Env:     map[string]string{"API_TOKEN": "s3cret", "REGION": "eu"},
				Timeout: 5 * time.Second,
				Restart: settings.Restart,
			},
			{
				Name:      "weather",
				Kind:      api.ConnectionNetwork,
				URL:       "http://127.0.0.1:9000/sse",
				Transport: config.TransportSSE,
				Headers:   map[string]string{"Authorization": "Bearer s3cret"},
				Restart:   config.RestartPolicy{MaxRetries: 0},
				Disabled:  true,
			},
		},
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{in: "table", want: OutputFormatTable},
		{in: "WIDE", want: OutputFormatWide},
		{in: " yaml ", want: OutputFormatYAML},
		{in: "json", want: OutputFormatJSON},
		{in: "xml", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOutputFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "valid: table, wide, json, yaml")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintDocument_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintDocument(&buf, testDocument(), Options{Format: OutputFormatTable}))
	out := buf.String()

	for _, want := range []string{"NAME", "geo", "weather", `python geo.py --region "eu west"`, "http://127.0.0.1:9000/sse", "5s", "disabled", "2 backends valid (1 disabled)"} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "RESTART")
	assert.NotContains(t, out, "s3cret")
	assert.Less(t, strings.Index(out, "geo"), strings.Index(out, "weather"), "document order is kept")
}

func TestPrintDocument_Wide(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintDocument(&buf, testDocument(), Options{Format: OutputFormatWide}))
	out := buf.String()

	assert.Contains(t, out, "RESTART")
	assert.Contains(t, out, "5x 1s..30s *2")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "API_TOKEN,REGION")
	assert.Contains(t, out, "Authorization")
	assert.NotContains(t, out, "s3cret")
}

func TestPrintDocument_NoHeaders(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintDocument(&buf, testDocument(), Options{Format: OutputFormatTable, NoHeaders: true}))
	out := buf.String()

	assert.NotContains(t, out, "NAME")
	assert.NotContains(t, out, "valid")
	assert.Contains(t, out, "geo")
}

func TestPrintDocument_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintDocument(&buf, testDocument(), Options{Format: OutputFormatYAML}))
	assert.NotContains(t, buf.String(), "s3cret")

	var got documentReport
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got.Backends, 2)
	assert.Equal(t, "1m0s", got.Settings.CallTimeout)
	assert.Equal(t, ".", got.Settings.NamespaceSeparator)

	geo := got.Backends[0]
	assert.Equal(t, "geo", geo.Name)
	assert.Equal(t, api.ConnectionSubprocess, geo.Kind)
	assert.Equal(t, []string{"API_TOKEN", "REGION"}, geo.Env)
	assert.Equal(t, "5s", geo.Timeout)

	weather := got.Backends[1]
	assert.True(t, weather.Disabled)
	assert.Equal(t, "sse", weather.Transport)
	assert.Equal(t, []string{"Authorization"}, weather.Headers)
}

func TestPrintDocument_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintDocument(&buf, testDocument(), Options{Format: OutputFormatJSON}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "mcp.json", got["path"])
	assert.Len(t, got["backends"], 2)
}

func TestPrintError(t *testing.T) {
	_, err := config.Parse([]byte(`{"mcpServers": {"geo": {}}}`), "mcp.json")
	require.Error(t, err)

	tests := []struct {
		name string
		err  error
		want []string
	}{
		{
			name: "config error gets the detailed report",
			err:  err,
			want: []string{"Configuration Error", "File: mcp.json", "Problems (1)", "mcpServers.geo"},
		},
		{
			name: "other errors are one line",
			err:  errors.New("boom"),
			want: []string{"Error: boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			PrintError(&buf, tt.err, false)
			for _, w := range tt.want {
				assert.Contains(t, buf.String(), w)
			}
		})
	}
}
