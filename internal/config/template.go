package config

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// expandTemplate renders env and header values such as
// `{{ env "API_TOKEN" }}` or `Bearer {{ .Env.API_TOKEN }}`. Values without
// template actions are returned unchanged.
func expandTemplate(name, raw string) (string, error) {
	if !strings.Contains(raw, "{{") {
		return raw, nil
	}

	tmpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, map[string]any{"Env": environ()}); err != nil {
		return "", fmt.Errorf("template evaluation failed: %w", err)
	}
	return buf.String(), nil
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
