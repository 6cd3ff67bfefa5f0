package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Error types reported in ConfigError.ErrorType.
const (
	ErrorTypeIO         = "io"
	ErrorTypeParse      = "parse"
	ErrorTypeValidation = "validation"
)

// ConfigError is the only error Load returns. It is fatal at startup: the
// aggregator never starts a partial backend set.
type ConfigError struct {
	FilePath  string           `json:"filePath"`
	ErrorType string           `json:"errorType"`
	Message   string           `json:"message"`
	Problems  ValidationErrors `json:"problems,omitempty"`
	Err       error            `json:"-"`
}

// Error implements the error interface
func (ce *ConfigError) Error() string {
	name := filepath.Base(ce.FilePath)
	if ce.FilePath == "" {
		name = "<inline>"
	}
	if len(ce.Problems) > 0 {
		return fmt.Sprintf("config %s: %s", name, ce.Problems.Error())
	}
	return fmt.Sprintf("config %s: %s", name, ce.Message)
}

func (ce *ConfigError) Unwrap() error { return ce.Err }

// DetailedError returns a multi-line report with one entry per problem.
func (ce *ConfigError) DetailedError() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Configuration Error: %s", ce.Message))
	if ce.FilePath != "" {
		parts = append(parts, fmt.Sprintf("  File: %s", ce.FilePath))
	}
	parts = append(parts, fmt.Sprintf("  Type: %s", ce.ErrorType))

	if len(ce.Problems) > 0 {
		parts = append(parts, fmt.Sprintf("  Problems (%d):", len(ce.Problems)))
		for _, p := range ce.Problems {
			if p.Line > 0 {
				parts = append(parts, fmt.Sprintf("    - line %d: %s", p.Line, p.Error()))
			} else {
				parts = append(parts, fmt.Sprintf("    - %s", p.Error()))
			}
		}
	} else if ce.Err != nil {
		parts = append(parts, fmt.Sprintf("  Details: %v", ce.Err))
	}

	if s := ce.suggestions(); len(s) > 0 {
		parts = append(parts, "  Suggestions:")
		for _, suggestion := range s {
			parts = append(parts, fmt.Sprintf("    - %s", suggestion))
		}
	}

	return strings.Join(parts, "\n")
}

func (ce *ConfigError) suggestions() []string {
	switch ce.ErrorType {
	case ErrorTypeIO:
		return []string{"check that the --config path exists and is readable"}
	case ErrorTypeParse:
		return []string{"the document must be a JSON or YAML object with an mcpServers map or a backends list"}
	}
	return nil
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
