package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Line    int
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// AddAt adds a validation error with the document line it refers to.
func (ve *ValidationErrors) AddAt(line int, field, message string) {
	*ve = append(*ve, ValidationError{Field: field, Message: message, Line: line})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateBackendName checks that a backend name can be used as a
// namespace prefix.
func ValidateBackendName(name, separator string) error {
	if strings.TrimSpace(name) == "" {
		return ValidationError{Field: "name", Value: name, Message: "is required for backend"}
	}
	if len(name) > 100 {
		return ValidationError{Field: "name", Value: name, Message: "must not exceed 100 characters"}
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return ValidationError{Field: "name", Value: name, Message: "cannot contain whitespace"}
	}
	if separator != "" && strings.Contains(name, separator) {
		return ValidationError{
			Field:   "name",
			Value:   name,
			Message: fmt.Sprintf("cannot contain the namespace separator %q", separator),
		}
	}
	if strings.Contains(name, "+") {
		return ValidationError{Field: "name", Value: name, Message: "cannot contain '+'"}
	}
	return nil
}

// ValidateHTTPURL checks that raw is an absolute http or https URL.
func ValidateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ValidationError{Field: field, Value: raw, Message: fmt.Sprintf("is not a valid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ValidationError{Field: field, Value: raw, Message: "must use the http or https scheme"}
	}
	if u.Host == "" {
		return ValidationError{Field: field, Value: raw, Message: "must include a host"}
	}
	return nil
}

// ValidateRestartPolicy checks the numeric bounds of a restart policy.
func ValidateRestartPolicy(field string, p RestartPolicy) ValidationErrors {
	var errs ValidationErrors
	if p.MaxRetries < UnlimitedRetries {
		errs.Add(field+".maxRetries", "must be -1 (unlimited) or greater", p.MaxRetries)
	}
	if p.InitialBackoff < 0 {
		errs.Add(field+".initialBackoff", "must not be negative", p.InitialBackoff)
	}
	if p.MaxBackoff < 0 {
		errs.Add(field+".maxBackoff", "must not be negative", p.MaxBackoff)
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.InitialBackoff {
		errs.Add(field+".maxBackoff", "must not be smaller than initialBackoff", p.MaxBackoff)
	}
	if p.Multiplier < 1 {
		errs.Add(field+".multiplier", "must be at least 1", p.Multiplier)
	}
	return errs
}
