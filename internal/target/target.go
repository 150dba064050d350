// Package target defines the monitored endpoints and their configuration.
package target

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Auth holds the credentials for a shell-backed target. Password and
// private key are mutually exclusive variants.
type Auth struct {
	Username   string `yaml:"username" json:"username" validate:"required,min=1"`
	Password   string `yaml:"password,omitempty" json:"-"`
	KeyFile    string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty" json:"-"`
}

// Validate enforces the password-or-key variant
func (a *Auth) Validate() error {
	if a.Password == "" && a.KeyFile == "" {
		return fmt.Errorf("either password or key_file is required")
	}
	if a.Password != "" && a.KeyFile != "" {
		return fmt.Errorf("password and key_file are mutually exclusive")
	}
	return nil
}

// TimeSeriesSource describes an optional pull-based metrics query service
// layered on top of the shell probes.
type TimeSeriesSource struct {
	URL      string `yaml:"url" json:"url" validate:"required,url"`
	CertFile string `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	CAFile   string `yaml:"ca_file,omitempty" json:"ca_file,omitempty"`
}

// Target is a configured remote host or local-only time-series endpoint.
type Target struct {
	Label     string            `yaml:"label" json:"label" validate:"required,min=1"`
	Host      string            `yaml:"host,omitempty" json:"host,omitempty"`
	Port      int               `yaml:"port,omitempty" json:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Auth      *Auth             `yaml:"auth,omitempty" json:"auth,omitempty"`
	Source    *TimeSeriesSource `yaml:"source,omitempty" json:"source,omitempty"`
	LogPaths  []string          `yaml:"log_paths,omitempty" json:"log_paths,omitempty"`
	LocalOnly bool              `yaml:"local_only,omitempty" json:"local_only"`
}

// Key returns the identity of the target: user@host:port for shell-backed
// targets, the label for local-only ones.
func (t *Target) Key() string {
	if t.LocalOnly {
		return t.Label
	}
	user := ""
	if t.Auth != nil {
		user = t.Auth.Username
	}
	return fmt.Sprintf("%s@%s:%d", user, t.Host, t.PortOrDefault())
}

// PortOrDefault returns the configured port, defaulting to 22
func (t *Target) PortOrDefault() int {
	if t.Port > 0 {
		return t.Port
	}
	return 22
}

// Address returns the host:port dial address for shell-backed targets
func (t *Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.PortOrDefault())
}

var validate = validator.New()

// ValidationError represents a field-level validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors holds multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// Validate checks a target's structural and cross-field constraints.
// Local-only targets require a time-series source and no shell auth;
// shell-backed targets require host and auth.
func (t *Target) Validate() error {
	if err := validate.Struct(t); err != nil {
		validationErrs := &ValidationErrors{}
		for _, e := range err.(validator.ValidationErrors) {
			validationErrs.Errors = append(validationErrs.Errors, ValidationError{
				Field:   toSnakeCase(e.Field()),
				Message: formatValidationMessage(e),
			})
		}
		return validationErrs
	}

	if t.LocalOnly {
		if t.Source == nil {
			return &ValidationErrors{Errors: []ValidationError{{
				Field: "source", Message: "local-only target requires a time-series source",
			}}}
		}
		return nil
	}

	if t.Host == "" {
		return &ValidationErrors{Errors: []ValidationError{{
			Field: "host", Message: "host is required for shell-backed targets",
		}}}
	}
	if t.Auth == nil {
		return &ValidationErrors{Errors: []ValidationError{{
			Field: "auth", Message: "auth is required for shell-backed targets",
		}}}
	}
	if err := t.Auth.Validate(); err != nil {
		return &ValidationErrors{Errors: []ValidationError{{
			Field: "auth", Message: err.Error(),
		}}}
	}
	return nil
}

// formatValidationMessage creates human-readable error messages
func formatValidationMessage(e validator.FieldError) string {
	field := toSnakeCase(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if e.Kind().String() == "string" {
			return fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		}
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case
func toSnakeCase(s string) string {
	var result strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				result.WriteByte('_')
			}
			result.WriteByte(byte(r + 'a' - 'A'))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}
