package job

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/id"
)

// Spec is a job submission request. It is validated before enqueue and
// converted into an immutable Job.
type Spec struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	InputFiles     []FileMapping     `json:"input_files,omitempty"`
	OutputPatterns []string          `json:"output_patterns,omitempty"`
	Resources      ResourceLimits    `json:"resources"`
	Priority       Priority          `json:"priority,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy,omitempty"`
}

// ValidationError reports which spec field was rejected and why. It wraps
// containercodes.ErrValidation so callers can match the whole category
// with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s: %s", containercodes.ErrValidation, e.Field, e.Reason)
}

// Unwrap makes errors.Is(err, containercodes.ErrValidation) true.
func (e *ValidationError) Unwrap() error { return containercodes.ErrValidation }

// Validate checks the spec for structural problems. It returns the first
// *ValidationError found, or nil.
func (s *Spec) Validate() error {
	if err := validateName(s.Name); err != nil {
		return err
	}
	if err := validateImage(s.Image); err != nil {
		return err
	}
	if len(s.Command) == 0 || s.Command[0] == "" {
		return &ValidationError{Field: "command", Reason: "must contain at least one argument"}
	}
	if err := validateEnv(s.Env); err != nil {
		return err
	}
	for i, m := range s.InputFiles {
		if m.Source == "" {
			return &ValidationError{Field: fmt.Sprintf("input_files[%d].source", i), Reason: "cannot be empty"}
		}
		if m.Destination == "" {
			return &ValidationError{Field: fmt.Sprintf("input_files[%d].destination", i), Reason: "cannot be empty"}
		}
		if filepath.IsAbs(m.Destination) || pathEscapes(m.Destination) {
			return &ValidationError{
				Field:  fmt.Sprintf("input_files[%d].destination", i),
				Reason: "must be a relative path inside the input area",
			}
		}
	}
	for i, p := range s.OutputPatterns {
		if p == "" {
			return &ValidationError{Field: fmt.Sprintf("output_patterns[%d]", i), Reason: "cannot be empty"}
		}
		if filepath.IsAbs(p) || pathEscapes(p) {
			return &ValidationError{
				Field:  fmt.Sprintf("output_patterns[%d]", i),
				Reason: "must be relative to the work directory",
			}
		}
		// path.Match is the matching engine at collection time; reject
		// patterns it cannot parse up front.
		if _, err := path.Match(p, ""); err != nil {
			return &ValidationError{Field: fmt.Sprintf("output_patterns[%d]", i), Reason: "malformed glob pattern"}
		}
	}
	if s.Resources.CPU < 0 {
		return &ValidationError{Field: "resources.cpu", Reason: "cannot be negative"}
	}
	if s.Resources.MemoryBytes < 0 {
		return &ValidationError{Field: "resources.memory_bytes", Reason: "cannot be negative"}
	}
	if s.Resources.DiskBytes < 0 {
		return &ValidationError{Field: "resources.disk_bytes", Reason: "cannot be negative"}
	}
	if s.Resources.Timeout < 0 {
		return &ValidationError{Field: "resources.timeout", Reason: "cannot be negative"}
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown tier %q", s.Priority)}
	}
	if s.RetryPolicy != nil {
		if err := validateRetryPolicy(s.RetryPolicy); err != nil {
			return err
		}
	}
	return nil
}

// NewJob validates the spec and builds a queued Job from it, applying
// defaults for priority and retry policy.
func NewJob(s Spec) (*Job, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	priority := s.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	policy := DefaultRetryPolicy()
	if s.RetryPolicy != nil {
		policy = *s.RetryPolicy
	}

	now := time.Now().UTC()
	return &Job{
		ID:             id.NewJobID(),
		Name:           s.Name,
		Image:          s.Image,
		Command:        append([]string(nil), s.Command...),
		Env:            s.Env,
		InputFiles:     append([]FileMapping(nil), s.InputFiles...),
		OutputPatterns: append([]string(nil), s.OutputPatterns...),
		Resources:      s.Resources,
		Priority:       priority,
		RetryPolicy:    policy,
		State:          StateQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func validateName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "cannot be empty"}
	}
	if len(name) > 63 {
		return &ValidationError{Field: "name", Reason: "cannot be longer than 63 characters"}
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return &ValidationError{Field: "name", Reason: "may only contain alphanumerics, hyphens, and underscores"}
		}
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return &ValidationError{Field: "name", Reason: "cannot start or end with a hyphen"}
	}
	return nil
}

func validateImage(image string) error {
	if image == "" {
		return &ValidationError{Field: "image", Reason: "cannot be empty"}
	}
	if strings.Contains(image, "..") || strings.Contains(image, "//") {
		return &ValidationError{Field: "image", Reason: "invalid image reference"}
	}
	return nil
}

func validateEnv(env map[string]string) error {
	for k := range env {
		if k == "" {
			return &ValidationError{Field: "env", Reason: "variable name cannot be empty"}
		}
		if k[0] >= '0' && k[0] <= '9' {
			return &ValidationError{Field: "env", Reason: fmt.Sprintf("variable %q cannot start with a digit", k)}
		}
		for _, r := range k {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
				return &ValidationError{
					Field:  "env",
					Reason: fmt.Sprintf("variable %q may only contain alphanumerics and underscores", k),
				}
			}
		}
	}
	return nil
}

func validateRetryPolicy(p *RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return &ValidationError{Field: "retry_policy.max_attempts", Reason: "must be at least 1"}
	}
	switch p.Backoff {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return &ValidationError{Field: "retry_policy.backoff", Reason: fmt.Sprintf("unknown strategy %q", p.Backoff)}
	}
	if p.BaseDelay < 0 {
		return &ValidationError{Field: "retry_policy.base_delay", Reason: "cannot be negative"}
	}
	if p.MaxDelay < 0 {
		return &ValidationError{Field: "retry_policy.max_delay", Reason: "cannot be negative"}
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return &ValidationError{Field: "retry_policy.max_delay", Reason: "cannot be smaller than base_delay"}
	}
	return nil
}

// pathEscapes reports whether a relative path climbs out of its root.
func pathEscapes(p string) bool {
	clean := path.Clean(filepath.ToSlash(p))
	return clean == ".." || strings.HasPrefix(clean, "../")
}
