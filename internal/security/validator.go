package security

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ValidationResult holds the outcome of upload validation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// Err folds the result into a single error, or nil when valid.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%s", strings.Join(r.Errors, "; "))
}

// Validator checks uploaded function source and caller identities before
// anything reaches the store.
type Validator struct {
	maxBytes int
	maxLines int
	isMarker func(string) bool
}

// NewValidator creates a Validator. isMarker reports lines that collide with
// store markers; it may be nil.
func NewValidator(maxBytes, maxLines int, isMarker func(string) bool) *Validator {
	return &Validator{maxBytes: maxBytes, maxLines: maxLines, isMarker: isMarker}
}

// ValidateContent checks function source size, encoding and contents.
func (v *Validator) ValidateContent(content string) ValidationResult {
	result := ValidationResult{Valid: true}

	if strings.TrimSpace(content) == "" {
		result.Valid = false
		result.Errors = append(result.Errors, "content is empty")
		return result
	}
	if v.maxBytes > 0 && len(content) > v.maxBytes {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("content is %d bytes, limit is %d", len(content), v.maxBytes))
		return result
	}
	if !utf8.ValidString(content) {
		result.Valid = false
		result.Errors = append(result.Errors, "content is not valid UTF-8")
		return result
	}

	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	if v.maxLines > 0 && len(lines) > v.maxLines {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("content has %d lines, limit is %d", len(lines), v.maxLines))
	}

	for i, line := range lines {
		if r, ok := controlChar(line); ok {
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("line %d: control character %U", i+1, r))
			break
		}
	}

	if v.isMarker != nil {
		for i, line := range lines {
			if v.isMarker(line) {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("line %d: reserved marker line", i+1))
				break
			}
		}
	}

	if strings.Contains(content, "\t") && strings.Contains(content, "    ") {
		result.Warnings = append(result.Warnings, "mixed tab and space indentation")
	}
	return result
}

// ValidateIdentity checks an author identity. Identities are written into
// marker lines, so field separators are not allowed.
func (v *Validator) ValidateIdentity(identity string) error {
	switch {
	case strings.TrimSpace(identity) == "":
		return fmt.Errorf("identity is empty")
	case identity != strings.TrimSpace(identity):
		return fmt.Errorf("identity has surrounding whitespace")
	case strings.ContainsAny(identity, ",\r\n"):
		return fmt.Errorf("identity contains a separator")
	}
	if r, ok := controlChar(identity); ok {
		return fmt.Errorf("identity contains control character %U", r)
	}
	return nil
}

// controlChar returns the first control character other than tab.
func controlChar(s string) (rune, bool) {
	for _, r := range s {
		if r != '\t' && unicode.IsControl(r) {
			return r, true
		}
	}
	return 0, false
}
