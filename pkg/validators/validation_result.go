package validators

import (
	"fmt"
)

// ValidationCode represents the type of validation result
type ValidationCode string

const (
	ValidationCodeUnspecified ValidationCode = "unspecified"
	ValidationCodeSuccess     ValidationCode = "success"
	ValidationCodeRequired    ValidationCode = "required"
	ValidationCodeInvalid     ValidationCode = "invalid"
)

// ValidationOption defines a function that can customize a ValidationResult
type ValidationOption func(*ValidationResult)

// ValidationResult represents the result of a validation operation
type ValidationResult struct {
	IsValid         bool           `json:"is_valid"`
	FieldName       string         `json:"field_name"`
	Value           string         `json:"value"`
	Message         string         `json:"message"`
	SuggestedAction string         `json:"suggested_action"`
	ValidationCode  ValidationCode `json:"validation_code"`
}

// WithValue sets a custom value for display
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = value
	}
}

// WithMessage sets a custom validation message
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Message = message
	}
}

// WithSuggestedAction sets a custom suggested action
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.SuggestedAction = action
	}
}

// WithValidationCode sets the validation code
func WithValidationCode(code ValidationCode) ValidationOption {
	return func(vr *ValidationResult) {
		vr.ValidationCode = code
	}
}

// NewValidationResult creates a new ValidationResult
func NewValidationResult(isValid bool, fieldName string, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:        isValid,
		FieldName:      fieldName,
		ValidationCode: ValidationCodeUnspecified,
	}
	for _, option := range options {
		option(vr)
	}
	return vr
}

// Err returns nil for a valid result and an error wrapping sentinel otherwise.
// sentinel may be nil.
func (vr *ValidationResult) Err(sentinel error) error {
	if vr.IsValid {
		return nil
	}
	if sentinel == nil {
		return fmt.Errorf("%s: %s", vr.FieldName, vr.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, vr.Message)
}

// First returns the first invalid result, or nil if all are valid.
func First(results ...*ValidationResult) *ValidationResult {
	for _, r := range results {
		if !r.IsValid {
			return r
		}
	}
	return nil
}
