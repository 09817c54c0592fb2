package validators

import (
	"fmt"
	"strings"
)

// ToUserFriendlyName converts snake_case field names to user-friendly names
// Examples: "first_name" -> "First name", "tx_hash" -> "Tx hash"
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}

	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToLower(part)
		}
	}
	joined := strings.Join(parts, " ")
	return strings.ToUpper(joined[:1]) + joined[1:]
}

// ValidateStringEmpty requires a non-empty value.
func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if len(value) == 0 {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s is required.", userFriendlyName)),
			WithSuggestedAction(fmt.Sprintf("Please provide a valid %s.", userFriendlyName)),
			WithValidationCode(ValidationCodeRequired),
		)
	}
	return NewValidationResult(true, fieldName,
		WithValue(value),
		WithValidationCode(ValidationCodeSuccess),
	)
}
