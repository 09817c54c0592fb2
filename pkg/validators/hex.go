package validators

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
)

const (
	// AddressLength is the number of hex digits in a caller address.
	AddressLength = 40

	// HashLength is the number of hex digits in a transaction hash.
	HashLength = 64
)

// ValidateAddress checks that value is "0x" followed by 40 hex digits.
func ValidateAddress(fieldName string, value string) *ValidationResult {
	return validatePrefixedHex(fieldName, value, AddressLength, "0x70997970c51812dc3a010c7d01b50e0d17dc79c8")
}

// ValidateTxHash checks that value is "0x" followed by 64 hex digits.
func ValidateTxHash(fieldName string, value string) *ValidationResult {
	return validatePrefixedHex(fieldName, value, HashLength, "0x"+strings.Repeat("ab", HashLength/2))
}

func validatePrefixedHex(fieldName, value string, digits int, example string) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)

	if len(value) == 0 {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s is required", userFriendlyName)),
			WithSuggestedAction(fmt.Sprintf("Please provide a %s, e.g. '%s'.", userFriendlyName, example)),
			WithValidationCode(ValidationCodeRequired),
		)
	}

	body, ok := strings.CutPrefix(value, "0x")
	if !ok || len(body) != digits || !govalidator.IsHexadecimal(body) {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s %q is not 0x followed by %d hex digits", userFriendlyName, value, digits)),
			WithSuggestedAction(fmt.Sprintf("Please provide a %s, e.g. '%s'.", userFriendlyName, example)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}

	return NewValidationResult(true, fieldName,
		WithValue(value),
		WithValidationCode(ValidationCodeSuccess),
	)
}
