package validators

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name  string
		value string
		valid bool
		code  ValidationCode
	}{
		{"lowercase", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8", true, ValidationCodeSuccess},
		{"checksummed", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", true, ValidationCodeSuccess},
		{"empty", "", false, ValidationCodeRequired},
		{"no prefix", "70997970c51812dc3a010c7d01b50e0d17dc79c8", false, ValidationCodeInvalid},
		{"too short", "0x7099", false, ValidationCodeInvalid},
		{"not hex", "0xzz997970c51812dc3a010c7d01b50e0d17dc79c8", false, ValidationCodeInvalid},
		{"name", "alice", false, ValidationCodeInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ValidateAddress("caller", tt.value)
			assert.Equal(t, tt.valid, r.IsValid)
			assert.Equal(t, tt.code, r.ValidationCode)
			assert.Equal(t, "caller", r.FieldName)
		})
	}
}

func TestValidateTxHash(t *testing.T) {
	ok := "0x" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	assert.True(t, ValidateTxHash("tx_hash", ok).IsValid)
	assert.False(t, ValidateTxHash("tx_hash", ok[:len(ok)-1]).IsValid)
	assert.Contains(t, ValidateTxHash("tx_hash", "0x1").Message, "Tx hash")
}

func TestValidationResult_Err(t *testing.T) {
	sentinel := errors.New("invalid caller")

	assert.NoError(t, ValidateAddress("caller", "0x70997970c51812dc3a010c7d01b50e0d17dc79c8").Err(sentinel))

	err := ValidateAddress("caller", "bob").Err(sentinel)
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)

	assert.Error(t, ValidateStringEmpty("", "caller").Err(nil))
}

func TestFirst(t *testing.T) {
	good := ValidateStringEmpty("x", "a")
	bad := ValidateStringEmpty("", "b")
	assert.Nil(t, First(good))
	assert.Same(t, bad, First(good, bad))
}
