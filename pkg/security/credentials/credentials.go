// Package credentials resolves the credentials counterd and its clients use
// to authenticate to NATS. Secrets can be given inline or sealed with a
// gocloud.dev secrets keeper (AWS KMS, GCP KMS, Azure Key Vault, Vault or a
// local base64key for development).
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

var (
	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential
type CredentialType string

const (
	// CredentialTypeToken represents a simple bearer token
	CredentialTypeToken CredentialType = "token"

	// CredentialTypeUserPassword represents username/password authentication
	CredentialTypeUserPassword CredentialType = "user_password"
)

// Credentials authenticate a NATS connection.
type Credentials struct {
	Type     CredentialType `json:"type"`
	Token    string         `json:"token,omitempty"`
	User     string         `json:"user,omitempty"`
	Password string         `json:"password,omitempty"`
}

// Validate ensures credentials are well-formed for their type
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String never prints the secret parts.
func (c *Credentials) String() string {
	if c.Type == CredentialTypeUserPassword {
		return fmt.Sprintf("%s(%s)", c.Type, c.User)
	}
	return string(c.Type)
}

// LogValue keeps secrets out of structured logs.
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(c.Type)),
		slog.String("user", c.User),
	)
}

// NATSOptions returns the client connect options for c. A nil receiver
// returns none.
func (c *Credentials) NATSOptions() []nats.Option {
	if c == nil {
		return nil
	}
	switch c.Type {
	case CredentialTypeToken:
		return []nats.Option{nats.Token(c.Token)}
	case CredentialTypeUserPassword:
		return []nats.Option{nats.UserInfo(c.User, c.Password)}
	}
	return nil
}

// Provider supplies credentials.
type Provider interface {
	// GetCredentials retrieves the current credentials
	GetCredentials(ctx context.Context) (*Credentials, error)

	// Close releases any resources held by the provider
	Close() error
}
