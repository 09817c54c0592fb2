package credentials

import (
	"context"
	"sync"
)

// StaticProvider serves credentials fixed at construction.
type StaticProvider struct {
	creds  *Credentials
	mu     sync.RWMutex
	closed bool
}

// NewStaticTokenProvider creates a provider for a NATS token.
func NewStaticTokenProvider(token string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeToken, Token: token}}
}

// NewStaticUserPasswordProvider creates a provider for a NATS user.
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     user,
		Password: password,
	}}
}

// GetCredentials implements Provider.
func (p *StaticProvider) GetCredentials(context.Context) (*Credentials, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	if err := p.creds.Validate(); err != nil {
		return nil, err
	}
	return p.creds, nil
}

// Close implements Provider.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}
