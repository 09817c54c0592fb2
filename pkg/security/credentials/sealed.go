package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// for development
)

// sealedData is the plaintext stored encrypted in a credentials file.
type sealedData struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Seal encrypts creds with the keeper at keeperURL. Write the result to the
// file a SealedProvider reads.
func Seal(ctx context.Context, keeperURL string, creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(sealedData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return ciphertext, nil
}

// SealedProvider decrypts a credentials file with a gocloud.dev keeper.
// Decrypted credentials are cached for the configured TTL, after which the
// file is read again, so a rotated file is picked up without a restart.
type SealedProvider struct {
	keeper *secrets.Keeper
	path   string
	ttl    time.Duration

	mu          sync.Mutex
	cached      *Credentials
	cacheExpiry time.Time
	closed      bool
}

// NewSealedProvider opens the keeper at keeperURL and loads path once to
// fail fast on a wrong key or a corrupt file.
func NewSealedProvider(ctx context.Context, keeperURL, path string, ttl time.Duration) (*SealedProvider, error) {
	if keeperURL == "" || path == "" {
		return nil, fmt.Errorf("keeper URL and credentials file are required")
	}
	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	p := &SealedProvider{keeper: keeper, path: path, ttl: ttl}
	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, err
	}
	return p, nil
}

// GetCredentials implements Provider.
func (p *SealedProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.cached != nil && time.Now().Before(p.cacheExpiry) {
		return p.cached, nil
	}

	ciphertext, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	var data sealedData
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if data.Credentials == nil {
		return nil, fmt.Errorf("%w: file holds no credentials", ErrInvalidCredentials)
	}
	if err := data.Credentials.Validate(); err != nil {
		return nil, err
	}

	p.cached = data.Credentials
	p.cacheExpiry = time.Now().Add(p.ttl)
	return p.cached, nil
}

// Close implements Provider.
func (p *SealedProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}
