// Package nats runs an in-process NATS server with JetStream, used by
// "counterd serve" when no external server is configured and by tests.
package nats

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/plaenen/counterledger/pkg/security/credentials"
)

// EmbeddedServer wraps an embedded NATS server.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	logger       *slog.Logger
	credentials  *credentials.Credentials
	shutdownOnce sync.Once
}

type embeddedConfig struct {
	host         string
	port         int
	storeDir     string
	readyTimeout time.Duration
	logger       *slog.Logger
	credentials  *credentials.Credentials
}

// EmbeddedOption configures an embedded server.
type EmbeddedOption func(*embeddedConfig)

// WithHost sets the listen host. Default 127.0.0.1.
func WithHost(host string) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.host = host
	}
}

// WithPort sets the listen port. -1 picks a random free port.
func WithPort(port int) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.port = port
	}
}

// WithStoreDir sets the JetStream storage directory. Empty uses a temp dir.
func WithStoreDir(dir string) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.storeDir = dir
	}
}

// WithReadyTimeout bounds how long to wait for the server to accept clients.
func WithReadyTimeout(d time.Duration) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.readyTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.logger = logger
	}
}

// WithCredentials makes the server require creds from every client.
func WithCredentials(creds *credentials.Credentials) EmbeddedOption {
	return func(c *embeddedConfig) {
		c.credentials = creds
	}
}

// StartEmbeddedServer starts an embedded NATS server with JetStream enabled.
func StartEmbeddedServer(opts ...EmbeddedOption) (*EmbeddedServer, error) {
	cfg := embeddedConfig{
		host:         "127.0.0.1",
		port:         -1,
		readyTimeout: 5 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	serverOpts := &server.Options{
		Host:      cfg.host,
		Port:      cfg.port,
		JetStream: true,
		StoreDir:  cfg.storeDir,
		NoSigs:    true,
	}
	if creds := cfg.credentials; creds != nil {
		if err := creds.Validate(); err != nil {
			return nil, err
		}
		switch creds.Type {
		case credentials.CredentialTypeToken:
			serverOpts.Authorization = creds.Token
		case credentials.CredentialTypeUserPassword:
			serverOpts.Username = creds.User
			serverOpts.Password = creds.Password
		}
	}

	s, err := server.NewServer(serverOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(cfg.readyTimeout) {
		s.Shutdown()
		return nil, fmt.Errorf("server not ready after %s", cfg.readyTimeout)
	}

	cfg.logger.Debug("embedded NATS server ready", "url", s.ClientURL(), "store_dir", cfg.storeDir)

	return &EmbeddedServer{
		server:      s,
		url:         s.ClientURL(),
		logger:      cfg.logger,
		credentials: cfg.credentials,
	}, nil
}

// URL returns the connection URL for the embedded server.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the embedded server, waiting at most five seconds.
// Safe to call multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server == nil {
			return
		}
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			if e.logger != nil {
				e.logger.Warn("NATS server shutdown timed out", "timeout", 5*time.Second)
			}
		}
	})
}

// ConnectToEmbedded connects to an embedded NATS server and returns a client.
// The server's own credentials are used unless opts override them.
func ConnectToEmbedded(srv *EmbeddedServer, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(srv.URL(), append(srv.credentials.NATSOptions(), opts...)...)
}
