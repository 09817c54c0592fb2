// Package cqrs defines the request/reply contract between clients and the
// counter services, independent of the transport that carries it.
package cqrs

import (
	"context"
	"encoding/json"
	"time"
)

// Transport sends requests and waits for responses.
type Transport interface {
	// Request sends request, JSON encoded, to subject and returns the
	// response envelope. Application errors are reported in the envelope;
	// the error return is reserved for transport failures.
	Request(ctx context.Context, subject string, request any) (*Response, error)

	// Close cleans up resources
	Close() error
}

// TransportConfig holds common transport configuration
type TransportConfig struct {
	// Timeout for request/reply operations
	Timeout time.Duration

	// MaxReconnectAttempts for connection retry
	MaxReconnectAttempts int

	// ReconnectWait time between reconnection attempts
	ReconnectWait time.Duration
}

// DefaultTransportConfig returns sensible defaults
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Timeout:              10 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectWait:        2 * time.Second,
	}
}

// HandlerFunc processes the JSON payload of a request.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (*Response, error)

// Middleware wraps a HandlerFunc with cross-cutting behavior.
type Middleware func(HandlerFunc) HandlerFunc

// Chain applies middleware so that the first one is the outermost.
func Chain(h HandlerFunc, middleware ...Middleware) HandlerFunc {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// Server handles incoming requests from a transport
type Server interface {
	// RegisterHandler registers a handler for a specific subject
	RegisterHandler(subject string, handler HandlerFunc) error

	// Start begins listening for requests
	Start(ctx context.Context) error

	// Close stops the server and cleans up resources
	Close() error
}

// ServerConfig holds server configuration
type ServerConfig struct {
	// QueueGroup balances requests across server instances
	QueueGroup string

	// HandlerTimeout bounds a single handler execution
	HandlerTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		QueueGroup:     "counter-handlers",
		HandlerTimeout: 10 * time.Second,
	}
}

type requestInfoKey struct{}

// RequestInfo describes the request being handled.
type RequestInfo struct {
	Subject   string
	RequestID string
}

// WithRequestInfo returns a context carrying info.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext returns the request info stored in ctx, if any.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}
