package cqrs

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/plaenen/counterledger/pkg/domain"
)

// Error codes carried in AppError.Code.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidCaller      = "INVALID_CALLER"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeNotFound           = "NOT_FOUND"
	CodeTimeout            = "TIMEOUT"
	CodeInternal           = "INTERNAL_ERROR"
)

// Response is the envelope of every reply.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *AppError       `json:"error,omitempty"`
}

// AppError is an application error with a stable code.
type AppError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Solution string            `json:"solution,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
}

// NewSuccessResponse creates a successful Response with data
func NewSuccessResponse(data any) (*Response, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return &Response{Success: true, Data: raw}, nil
}

// NewErrorResponse creates an error Response with AppError
func NewErrorResponse(code, message, solution string, details map[string]string) *Response {
	return &Response{
		Success: false,
		Error: &AppError{
			Code:     code,
			Message:  message,
			Solution: solution,
			Details:  details,
		},
	}
}

// NewSimpleErrorResponse creates an error Response with just code and message
func NewSimpleErrorResponse(code, message string) *Response {
	return NewErrorResponse(code, message, "", nil)
}

// UnpackData decodes the response data into target
func (r *Response) UnpackData(target any) error {
	if err := r.AsError(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(r.Data, target)
}

// AsError converts a failed Response to a Go error.
// Returns nil if the response was successful.
func (r *Response) AsError() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("operation failed")
	}
	return &ResponseError{AppError: r.Error}
}

// ResponseError wraps an AppError as a Go error
type ResponseError struct {
	AppError *AppError
}

func (e *ResponseError) Error() string {
	if e.AppError.Solution != "" {
		return fmt.Sprintf("%s (code: %s). Solution: %s",
			e.AppError.Message, e.AppError.Code, e.AppError.Solution)
	}
	return fmt.Sprintf("%s (code: %s)", e.AppError.Message, e.AppError.Code)
}

// Code returns the error code
func (e *ResponseError) Code() string {
	return e.AppError.Code
}

// Unwrap maps domain error codes back to their sentinels, so that
// errors.Is(err, domain.ErrInvariantViolation) works across the wire.
func (e *ResponseError) Unwrap() error {
	switch e.AppError.Code {
	case CodeInvariantViolation:
		return domain.ErrInvariantViolation
	case CodeInvalidCaller:
		return domain.ErrInvalidCaller
	}
	return nil
}

// IsCode reports whether err is a ResponseError with the given code.
func IsCode(err error, code string) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.AppError.Code == code
}
