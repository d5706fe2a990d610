package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationMissing is returned before dispatch when the caller has
	// no valid session token.
	ErrAuthenticationMissing = errors.New("llm: authentication missing")

	// ErrTimeout is returned when the call exceeds the gateway deadline.
	ErrTimeout = errors.New("llm: request timed out")
)

// ErrorKind classifies gateway failures that are not timeouts.
type ErrorKind string

const (
	KindNetwork  ErrorKind = "network"
	KindStatus   ErrorKind = "status"
	KindProvider ErrorKind = "provider"
	KindDecode   ErrorKind = "decode"
)

// GatewayError is a transport failure or a non-2xx response.
type GatewayError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm gateway %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm gateway %s error: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// IsGatewayError reports whether err is or wraps a *GatewayError.
func IsGatewayError(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge)
}
