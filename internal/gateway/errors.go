// internal/gateway/errors.go
package gateway

import (
	"errors"
	"fmt"
)

// TransportError is a network failure or timeout talking to a service.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport error: %v", e.Service, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ServiceError is a non-2xx response from a service.
type ServiceError struct {
	Service    string
	Op         string
	StatusCode int
	Body       string
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: service returned %d", e.Service, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: service returned %d: %s", e.Service, e.Op, e.StatusCode, e.Body)
}

// IsGatewayError reports whether err came from a service call.
func IsGatewayError(err error) bool {
	var te *TransportError
	var se *ServiceError
	return errors.As(err, &te) || errors.As(err, &se)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
