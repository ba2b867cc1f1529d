package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("remoting: configuration is required")
	ErrLoggerRequired       = sterrors.New("remoting: logger is required")
	ErrSystemRequired       = sterrors.New("remoting: messaging system is required")
	ErrSystemNameRequired   = sterrors.New("remoting: system name is required")
	ErrHostRequired         = sterrors.New("remoting: canonical hostname is required")
	ErrHandlerRequired      = sterrors.New("remoting: handler function is required")
	ErrHandlerNameRequired  = sterrors.New("remoting: handler name is required")
	ErrDuplicateHandler     = sterrors.New("remoting: handler name already registered")
	ErrInvalidPoolSize      = sterrors.New("remoting: pool size must be positive")
	ErrUnknownLane          = sterrors.New("remoting: unknown dispatch lane")
	ErrNoUsableAddress      = sterrors.New("remoting: no usable network address")
	ErrInvalidPort          = sterrors.New("remoting: port out of range")
	ErrUnknownProfile       = sterrors.New("remoting: unknown base config profile")
	ErrInvalidAddress       = sterrors.New("remoting: malformed address")
	ErrMessageRequired      = sterrors.New("remoting: message is required")
	ErrEventPayloadRequired = sterrors.New("remoting: event payload is required")
	ErrPayloadTypeRequired  = sterrors.New("remoting: typed handler needs a concrete payload type")
	ErrPayloadPointer       = sterrors.New("remoting: typed handler payload must be a pointer type")
	ErrNotStarted           = sterrors.New("remoting: messaging system is not started")
	ErrStopped              = sterrors.New("remoting: messaging system is stopped")
	ErrUnknownRecipient     = sterrors.New("remoting: no handler registered under recipient name")
	ErrForeignSystem        = sterrors.New("remoting: recipient belongs to another system")
)

// EndpointResolutionError reports that the process could not determine an
// address peers can reach it on. It is fatal to boot.
type EndpointResolutionError struct {
	Host string
	Port int
	Err  error
}

func (e *EndpointResolutionError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("remoting: resolve local endpoint (port %d): %v", e.Port, e.Err)
	}
	return fmt.Sprintf("remoting: resolve local endpoint %s:%d: %v", e.Host, e.Port, e.Err)
}

func (e *EndpointResolutionError) Unwrap() error { return e.Err }

// ConfigMergeError reports an override whose value does not fit its key.
type ConfigMergeError struct {
	Key    string
	Value  any
	Reason string
	Err    error
}

func (e *ConfigMergeError) Error() string {
	msg := fmt.Sprintf("remoting: merge config key %q (value %v)", e.Key, e.Value)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigMergeError) Unwrap() error { return e.Err }

// AlreadyStartedError is returned when Start is called on a running system.
type AlreadyStartedError struct {
	System   string
	Endpoint string
}

func (e *AlreadyStartedError) Error() string {
	return fmt.Sprintf("remoting: system %s already started on %s", e.System, e.Endpoint)
}

// RegistrationError reports a handler registration rejected at boot.
type RegistrationError struct {
	Name string
	Err  error
}

func (e *RegistrationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("remoting: register handler: %v", e.Err)
	}
	return fmt.Sprintf("remoting: register handler %q: %v", e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// ConfigValidationError wraps the joined problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "remoting: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
