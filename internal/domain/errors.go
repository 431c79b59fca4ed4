package domain

import (
	"errors"
	"fmt"
)

// Error kinds. ToolError values unwrap to one of these so callers can use errors.Is.
var (
	ErrNotFound              = errors.New("not found")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrDeviceUnreachable     = errors.New("device unreachable")
	ErrTransientNetwork      = errors.New("transient network error")
	ErrConflictingAssignment = errors.New("conflicting assignment")
	ErrNoActiveAssignment    = errors.New("no active assignment")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrUnsupportedProtocol   = errors.New("unsupported protocol")
	ErrShuttingDown          = errors.New("shutting down")
)

type ToolError struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Limitations    []Limitation   `json:"limitations,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Details        map[string]any `json:"details,omitempty"`

	Kind error `json:"-"`
}

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Kind
}

func NewError(kind error, code, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...), Kind: kind}
}

func DeviceNotFound(name string) *ToolError {
	return &ToolError{
		Code:    "DEVICE_NOT_FOUND",
		Message: fmt.Sprintf("device not found: %s", name),
		Kind:    ErrNotFound,
		SuggestedFixes: []string{
			"Run list_devices and choose a known device name.",
		},
	}
}

func VideoNotFound(id string) *ToolError {
	return NewError(ErrNotFound, "VIDEO_NOT_FOUND", "video not found: %s", id)
}

func SessionNotFound(id string) *ToolError {
	return NewError(ErrNotFound, "SESSION_NOT_FOUND", "serving session not found: %s", id)
}

// Code returns the stable error code for err, or INTERNAL_ERROR.
func Code(err error) string {
	var tErr *ToolError
	if errors.As(err, &tErr) && tErr != nil && tErr.Code != "" {
		return tErr.Code
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrResourceExhausted):
		return "RESOURCE_EXHAUSTED"
	case errors.Is(err, ErrTransientNetwork):
		return "TRANSIENT_NETWORK_ERROR"
	}
	return "INTERNAL_ERROR"
}
