package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for idemctl.
const (
	ExitSuccess      = 0 // command ran and every check held
	ExitFailure      = 1 // command ran but calls failed or the store is inconsistent
	ExitCommandError = 2 // bad flags, config or unreachable backend
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps err with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err. Errors that are not an
// ExitError map to ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Response is the JSON envelope printed with --format json.
type Response struct {
	Status string `json:"status"` // "ok" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// printer writes command results as text or JSON.
type printer struct {
	format string
	w      io.Writer
}

// result prints data; text is used for the text format.
func (p printer) result(data any, text func(w io.Writer)) error {
	if p.format == "json" {
		return json.NewEncoder(p.w).Encode(Response{Status: "ok", Data: data})
	}
	text(p.w)
	return nil
}

// failure prints data with an error status and returns an ExitFailure error.
func (p printer) failure(data any, err error, text func(w io.Writer)) error {
	if p.format == "json" {
		if encErr := json.NewEncoder(p.w).Encode(Response{Status: "error", Data: data, Error: err.Error()}); encErr != nil {
			return encErr
		}
	} else {
		text(p.w)
	}
	return WrapExitError(ExitFailure, "command failed", err)
}
