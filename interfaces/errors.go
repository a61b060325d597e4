package interfaces

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, operator-visible classification of a failure.
type ErrorCode string

const (
	CodeUnknownPeripheral   ErrorCode = "UnknownPeripheral"
	CodeMissingParameter    ErrorCode = "MissingParameter"
	CodeInvalidParameter    ErrorCode = "InvalidParameter"
	CodeInvalidRequest      ErrorCode = "InvalidRequest"
	CodeRegistrationFailure ErrorCode = "RegistrationFailure"
	CodeGenerationFailure   ErrorCode = "GenerationFailure"
	CodeTransferFailure     ErrorCode = "TransferFailure"
	CodeJobNotFound         ErrorCode = "JobNotFound"
	CodeJobNotRetryable     ErrorCode = "JobNotRetryable"
)

var (
	ErrUnknownPeripheral   = errors.New("unknown peripheral")
	ErrMissingParameter    = errors.New("missing required parameter")
	ErrInvalidParameter    = errors.New("invalid parameter value")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrRegistrationFailure = errors.New("device registration failed")
	ErrGenerationFailure   = errors.New("artifact generation failed")
	ErrTransferFailure     = errors.New("artifact transfer failed")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobNotRetryable     = errors.New("job not retryable")

	// ErrDeviceNotFound is returned by registries for unknown device ids.
	ErrDeviceNotFound = errors.New("device not found")
)

var codeSentinels = map[ErrorCode]error{
	CodeUnknownPeripheral:   ErrUnknownPeripheral,
	CodeMissingParameter:    ErrMissingParameter,
	CodeInvalidParameter:    ErrInvalidParameter,
	CodeInvalidRequest:      ErrInvalidRequest,
	CodeRegistrationFailure: ErrRegistrationFailure,
	CodeGenerationFailure:   ErrGenerationFailure,
	CodeTransferFailure:     ErrTransferFailure,
	CodeJobNotFound:         ErrJobNotFound,
	CodeJobNotRetryable:     ErrJobNotRetryable,
}

// ProvisionError is a classified failure. Subject names the offending
// entity (a peripheral, "peripheral.parameter", a job id) when there is one.
type ProvisionError struct {
	Code    ErrorCode
	Subject string
	Err     error
}

// NewProvisionError builds a ProvisionError wrapping err.
func NewProvisionError(code ErrorCode, subject string, err error) *ProvisionError {
	return &ProvisionError{Code: code, Subject: subject, Err: err}
}

func (e *ProvisionError) Error() string {
	msg := string(e.Code)
	if sentinel, ok := codeSentinels[e.Code]; ok {
		msg = sentinel.Error()
	}
	if e.Subject != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Subject)
	}
	if e.Err != nil && !errors.Is(e.Err, codeSentinels[e.Code]) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrXxx) hold for a ProvisionError of the matching code.
func (e *ProvisionError) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && target == sentinel
}

// CodeOf classifies any error returned by the orchestrator. Errors that
// carry no classification are reported as GenerationFailure.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var perr *ProvisionError
	if errors.As(err, &perr) {
		return perr.Code
	}

	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeGenerationFailure
}
