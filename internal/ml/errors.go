package ml

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindInvalidModelName     Kind = "invalid_model_name"
	KindMissingRequiredInput Kind = "missing_required_input"
	KindInvalidImage         Kind = "invalid_image"
	KindModelNotConfigured   Kind = "model_not_configured"
	KindModelAcquisition     Kind = "model_acquisition"
	KindCheckpointLoad       Kind = "checkpoint_load"
	KindArchitectureMismatch Kind = "architecture_mismatch"
	KindInferenceFailure     Kind = "inference_failure"
)

// Error is the single error type returned across the acquisition, load and
// inference boundary. Callers switch on Kind instead of matching messages.
type Error struct {
	Kind  Kind
	Model string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Model != "" {
		msg = fmt.Sprintf("%s: model %q", msg, e.Model)
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Op)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClientFault reports whether the failure was caused by the caller's input.
func (e *Error) ClientFault() bool {
	switch e.Kind {
	case KindInvalidModelName, KindMissingRequiredInput, KindInvalidImage:
		return true
	}
	return false
}

func newError(kind Kind, model, op string, err error) *Error {
	return &Error{Kind: kind, Model: model, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, model, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Model: model, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err unless it already carries one.
func Wrap(kind Kind, model, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(kind, model, op, err)
}

// KindOf extracts the failure kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsClientFault reports whether err is an *Error caused by caller input.
func IsClientFault(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.ClientFault()
}
