package models

import (
	"context"
	"errors"
	"fmt"
)

// FailureCode classifies an unsuccessful command or query outcome.
type FailureCode string

const (
	CodeHandlerNotFound  FailureCode = "HandlerNotFound"
	CodeMultipleHandlers FailureCode = "MultipleHandlers"
	CodeHandlerFailed    FailureCode = "HandlerFailed"
	CodeVersionConflict  FailureCode = "VersionConflict"
	CodeDuplicateCommand FailureCode = "DuplicateCommand"
	CodePublishFailed    FailureCode = "PublishFailed"
	CodeTimeout          FailureCode = "Timeout"
	CodeCanceled         FailureCode = "Canceled"
)

// Failure is the structured error surfaced to callers of Execute and Query.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
	Cause   error       `json:"-"`
}

// NewFailure creates a failure with the given code.
func NewFailure(code FailureCode, message string, cause error) *Failure {
	return &Failure{Code: code, Message: message, Cause: cause}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Is matches another *Failure carrying the same code.
func (f *Failure) Is(target error) bool {
	var other *Failure
	if errors.As(target, &other) {
		return other.Code == f.Code && other.Message == ""
	}
	return false
}

// AsFailure returns err as a *Failure, wrapping it with fallback when it is not one.
func AsFailure(err error, fallback FailureCode) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFailure(CodeTimeout, err.Error(), err)
	case errors.Is(err, context.Canceled):
		return NewFailure(CodeCanceled, err.Error(), err)
	}
	return NewFailure(fallback, err.Error(), err)
}
