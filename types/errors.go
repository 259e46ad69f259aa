package types

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal for the application it was raised for. The
// application is skipped and the rest of the run continues.
type ConfigurationError struct {
	App string
	Err error
}

func (e *ConfigurationError) Error() string {
	if e.App == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error for %s: %v", e.App, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func NewConfigurationError(app string, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{App: app, Err: fmt.Errorf(format, args...)}
}

func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return err != nil && errors.As(err, &cfgErr)
}

// TestError is an expected failure raised by an action. The test becomes
// unrunnable carrying Text.
type TestError struct {
	Brief string
	Text  string
}

func (e *TestError) Error() string {
	return e.Text
}

func NewTestError(format string, args ...any) *TestError {
	return &TestError{Text: fmt.Sprintf(format, args...)}
}

func IsTestError(err error) bool {
	var testErr *TestError
	return err != nil && errors.As(err, &testErr)
}

// SubmissionError is returned by a grid adapter that could not submit a job
type SubmissionError struct {
	Adapter string
	Stderr  string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("failed to submit to %s: %v: %s", e.Adapter, e.Err, e.Stderr)
	}
	return fmt.Sprintf("failed to submit to %s: %v", e.Adapter, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func IsSubmissionError(err error) bool {
	var subErr *SubmissionError
	return err != nil && errors.As(err, &subErr)
}
