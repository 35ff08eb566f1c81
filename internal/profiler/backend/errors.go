package backend

import (
	"fmt"
)

// ConfigurationError is returned when the profiler has been wired incorrectly, e.g. an unknown
// backend engine or a blocking backend without an executor. It is meant for the integrator and
// is never rendered to HTTP clients.
type ConfigurationError struct {
	Message string
}

func (err *ConfigurationError) Error() string {
	return "configuration error: " + err.Message
}

// ValidationError is returned when query criteria are malformed, e.g. an unknown sort field.
type ValidationError struct {
	Field   string      // Name of the criterion, e.g., "sort"
	Value   interface{} // The invalid value that was provided
	Message string      // Optional explanation
}

func (err *ValidationError) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Field)
	} else {
		return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Field, err.Message)
	}
}

// PersistenceError wraps a failure of the underlying store while inserting or querying.
type PersistenceError struct {
	Op  string
	Err error
}

func (err *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", err.Op, err.Err)
}

func (err *PersistenceError) Unwrap() error {
	return err.Err
}

func (err *PersistenceError) Cause() error {
	return err.Err
}

// SetupError wraps a failure to initialize a backend, e.g. the schema could not be created.
type SetupError struct {
	Backend string
	Err     error
}

func (err *SetupError) Error() string {
	return fmt.Sprintf("failed to initialize backend %s: %v", err.Backend, err.Err)
}

func (err *SetupError) Unwrap() error {
	return err.Err
}

func (err *SetupError) Cause() error {
	return err.Err
}
