package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoScorableTransactions is returned when a non-empty batch has no
// transaction that passed validation.
var ErrNoScorableTransactions = errors.New("no transaction in the batch could be scored")

// ValidationError reports a malformed or missing transaction field.
type ValidationError struct {
	TxID   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transaction %s: invalid %s: %s", e.TxID, e.Field, e.Reason)
}

// UnknownExecutionError reports a reference to an execution that does not exist.
type UnknownExecutionError struct {
	ExecutionID string
}

func (e *UnknownExecutionError) Error() string {
	return fmt.Sprintf("unknown execution %q", e.ExecutionID)
}

// ExecutionFailedError reports an execution that was started but could not
// be finalized. The record is left in the failed state.
type ExecutionFailedError struct {
	ExecutionID string
	Err         error
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution %s failed: %v", e.ExecutionID, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Err }

// InvalidDecisionError reports a feedback decision outside the closed set.
type InvalidDecisionError struct {
	Decision string
}

func (e *InvalidDecisionError) Error() string {
	valid := make([]string, 0, 4)
	for _, d := range Decisions() {
		valid = append(valid, string(d))
	}
	return fmt.Sprintf("invalid decision %q (valid: %s)", e.Decision, strings.Join(valid, ", "))
}

// ModelSignalUnavailableError reports a model that produced no signal for a
// transaction. It is logged and the signal treated as absent.
type ModelSignalUnavailableError struct {
	TxID  string
	Model string
	Err   error
}

func (e *ModelSignalUnavailableError) Error() string {
	return fmt.Sprintf("model %s unavailable for transaction %s: %v", e.Model, e.TxID, e.Err)
}

func (e *ModelSignalUnavailableError) Unwrap() error { return e.Err }

// RuleSourceUnavailableError reports a failed catalog load or reload.
type RuleSourceUnavailableError struct {
	Source string
	Err    error
}

func (e *RuleSourceUnavailableError) Error() string {
	return fmt.Sprintf("rule source %s unavailable: %v", e.Source, e.Err)
}

func (e *RuleSourceUnavailableError) Unwrap() error { return e.Err }
