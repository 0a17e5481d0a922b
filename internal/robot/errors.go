/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package robot

import "errors"

// Return codes of a run.
const (
	RcAllPassed   = 0
	RcMaxFailed   = 250
	RcInvalidData = 252
	RcInterrupted = 253
)

var (
	// ErrInvalidData is returned when the test data cannot be run at all.
	ErrInvalidData = errors.New("invalid test data")

	errExecutionStopped = errors.New("Execution terminated by signal")
)

// Failure is a keyword failure. It makes the enclosing test (or suite setup) fail with Message.
type Failure struct {
	Message string

	// Set by the Skip keywords.
	Skip bool
}

func (f *Failure) Error() string {
	return f.Message
}

func newFailure(err error) *Failure {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}
	return &Failure{Message: err.Error()}
}

// Control flow signals. They travel up the call chain as errors until the construct they target.
type returnSignal struct {
	values []any
}

func (*returnSignal) Error() string { return "RETURN can only be used inside a user keyword." }

type breakSignal struct{}

func (*breakSignal) Error() string { return "BREAK can only be used inside a loop." }

type continueSignal struct{}

func (*continueSignal) Error() string { return "CONTINUE can only be used inside a loop." }

func isControlSignal(err error) bool {
	switch err.(type) {
	case *returnSignal, *breakSignal, *continueSignal:
		return true
	default:
		return false
	}
}

// Joins a failure of a teardown with the failure that preceded it.
func teardownMessage(prior string, teardownErr error) string {
	if prior == "" {
		return "Teardown failed:\n" + teardownErr.Error()
	}
	return prior + "\n\nAlso teardown failed:\n" + teardownErr.Error()
}
