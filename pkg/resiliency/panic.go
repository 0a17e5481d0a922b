/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// PanicError is a recovered panic. It is always permanent, so retry loops stop on it.
type PanicError struct {
	Value any
	Stack string
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", pe.Value)
}

// Unwrap exposes the panic value when it was an error itself.
func (pe *PanicError) Unwrap() error {
	if err, isErr := pe.Value.(error); isErr {
		return err
	}
	return nil
}

// MakePanicError logs a recovered panic value with the current call stack and returns it as an error.
// Returns nil if there was no panic.
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	panicErr := &PanicError{Value: panicVal, Stack: string(debug.Stack())}
	log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", panicErr.Stack)

	var permanent *backoff.PermanentError
	if errors.As(panicErr, &permanent) {
		return panicErr
	}
	return Permanent(panicErr)
}

// Guard runs fn and converts a panic raised by it into an error.
// It is meant for callbacks invoked by code we do not control, where a panic must not escape.
func Guard(log logr.Logger, fn func() error) (err error) {
	defer func() {
		if panicErr := MakePanicError(recover(), log); panicErr != nil {
			err = panicErr
		}
	}()

	return fn()
}
