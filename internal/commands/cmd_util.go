/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/osutil"
)

// ExitCodeError makes the program exit with Code. Err may be nil if the code alone is the result,
// for example the number of failed tests.
type ExitCodeError struct {
	Code int
	Err  error
}

func (e *ExitCodeError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitCodeError) Unwrap() error {
	return e.Err
}

func exitWith(code int, err error) error {
	return &ExitCodeError{Code: code, Err: err}
}

// ExitCode returns the code the program should exit with for err.
func ExitCode(err error, defaultCode int) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return defaultCode
}

// ErrorExit reports err on stderr (unless it only carries an exit code), flushes the log and exits.
func ErrorExit(log *logger.Logger, err error, defaultCode int) {
	code := ExitCode(err, defaultCode)

	var exitErr *ExitCodeError
	if !errors.As(err, &exitErr) || exitErr.Err != nil {
		log.Error(err, "Command failed", "exitCode", code)
		_, _ = os.Stderr.WriteString(err.Error() + string(osutil.LineSep()))
	}

	log.Flush()
	os.Exit(code)
}
