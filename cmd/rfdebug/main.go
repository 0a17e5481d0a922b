/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rfdebug/rfdebug/internal/commands"
	"github.com/rfdebug/rfdebug/pkg/logger"
	"github.com/rfdebug/rfdebug/pkg/osutil"
	"github.com/rfdebug/rfdebug/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = commands.RcStartupError
)

func main() {
	log := logger.New("rfdebug").
		WithName("rfdebug")

	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			os.Stderr.WriteString(panicErr.Error() + string(osutil.LineSep()))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	// The first interrupt winds the test run down, the launcher escalates to terminate if needed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	root, err := commands.NewRootCmd(log)
	if err != nil {
		commands.ErrorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		stop()
		commands.ErrorExit(log, err, errCommandError)
	} else {
		log.Flush()
	}
}
