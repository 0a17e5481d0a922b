// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"flag"
	"os"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/rfdebug/rfdebug/pkg/logger"
)

// Overrides the stderr level of test loggers, e.g. RFDEBUG_TEST_LOG_LEVEL=3 for protocol traces.
const testLogLevelEnvVar = "RFDEBUG_TEST_LOG_LEVEL"

// NewLogForTesting returns a logger that stays quiet unless tests run with -v.
func NewLogForTesting(name string) logr.Logger {
	log := logger.New(name)
	log.SetLevel(testLogLevel())
	return log.Logger.WithValues("test", name)
}

func testLogLevel() zapcore.Level {
	if value, found := os.LookupEnv(testLogLevelEnvVar); found {
		if level, err := logger.StringToLevel(value, zapcore.ErrorLevel); err == nil {
			return level
		}
	}

	if !flag.Parsed() {
		flag.Parse() // Needed to test if verbose flag was present.
	}
	if testing.Verbose() {
		return zapcore.DebugLevel
	}
	return zapcore.ErrorLevel
}
