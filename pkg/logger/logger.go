/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rfdebug/rfdebug/pkg/osutil"
	"github.com/rfdebug/rfdebug/pkg/resiliency"
)

const (
	RFDEBUG_DIAGNOSTICS_LOG_FOLDER = "RFDEBUG_DIAGNOSTICS_LOG_FOLDER" // Folder to write diagnostics logs to (defaults to a temp folder)
	RFDEBUG_DIAGNOSTICS_LOG_LEVEL  = "RFDEBUG_DIAGNOSTICS_LOG_LEVEL"  // Log level to include in diagnostics logs (defaults to none)
	RFDEBUG_LOG_LEVEL              = "RFDEBUG_LOG_LEVEL"              // Initial stderr log level, used to pass the launcher verbosity on to the debuggee
	RFDEBUG_LOG_SESSION_ID         = "RFDEBUG_LOG_SESSION_ID"         // Session ID to include in log names, shared by the launcher and the debuggee

	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	ownerReadWrite         fs.FileMode = 0600
	ownerReadWriteTraverse fs.FileMode = 0700
)

var (
	defaultLogPath = filepath.Join(os.TempDir(), "rfdebug", "logs")
	sessionId      string
)

var errDiagnosticsLogNotEnabled = errors.New("diagnostics log not enabled")

type Logger struct {
	logr.Logger
	name         string
	consoleLevel zap.AtomicLevel
	flush        func()
}

// New creates a logger that writes human readable output to stderr and, if enabled
// via environment, machine readable output to a diagnostics log file.
// Stdout is never used because it may carry protocol traffic or test output.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.LineEnding = string(osutil.LineSep())

	consoleLevel := zap.NewAtomicLevelAt(initialConsoleLevel())
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), consoleLevel),
	}

	diagnosticsCore, diagnosticsErr := newDiagnosticsLogCore(name, encoderConfig)
	switch {
	case diagnosticsErr == nil:
		cores = append(cores, diagnosticsCore)
	case errors.Is(diagnosticsErr, errDiagnosticsLogNotEnabled):
		diagnosticsErr = nil
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	log := zapr.NewLogger(zapLogger)

	if diagnosticsErr != nil {
		log.Error(diagnosticsErr, "Failed to enable diagnostics log output")
	}

	return &Logger{
		Logger:       log,
		name:         name,
		consoleLevel: consoleLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

func (l *Logger) WithName(name string) *Logger {
	l.Logger = l.Logger.WithName(name)
	return l
}

func (l *Logger) SetLevel(level zapcore.Level) {
	l.consoleLevel.SetLevel(level)
}

func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag adds the verbosity flag, which sets the stderr log level.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	levelVal := NewLevelFlagValue(l.SetLevel)
	fs.VarP(levelVal, verbosityFlagName, verbosityFlagShortName, "Logging verbosity level (e.g. -v=debug). Can be one of 'debug', 'info', 'warn' or 'error', or any positive integer corresponding to increasing levels of debug verbosity.")
}

// ChildEnv returns the environment variables that make a child process (the debuggee) log
// at the same level and under the same session as this one.
func (l *Logger) ChildEnv() map[string]string {
	return map[string]string{
		RFDEBUG_LOG_SESSION_ID: sessionId,
		RFDEBUG_LOG_LEVEL:      LevelToString(l.consoleLevel.Level()),
	}
}

func SessionId() string {
	return sessionId
}

func initialConsoleLevel() zapcore.Level {
	value, found := os.LookupEnv(RFDEBUG_LOG_LEVEL)
	if !found || value == "" {
		return zapcore.ErrorLevel
	}
	level, err := StringToLevel(value, zapcore.ErrorLevel)
	if err != nil {
		return zapcore.ErrorLevel
	}
	return level
}

func newDiagnosticsLogCore(name string, encoderConfig zapcore.EncoderConfig) (zapcore.Core, error) {
	logLevel, err := DiagnosticsLogLevel()
	if err != nil {
		return nil, err
	}

	logFolder, err := EnsureDiagnosticsLogsFolder()
	if err != nil {
		return nil, err
	}

	// The launcher and the debuggee share the session ID and may start within the same millisecond.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
	logOutput, err := resiliency.RetryGetWithBackoff(context.Background(), b, func() (*os.File, error) {
		logName := fmt.Sprintf("%s-%s-%d-%d.log", sessionId, name, time.Now().UnixMilli(), os.Getpid())
		return os.OpenFile(filepath.Join(logFolder, logName), os.O_RDWR|os.O_CREATE|os.O_EXCL, ownerReadWrite)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logOutput), zap.NewAtomicLevelAt(logLevel)), nil
}

// EnsureDiagnosticsLogsFolder returns the folder for diagnostics logs, creating it if necessary.
func EnsureDiagnosticsLogsFolder() (string, error) {
	logFolder, found := os.LookupEnv(RFDEBUG_DIAGNOSTICS_LOG_FOLDER)
	if !found || logFolder == "" {
		logFolder = defaultLogPath
	}

	info, err := os.Stat(logFolder)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err = os.MkdirAll(logFolder, ownerReadWriteTraverse); err != nil {
			return "", fmt.Errorf("failed to create the diagnostic log folder '%s': %w", logFolder, err)
		}
	case err != nil:
		return "", fmt.Errorf("failed to verify the existence of the diagnostic log folder '%s': %w", logFolder, err)
	case !info.IsDir():
		return "", fmt.Errorf("'%s' is not a directory and cannot be used as a log folder", logFolder)
	}

	return logFolder, nil
}

// DiagnosticsLogLevel returns the level of the diagnostics log, if one is enabled.
func DiagnosticsLogLevel() (zapcore.Level, error) {
	value, found := os.LookupEnv(RFDEBUG_DIAGNOSTICS_LOG_LEVEL)
	if !found {
		return zapcore.InvalidLevel, errDiagnosticsLogNotEnabled
	}

	level, err := StringToLevel(value, zapcore.ErrorLevel)
	if err != nil {
		return zapcore.InvalidLevel, fmt.Errorf("failed to parse diagnostics log level: %w", err)
	}
	return level, nil
}

func init() {
	if inherited, found := os.LookupEnv(RFDEBUG_LOG_SESSION_ID); found && inherited != "" {
		sessionId = inherited
	} else {
		sessionId = fmt.Sprintf("%d%d", time.Now().Unix(), os.Getpid())
	}
}
