/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
)

var namedLevels = map[string]zapcore.Level{
	"debug":   zapcore.DebugLevel,
	"info":    zapcore.InfoLevel,
	"warn":    zapcore.WarnLevel,
	"warning": zapcore.WarnLevel,
	"error":   zapcore.ErrorLevel,
}

// StringToLevel parses a level name, or a positive number n meaning logr verbosity V(n).
func StringToLevel(value string, defaultLevel zapcore.Level) (zapcore.Level, error) {
	if level, found := namedLevels[strings.ToLower(strings.TrimSpace(value))]; found {
		return level, nil
	}

	verbosity, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || verbosity <= 0 || verbosity > 127 {
		return defaultLevel, fmt.Errorf("invalid log level \"%s\"", value)
	}

	// zap levels run the other way: logr V(n) is zap level -n.
	return zapcore.Level(int8(-verbosity)), nil
}

// LevelToString is the inverse of StringToLevel.
func LevelToString(level zapcore.Level) string {
	switch {
	case level == zapcore.DebugLevel:
		return "debug"
	case level < zapcore.DebugLevel:
		return strconv.Itoa(-int(level))
	default:
		return level.String()
	}
}

// LevelFlagValue is a pflag value that applies the level as soon as the flag is parsed.
type LevelFlagValue struct {
	onLevelAvailable func(zapcore.Level)
	value            string
}

var _ pflag.Value = (*LevelFlagValue)(nil)

func NewLevelFlagValue(onLevelAvailable func(zapcore.Level)) *LevelFlagValue {
	return &LevelFlagValue{onLevelAvailable: onLevelAvailable}
}

func (lfv *LevelFlagValue) Set(flagValue string) error {
	level, err := StringToLevel(flagValue, zapcore.InfoLevel)
	if err != nil {
		return err
	}
	lfv.value = flagValue
	lfv.onLevelAvailable(level)
	return nil
}

func (lfv *LevelFlagValue) String() string {
	return lfv.value
}

func (*LevelFlagValue) Type() string {
	return "level"
}
