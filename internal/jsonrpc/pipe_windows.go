/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

//go:build windows

package jsonrpc

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

func pipePath(name string) string {
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

func listenPipe(name string) (net.Listener, error) {
	l, err := winio.ListenPipe(pipePath(name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on pipe %s: %w", pipePath(name), err)
	}
	return l, nil
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	conn, err := winio.DialPipeContext(ctx, pipePath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pipe %s: %w", pipePath(name), err)
	}
	return conn, nil
}
