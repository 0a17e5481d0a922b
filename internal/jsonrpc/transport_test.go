/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfdebug/rfdebug/pkg/testutil"
)

func TestAcceptSingleRejectsAdditionalClients(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()
	log := testutil.NewLogForTesting(t.Name())

	cfg := &TransportConfig{Mode: ModeTCP, Address: "127.0.0.1:0"}
	l, err := Listen(cfg)
	require.NoError(t, err)
	dialCfg := &TransportConfig{Mode: ModeTCP, Address: l.Addr().String()}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := AcceptSingle(ctx, l, log)
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	first, err := Dial(ctx, dialCfg)
	require.NoError(t, err)
	defer first.Close()
	server := testutil.Receive(t, ctx, accepted)
	defer server.Close()

	second, err := Dial(ctx, dialCfg)
	require.NoError(t, err)
	defer second.Close()

	// The second client is disconnected without ever being served.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(endpointTestTimeout)))
	_, readErr := second.Read(make([]byte, 1))
	require.Error(t, readErr)

	// The first one keeps working.
	_, err = first.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, server.SetReadDeadline(time.Now().Add(endpointTestTimeout)))
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestAcceptSingleHonorsContext(t *testing.T) {
	t.Parallel()

	cfg := &TransportConfig{Mode: ModeTCP, Address: "127.0.0.1:0"}
	l, err := Listen(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = AcceptSingle(ctx, l, testutil.NewLogForTesting(t.Name()))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeTransportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	cfg := &TransportConfig{Mode: ModePipe}
	l, err := Listen(cfg)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.PipeName)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, acceptErr := AcceptSingle(ctx, l, testutil.NewLogForTesting(t.Name()))
		if acceptErr == nil {
			accepted <- conn
		}
	}()

	clientConn, err := Dial(ctx, &TransportConfig{Mode: ModePipe, PipeName: cfg.PipeName})
	require.NoError(t, err)
	serverConn := testutil.Receive(t, ctx, accepted)

	startEndpoint(t, ctx, serverConn, "server", func(e *Endpoint) {
		e.Register("add", Method(func(_ context.Context, p addParams) (int, error) {
			return p.A + p.B, nil
		}))
	})
	client := startEndpoint(t, ctx, clientConn, "client", nil)

	var sum int
	require.NoError(t, client.Call(ctx, "add", addParams{A: 40, B: 2}, &sum))
	assert.Equal(t, 42, sum)
}

func TestStdioModeCannotListen(t *testing.T) {
	t.Parallel()

	_, err := Listen(&TransportConfig{Mode: ModeStdio})
	require.ErrorIs(t, err, ErrUnsupportedMode)

	_, err = Dial(context.Background(), &TransportConfig{Mode: "carrier-pigeon"})
	require.ErrorIs(t, err, ErrUnsupportedMode)
}
