/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"

	"github.com/rfdebug/rfdebug/pkg/testutil"
)

const endpointTestTimeout = 20 * time.Second

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func startEndpoint(t *testing.T, ctx context.Context, conn net.Conn, name string, register func(e *Endpoint)) *Endpoint {
	e := NewEndpoint(conn, EndpointOptions{Logger: testutil.NewLogForTesting(name)})
	if register != nil {
		register(e)
	}
	go func() {
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = e.Close()
	})
	return e
}

func newEndpointPair(t *testing.T, ctx context.Context, register func(server *Endpoint)) (*Endpoint, *Endpoint) {
	clientConn, serverConn := net.Pipe()
	server := startEndpoint(t, ctx, serverConn, "server", register)
	client := startEndpoint(t, ctx, clientConn, "client", nil)
	return client, server
}

// rawPeer talks to an endpoint using hand-written frames.
type rawPeer struct {
	conn   net.Conn
	frames FrameBuffer
}

func newRawPeer(t *testing.T, ctx context.Context, register func(e *Endpoint)) *rawPeer {
	peerConn, endpointConn := net.Pipe()
	startEndpoint(t, ctx, endpointConn, "endpoint", register)
	t.Cleanup(func() {
		_ = peerConn.Close()
	})
	return &rawPeer{conn: peerConn}
}

func (p *rawPeer) send(t *testing.T, body string) {
	require.NoError(t, p.conn.SetWriteDeadline(time.Now().Add(endpointTestTimeout)))
	require.NoError(t, WriteFrame(p.conn, []byte(body)))
}

func (p *rawPeer) receive(t *testing.T) map[string]any {
	buf := make([]byte, 4096)
	for {
		body, ok, err := p.frames.Next()
		require.NoError(t, err)
		if ok {
			var msg map[string]any
			require.NoError(t, json.Unmarshal(body, &msg))
			return msg
		}

		require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(endpointTestTimeout)))
		n, readErr := p.conn.Read(buf)
		require.NoError(t, readErr)
		p.frames.Feed(buf[:n])
	}
}

func errorCode(t *testing.T, msg map[string]any) Code {
	errObj, hasError := msg["error"].(map[string]any)
	require.True(t, hasError, "expected an error response, got %v", msg)
	return Code(errObj["code"].(float64))
}

func TestEndpointCallRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	client, _ := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("add", Method(func(_ context.Context, p addParams) (int, error) {
			return p.A + p.B, nil
		}, WithShape(Params("a", "b"))))
	})

	var byName int
	require.NoError(t, client.Call(ctx, "add", addParams{A: 2, B: 3}, &byName))
	assert.Equal(t, 5, byName)

	var positional int
	require.NoError(t, client.Call(ctx, "add", []int{10, 20}, &positional))
	assert.Equal(t, 30, positional)
}

func TestEndpointReportsHandlerErrors(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	client, _ := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("custom", Method(func(_ context.Context, _ struct{}) (any, error) {
			return nil, NewError(-32000, "custom failure")
		}))
		server.Register("plain", Method(func(_ context.Context, _ struct{}) (any, error) {
			return nil, errors.New("plain failure")
		}))
		server.Register("panics", Method(func(_ context.Context, _ struct{}) (any, error) {
			panic("boom")
		}))
		server.Register("wrapped", Method(func(_ context.Context, _ struct{}) (any, error) {
			return nil, fmt.Errorf("not ready: %w", jsonrpc2.Errorf(jsonrpc2.ServerNotInitialized, "server is starting"))
		}))
	})

	type testcase struct {
		method string
		code   Code
	}

	for _, tc := range []testcase{
		{"custom", -32000},
		{"wrapped", jsonrpc2.ServerNotInitialized},
		{"plain", CodeInternalError},
		{"panics", CodeInternalError},
		{"missing", CodeMethodNotFound},
	} {
		err := client.Call(ctx, tc.method, nil, nil)
		var wireErr *Error
		require.ErrorAs(t, err, &wireErr, "method %s", tc.method)
		assert.Equal(t, tc.code, wireErr.Code, "method %s", tc.method)
	}
}

func TestEndpointRejectsInvalidParams(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	peer := newRawPeer(t, ctx, func(e *Endpoint) {
		e.Register("add", Method(func(_ context.Context, p addParams) (int, error) {
			return p.A + p.B, nil
		}))
	})

	peer.send(t, `{"jsonrpc":"2.0","id":1,"method":"add","params":{"a":"one"}}`)
	resp := peer.receive(t)
	assert.Equal(t, CodeInvalidParams, errorCode(t, resp))
	assert.InDelta(t, 1, resp["id"], 0)

	// Positional params are not accepted without a declared shape.
	peer.send(t, `{"jsonrpc":"2.0","id":2,"method":"add","params":[1,2]}`)
	resp = peer.receive(t)
	assert.Equal(t, CodeInvalidParams, errorCode(t, resp))
}

func TestEndpointAnswersMalformedMessages(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	peer := newRawPeer(t, ctx, nil)

	peer.send(t, `{"jsonrpc":`)
	resp := peer.receive(t)
	assert.Equal(t, CodeParseError, errorCode(t, resp))
	assert.Nil(t, resp["id"])

	peer.send(t, `{"jsonrpc":"2.0","id":"x"}`)
	resp = peer.receive(t)
	assert.Equal(t, CodeInvalidRequest, errorCode(t, resp))
	assert.Equal(t, "x", resp["id"])

	// A response nobody asked for.
	peer.send(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	resp = peer.receive(t)
	assert.Equal(t, CodeInternalError, errorCode(t, resp))
	assert.InDelta(t, 99, resp["id"], 0)
}

func TestEndpointAnswersMalformedFrames(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	peer := newRawPeer(t, ctx, func(e *Endpoint) {
		e.Register("ping", Method(func(_ context.Context, _ struct{}) (string, error) {
			return "pong", nil
		}))
	})

	type testcase struct {
		description string
		frame       string
	}

	for _, tc := range []testcase{
		{"non-numeric length", "Content-Length: abc\r\n\r\n"},
		{"unsupported charset", "Content-Length: 2\r\nContent-Type: application/vscode-jsonrpc; charset=no-such-charset\r\n\r\n{}"},
	} {
		require.NoError(t, peer.conn.SetWriteDeadline(time.Now().Add(endpointTestTimeout)))
		_, writeErr := peer.conn.Write([]byte(tc.frame))
		require.NoError(t, writeErr, tc.description)

		resp := peer.receive(t)
		assert.Equal(t, CodeParseError, errorCode(t, resp), tc.description)
		idValue, hasID := resp["id"]
		assert.True(t, hasID, tc.description)
		assert.Nil(t, idValue, tc.description)

		// The stream stays usable after the bad frame.
		peer.send(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
		resp = peer.receive(t)
		assert.Equal(t, "pong", resp["result"], tc.description)
		assert.InDelta(t, 7, resp["id"], 0, tc.description)
	}
}

func TestEndpointAnswersBatchElementsIndividually(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	peer := newRawPeer(t, ctx, func(e *Endpoint) {
		e.Register("echo", Raw(func(_ context.Context, params json.RawMessage) (any, error) {
			return params, nil
		}))
	})

	peer.send(t, `[{"jsonrpc":"2.0","id":1,"method":"echo","params":{"v":1}},{"jsonrpc":"2.0","id":2,"method":"echo","params":{"v":2}}]`)

	first := peer.receive(t)
	second := peer.receive(t)
	assert.InDelta(t, 1, first["id"], 0)
	assert.Equal(t, map[string]any{"v": float64(1)}, first["result"])
	assert.InDelta(t, 2, second["id"], 0)
	assert.Equal(t, map[string]any{"v": float64(2)}, second["result"])
}

func TestEndpointDeliversNotificationsInOrder(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	received := make(chan int, 10)
	client, _ := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("tick", Notify(func(_ context.Context, n int) error {
			received <- n
			return nil
		}))
	})

	for i := 1; i <= 5; i++ {
		require.NoError(t, client.Notify("tick", i))
	}
	require.NoError(t, client.Notify("unknown", nil))

	for i := 1; i <= 5; i++ {
		assert.Equal(t, i, testutil.Receive(t, ctx, received))
	}
}

func TestEndpointCancelPropagatesToPeer(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	started := make(chan struct{})
	handlerCancelled := make(chan struct{})
	client, _ := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("block", Method(func(handlerCtx context.Context, _ struct{}) (any, error) {
			close(started)
			<-handlerCtx.Done()
			close(handlerCancelled)
			return nil, handlerCtx.Err()
		}, Async()))
	})

	pc, err := client.SendRequest("block", nil)
	require.NoError(t, err)
	testutil.WaitClosed(t, ctx, started)

	pc.Cancel()
	err = pc.Wait(ctx, nil)
	require.ErrorIs(t, err, ErrCancelled)

	select {
	case <-handlerCancelled:
	case <-ctx.Done():
		t.Fatal("handler context was not cancelled")
	}
}

func TestEndpointWaitCancelsWhenContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	client, _ := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("block", Method(func(handlerCtx context.Context, _ struct{}) (any, error) {
			<-handlerCtx.Done()
			return nil, nil
		}, Async()))
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer waitCancel()

	err := client.Call(waitCtx, "block", nil, nil)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEndpointRejectsPendingCallsOnDisconnect(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	started := make(chan struct{})
	client, server := newEndpointPair(t, ctx, func(server *Endpoint) {
		server.Register("hang", Method(func(handlerCtx context.Context, _ struct{}) (any, error) {
			close(started)
			<-handlerCtx.Done()
			return nil, nil
		}, Async()))
	})

	pc, err := client.SendRequest("hang", nil)
	require.NoError(t, err)
	testutil.WaitClosed(t, ctx, started)

	require.NoError(t, server.Close())

	err = pc.Wait(ctx, nil)
	require.ErrorIs(t, err, ErrConnectionClosed)

	testutil.WaitClosed(t, ctx, client.Done())
	_, err = client.SendRequest("hang", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestEndpointUUIDRequestIDs(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, endpointTestTimeout)
	defer cancel()

	peerConn, endpointConn := net.Pipe()
	e := NewEndpoint(endpointConn, EndpointOptions{Logger: testutil.NewLogForTesting("endpoint"), IDs: UUIDIDs()})
	go func() {
		_ = e.Run(ctx)
	}()
	defer func() {
		_ = e.Close()
	}()
	peer := &rawPeer{conn: peerConn}

	results := make(chan string, 1)
	go func() {
		var result string
		if err := e.Call(ctx, "whoami", nil, &result); err == nil {
			results <- result
		}
	}()

	req := peer.receive(t)
	id, isString := req["id"].(string)
	require.True(t, isString)
	assert.Len(t, id, 36)

	peer.send(t, `{"jsonrpc":"2.0","id":"`+id+`","result":"tester"}`)
	assert.Equal(t, "tester", testutil.Receive(t, ctx, results))
}
