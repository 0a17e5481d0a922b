/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfdebug/rfdebug/internal/jsonrpc"
)

func TestTCPTransport(t *testing.T) {
	t.Parallel()

	// Create a listener
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, listenErr)
	defer listener.Close()

	// Accept connection in goroutine
	var serverConn net.Conn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, acceptErr = listener.Accept()
	}()

	// Connect client
	clientConn, dialErr := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, dialErr)

	wg.Wait()
	require.NoError(t, acceptErr)
	require.NotNil(t, serverConn)

	defer clientConn.Close()
	defer serverConn.Close()

	clientTransport := NewTransport(clientConn)
	serverTransport := NewTransport(serverConn)

	t.Run("write and read message", func(t *testing.T) {
		request := &dap.InitializeRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"},
				Command:         "initialize",
			},
			Arguments: dap.InitializeRequestArguments{ClientID: "vscode"},
		}

		writeErr := clientTransport.WriteMessage(request)
		require.NoError(t, writeErr)

		received, readErr := serverTransport.ReadMessage()
		require.NoError(t, readErr)
		assert.Equal(t, 1, received.Seq)
		assert.Equal(t, "request", received.Type)
		assert.Equal(t, "initialize", received.Command)

		var args dap.InitializeRequestArguments
		require.NoError(t, received.DecodeArguments(&args))
		assert.Equal(t, "vscode", args.ClientID)
	})

	t.Run("close prevents further operations", func(t *testing.T) {
		closeErr := clientTransport.Close()
		assert.NoError(t, closeErr)

		writeErr := clientTransport.WriteMessage(&dap.InitializeRequest{})
		assert.ErrorIs(t, writeErr, ErrTransportClosed)

		_, readErr := clientTransport.ReadMessage()
		assert.ErrorIs(t, readErr, ErrTransportClosed)

		// Double close should not panic
		_ = clientTransport.Close()
	})
}

func TestStreamTransportRelaysUnknownMessages(t *testing.T) {
	t.Parallel()

	serverRead, clientWrite := io.Pipe()
	clientRead, serverWrite := io.Pipe()

	clientTransport := NewTransport(jsonrpc.NewStream(clientRead, clientWrite))
	serverTransport := NewTransport(jsonrpc.NewStream(serverRead, serverWrite))
	defer clientTransport.Close()
	defer serverTransport.Close()

	request, err := newRequest("robotCustom", json.RawMessage(`{"keep":["this",1]}`))
	require.NoError(t, err)
	request.setSeq(5)

	var wg sync.WaitGroup
	wg.Add(1)

	var received *Message
	var readErr error
	go func() {
		defer wg.Done()
		received, readErr = serverTransport.ReadMessage()
	}()

	require.NoError(t, clientTransport.WriteMessage(request))
	wg.Wait()

	require.NoError(t, readErr)
	assert.Equal(t, 5, received.Seq)
	assert.Equal(t, "robotCustom", received.Command)
	assert.JSONEq(t, `{"keep":["this",1]}`, string(received.Arguments))
}

func TestTransportReadsBackToBackMessages(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	for _, body := range []string{
		`{"seq":1,"type":"event","event":"output","body":{"output":"a"}}`,
		`{"seq":2,"type":"response","request_seq":9,"command":"threads","success":true,"body":{"threads":[]}}`,
	} {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.Itoa(len(body)))
		buf.WriteString("\r\n\r\n")
		buf.WriteString(body)
	}

	transport := NewTransport(jsonrpc.NewStream(io.NopCloser(&buf), nopWriteCloser{io.Discard}))

	first, err := transport.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "output", first.Event)

	second, err := transport.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, 9, second.RequestSeq)
	assert.True(t, second.Success)

	_, err = transport.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestTransportCloseUnblocksRead(t *testing.T) {
	t.Parallel()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	clientTransport := NewTransport(clientConn)

	// Start a blocking read, signalling when the goroutine is about to block
	readStarted := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		close(readStarted)
		_, _ = clientTransport.ReadMessage()
	}()

	<-readStarted
	require.NoError(t, clientTransport.Close())

	select {
	case <-readDone:
		// Success - read was unblocked
	case <-time.After(2 * time.Second):
		t.Fatal("read was not unblocked after the transport was closed")
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
