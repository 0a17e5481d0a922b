// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/go-dap"
)

var ErrTransportClosed = errors.New("transport is closed")

// Transport carries DAP messages between the launcher and the IDE over stdio, a socket or a pipe.
// One goroutine may read while any number write; writes are serialized.
type Transport interface {
	// ReadMessage blocks until the next message arrives. The payload stays raw so that
	// requests the launcher does not recognize can still be relayed.
	ReadMessage() (*Message, error)

	WriteMessage(msg dap.Message) error

	// Close unblocks pending reads and writes.
	Close() error
}

type streamTransport struct {
	stream io.ReadWriteCloser
	reader *bufio.Reader

	writeLock sync.Mutex
	writer    *bufio.Writer

	closed atomic.Bool
}

func NewTransport(stream io.ReadWriteCloser) Transport {
	return &streamTransport{
		stream: stream,
		reader: bufio.NewReader(stream),
		writer: bufio.NewWriter(stream),
	}
}

func (t *streamTransport) ReadMessage() (*Message, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}

	content, err := dap.ReadBaseMessage(t.reader)
	switch {
	case err == nil:
		return parseMessage(content)
	case t.closed.Load():
		return nil, ErrTransportClosed
	default:
		return nil, fmt.Errorf("reading message from the IDE failed: %w", err)
	}
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	if err := dap.WriteProtocolMessage(t.writer, msg); err != nil {
		return t.writeError(msg, err)
	}
	if err := t.writer.Flush(); err != nil {
		return t.writeError(msg, err)
	}
	return nil
}

func (t *streamTransport) writeError(msg dap.Message, err error) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return fmt.Errorf("sending message %d to the IDE failed: %w", msg.GetSeq(), err)
}

func (t *streamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	return t.stream.Close()
}
