/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// Mode selects the kind of byte stream a session runs over.
type Mode string

const (
	ModeStdio Mode = "stdio"
	ModeTCP   Mode = "tcp"
	ModePipe  Mode = "pipe"
)

var ErrUnsupportedMode = errors.New("unsupported transport mode")

type TransportConfig struct {
	Mode Mode

	// Address is the host:port for ModeTCP.
	Address string

	// PipeName names the pipe (or unix socket) for ModePipe. An empty name is generated.
	PipeName string
}

// EnsurePipeName fills in a generated pipe name if none was given and returns it.
func (c *TransportConfig) EnsurePipeName() string {
	if c.PipeName == "" {
		c.PipeName = "rfdebug-" + uuid.NewString()
	}
	return c.PipeName
}

// Listen opens a listener for ModeTCP or ModePipe.
func Listen(cfg *TransportConfig) (net.Listener, error) {
	switch cfg.Mode {
	case ModeTCP:
		l, err := net.Listen("tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
		}
		return l, nil
	case ModePipe:
		return listenPipe(cfg.EnsurePipeName())
	default:
		return nil, fmt.Errorf("%w: cannot listen in %q mode", ErrUnsupportedMode, cfg.Mode)
	}
}

// Dial connects to a peer listening in ModeTCP or ModePipe.
func Dial(ctx context.Context, cfg *TransportConfig) (net.Conn, error) {
	switch cfg.Mode {
	case ModeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("failed to dial TCP %s: %w", cfg.Address, err)
		}
		return conn, nil
	case ModePipe:
		return dialPipe(ctx, cfg.PipeName)
	default:
		return nil, fmt.Errorf("%w: cannot dial in %q mode", ErrUnsupportedMode, cfg.Mode)
	}
}

// AcceptSingle waits for the first peer on l. Later connections are closed as soon as they arrive.
// Closing the returned connection also closes the listener.
func AcceptSingle(ctx context.Context, l net.Listener, log logr.Logger) (net.Conn, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	first := make(chan acceptResult, 1)

	go func() {
		conn, err := l.Accept()
		first <- acceptResult{conn, err}
		if err != nil {
			return
		}

		for {
			extra, extraErr := l.Accept()
			if extraErr != nil {
				return
			}
			log.Info("Rejecting additional client, only one session is supported", "remote", extra.RemoteAddr().String())
			_ = extra.Close()
		}
	}()

	select {
	case res := <-first:
		if res.err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to accept client connection: %w", res.err)
		}
		return &singlePeerConn{Conn: res.conn, listener: l}, nil
	case <-ctx.Done():
		_ = l.Close()
		return nil, ctx.Err()
	}
}

type singlePeerConn struct {
	net.Conn
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

func (c *singlePeerConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = errors.Join(c.Conn.Close(), c.listener.Close())
	})
	return c.closeErr
}

// Stdio returns a stream over the process standard input and output.
func Stdio() io.ReadWriteCloser {
	return &stdioStream{in: os.Stdin, out: os.Stdout}
}

// NewStream combines a reader and a writer into a stream; Close closes both.
func NewStream(in io.ReadCloser, out io.WriteCloser) io.ReadWriteCloser {
	return &stdioStream{in: in, out: out}
}

type stdioStream struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (s *stdioStream) Read(p []byte) (int, error) {
	return s.in.Read(p)
}

func (s *stdioStream) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *stdioStream) Close() error {
	return errors.Join(s.in.Close(), s.out.Close())
}
