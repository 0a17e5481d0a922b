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
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/rfdebug/rfdebug/pkg/resiliency"
)

// CancelRequestMethod is the notification a peer sends to give up on one of its requests.
const CancelRequestMethod = "$/cancelRequest"

const readChunkSize = 32 * 1024

type CancelParams struct {
	ID ID `json:"id"`
}

// IDGenerator produces request IDs for outbound requests.
type IDGenerator func() ID

func SequentialIDs() IDGenerator {
	var next atomic.Int64
	return func() ID {
		return NumberID(next.Add(1))
	}
}

func UUIDIDs() IDGenerator {
	return func() ID {
		return StringID(uuid.NewString())
	}
}

type EndpointOptions struct {
	// Logger for the endpoint. If not set, logging is disabled.
	Logger logr.Logger

	// IDs generates outbound request IDs. Defaults to SequentialIDs.
	IDs IDGenerator
}

// Endpoint is one side of a JSON-RPC session. It dispatches inbound requests and notifications
// to registered handlers and correlates responses with the requests it sent.
//
// All inbound messages are dispatched from a single loop goroutine (see Run). Synchronous handlers
// therefore observe messages in arrival order; asynchronous handlers run concurrently.
type Endpoint struct {
	conn   io.ReadWriteCloser
	log    logr.Logger
	nextID IDGenerator

	handlersLock sync.RWMutex
	handlers     map[string]Handler

	writeLock sync.Mutex

	callsLock sync.Mutex
	pending   map[string]*PendingCall
	cancelled map[string]struct{}
	inflight  map[string]context.CancelFunc
	closed    bool

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

func NewEndpoint(conn io.ReadWriteCloser, opts EndpointOptions) *Endpoint {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	nextID := opts.IDs
	if nextID == nil {
		nextID = SequentialIDs()
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())

	e := &Endpoint{
		conn:        conn,
		log:         log,
		nextID:      nextID,
		handlers:    make(map[string]Handler),
		pending:     make(map[string]*PendingCall),
		cancelled:   make(map[string]struct{}),
		inflight:    make(map[string]context.CancelFunc),
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	e.Register(CancelRequestMethod, Notify(e.cancelInbound))
	return e
}

// Register makes a handler available under the given method name, replacing any previous one.
func (e *Endpoint) Register(method string, h Handler) {
	e.handlersLock.Lock()
	defer e.handlersLock.Unlock()
	e.handlers[method] = h
}

func (e *Endpoint) handler(method string) (Handler, bool) {
	e.handlersLock.RLock()
	defer e.handlersLock.RUnlock()
	h, found := e.handlers[method]
	return h, found
}

// Done is closed when the session has ended.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Err returns the reason the session ended, or nil if it ended normally or is still running.
func (e *Endpoint) Err() error {
	select {
	case <-e.done:
		return e.closeErr
	default:
		return nil
	}
}

// Run reads and dispatches messages until the peer disconnects, the context is cancelled,
// or Close is called. It returns nil if the session ended normally.
func (e *Endpoint) Run(ctx context.Context) error {
	chunks := make(chan []byte, 16)
	readErrCh := make(chan error, 1)

	go func() {
		buf := make([]byte, readChunkSize)
		for {
			n, readErr := e.conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				case <-e.lifetimeCtx.Done():
					return
				}
			}
			if readErr != nil {
				readErrCh <- readErr
				return
			}
		}
	}()

	var frames FrameBuffer
	for {
		select {
		case chunk := <-chunks:
			frames.Feed(chunk)
			e.drainFrames(&frames)

		case readErr := <-readErrCh:
			// Frames that arrived together with the error still count.
			e.drainPendingChunks(chunks, &frames)
			if e.lifetimeCtx.Err() != nil || isClosedError(readErr) {
				e.shutdown(nil)
				return nil
			}
			e.shutdown(fmt.Errorf("failed to read JSON-RPC message: %w", readErr))
			return e.closeErr

		case <-ctx.Done():
			e.shutdown(nil)
			return ctx.Err()

		case <-e.lifetimeCtx.Done():
			e.shutdown(nil)
			return e.closeErr
		}
	}
}

func (e *Endpoint) drainPendingChunks(chunks <-chan []byte, frames *FrameBuffer) {
	for {
		select {
		case chunk := <-chunks:
			frames.Feed(chunk)
			e.drainFrames(frames)
		default:
			return
		}
	}
}

func (e *Endpoint) drainFrames(frames *FrameBuffer) {
	for {
		body, ok, err := frames.Next()
		if err != nil {
			// The frame is gone, so the peer cannot be told which request failed.
			e.log.Info("Rejecting malformed frame", "reason", err.Error())
			e.write(&ErrorResponse{Error: NewError(CodeParseError, "Parse error: %s", err.Error())})
			continue
		}
		if !ok {
			return
		}
		e.handleBody(body)
	}
}

func (e *Endpoint) handleBody(body []byte) {
	e.log.V(1).Info("Received message", "body", string(body))

	msgs, _, rejects := Decode(body)
	for _, reject := range rejects {
		e.log.Info("Rejecting undecodable message", "code", reject.Error.Code, "reason", reject.Error.Message)
		e.write(reject)
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case *Request:
			e.handleRequest(m)
		case *Notification:
			e.handleNotification(m)
		case *Response:
			e.resolve(m.ID, m.Result, nil)
		case *ErrorResponse:
			if m.ID == nil {
				e.log.Info("Peer reported an error", "code", m.Error.Code, "message", m.Error.Message)
				continue
			}
			e.resolve(*m.ID, nil, m.Error)
		}
	}
}

func (e *Endpoint) handleRequest(req *Request) {
	h, found := e.handler(req.Method)
	if !found {
		e.write(&ErrorResponse{ID: &req.ID, Error: NewError(CodeMethodNotFound, "Method not found: %s", req.Method)})
		return
	}

	params, decodeErr := h.decode(req.Params)
	if decodeErr != nil {
		e.write(&ErrorResponse{ID: &req.ID, Error: NewError(CodeInvalidParams, "Invalid params for %s: %s", req.Method, decodeErr.Error())})
		return
	}

	handlerCtx, cancel := context.WithCancel(e.lifetimeCtx)
	key := req.ID.String()
	e.callsLock.Lock()
	e.inflight[key] = cancel
	e.callsLock.Unlock()

	run := func() {
		defer func() {
			e.callsLock.Lock()
			delete(e.inflight, key)
			e.callsLock.Unlock()
			cancel()
		}()

		result, err := e.invoke(handlerCtx, req.Method, h, params)
		if err != nil {
			e.write(&ErrorResponse{ID: &req.ID, Error: asWireError(err, CodeInternalError)})
			return
		}

		raw, marshalErr := marshalValue(result)
		if marshalErr != nil {
			e.write(&ErrorResponse{ID: &req.ID, Error: NewError(CodeInternalError, "Could not serialize result of %s: %s", req.Method, marshalErr.Error())})
			return
		}
		e.write(&Response{ID: req.ID, Result: raw})
	}

	if h.async {
		go run()
	} else {
		run()
	}
}

func (e *Endpoint) handleNotification(n *Notification) {
	h, found := e.handler(n.Method)
	if !found {
		e.log.V(1).Info("Dropping notification for unknown method", "method", n.Method)
		return
	}

	params, decodeErr := h.decode(n.Params)
	if decodeErr != nil {
		e.log.Error(decodeErr, "Dropping notification with invalid params", "method", n.Method)
		return
	}

	run := func() {
		if _, err := e.invoke(e.lifetimeCtx, n.Method, h, params); err != nil {
			e.log.Error(err, "Notification handler failed", "method", n.Method)
		}
	}

	if h.async {
		go run()
	} else {
		run()
	}
}

func (e *Endpoint) invoke(ctx context.Context, method string, h Handler, params any) (result any, err error) {
	defer func() {
		if panicErr := resiliency.MakePanicError(recover(), e.log.WithValues("method", method)); panicErr != nil {
			result = nil
			err = NewError(CodeInternalError, "%s failed: %s", method, panicErr.Error())
		}
	}()

	return h.invoke(ctx, params)
}

func (e *Endpoint) cancelInbound(_ context.Context, params CancelParams) error {
	e.callsLock.Lock()
	cancel, found := e.inflight[params.ID.String()]
	e.callsLock.Unlock()

	if found {
		e.log.V(1).Info("Cancelling in-flight request", "id", params.ID.String())
		cancel()
	}
	return nil
}

func (e *Endpoint) resolve(id ID, result json.RawMessage, err *Error) {
	pc := e.takePending(id)
	if pc == nil {
		if e.forgetCancelled(id) {
			return
		}
		e.log.Info("Received response for unknown request", "id", id.String())
		// Replying to an unexpected error response could start an endless exchange.
		if err == nil {
			e.write(&ErrorResponse{ID: &id, Error: NewError(CodeInternalError, "No pending request with id %s", id.String())})
		}
		return
	}

	if err != nil {
		pc.complete(nil, err)
	} else {
		pc.complete(result, nil)
	}
}

func (e *Endpoint) takePending(id ID) *PendingCall {
	e.callsLock.Lock()
	defer e.callsLock.Unlock()

	pc, found := e.pending[id.String()]
	if !found {
		return nil
	}
	delete(e.pending, id.String())
	return pc
}

// Late responses to cancelled calls are expected and dropped quietly.
func (e *Endpoint) forgetCancelled(id ID) bool {
	e.callsLock.Lock()
	defer e.callsLock.Unlock()

	if _, found := e.cancelled[id.String()]; !found {
		return false
	}
	delete(e.cancelled, id.String())
	return true
}

// SendRequest writes a request and returns a handle for its response.
// The request is on the wire when SendRequest returns, so requests are delivered in call order.
func (e *Endpoint) SendRequest(method string, params any) (*PendingCall, error) {
	raw, err := marshalValue(params)
	if err != nil {
		return nil, fmt.Errorf("could not serialize params for %s: %w", method, err)
	}
	if string(raw) == "null" {
		raw = nil
	}

	pc := &PendingCall{
		id:       e.nextID(),
		method:   method,
		endpoint: e,
		done:     make(chan struct{}),
	}

	e.callsLock.Lock()
	if e.closed {
		e.callsLock.Unlock()
		return nil, ErrConnectionClosed
	}
	e.pending[pc.id.String()] = pc
	e.callsLock.Unlock()

	if writeErr := e.write(&Request{ID: pc.id, Method: method, Params: raw}); writeErr != nil {
		e.takePending(pc.id)
		return nil, writeErr
	}
	return pc, nil
}

// Call sends a request and waits for its result, which is decoded into result (if not nil).
func (e *Endpoint) Call(ctx context.Context, method string, params any, result any) error {
	pc, err := e.SendRequest(method, params)
	if err != nil {
		return err
	}
	return pc.Wait(ctx, result)
}

// Notify sends a notification.
func (e *Endpoint) Notify(method string, params any) error {
	raw, err := marshalValue(params)
	if err != nil {
		return fmt.Errorf("could not serialize params for %s: %w", method, err)
	}
	if string(raw) == "null" {
		raw = nil
	}
	return e.write(&Notification{Method: method, Params: raw})
}

func (e *Endpoint) write(msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		e.log.Error(err, "Could not serialize message")
		return err
	}

	e.writeLock.Lock()
	writeErr := WriteFrame(e.conn, body)
	e.writeLock.Unlock()

	if writeErr != nil {
		if e.lifetimeCtx.Err() == nil {
			e.log.Error(writeErr, "Failed to write message, ending session")
			e.shutdown(fmt.Errorf("failed to write JSON-RPC message: %w", writeErr))
		}
		return errors.Join(ErrConnectionClosed, writeErr)
	}

	e.log.V(1).Info("Sent message", "body", string(body))
	return nil
}

// Close ends the session. Pending calls are rejected with ErrConnectionClosed.
func (e *Endpoint) Close() error {
	e.shutdown(nil)
	return nil
}

func (e *Endpoint) shutdown(cause error) {
	e.closeOnce.Do(func() {
		e.closeErr = cause
		e.cancel()

		if closeErr := e.conn.Close(); closeErr != nil && !isClosedError(closeErr) {
			e.log.V(1).Info("Error closing connection", "error", closeErr.Error())
		}

		e.callsLock.Lock()
		e.closed = true
		pending := e.pending
		e.pending = make(map[string]*PendingCall)
		for _, cancel := range e.inflight {
			cancel()
		}
		e.callsLock.Unlock()

		for _, pc := range pending {
			pc.complete(nil, ErrConnectionClosed)
		}

		close(e.done)
	})
}

func marshalValue(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(typed) == 0 {
			return json.RawMessage("null"), nil
		}
		return typed, nil
	default:
		return json.Marshal(v)
	}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// PendingCall is an outbound request awaiting its response. It is resolved exactly once.
type PendingCall struct {
	id       ID
	method   string
	endpoint *Endpoint

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (pc *PendingCall) ID() ID {
	return pc.id
}

// Done is closed when the call has been resolved.
func (pc *PendingCall) Done() <-chan struct{} {
	return pc.done
}

// Wait blocks until the response arrives and decodes its result into result (if not nil).
// If ctx ends first, the call is cancelled.
func (pc *PendingCall) Wait(ctx context.Context, result any) error {
	select {
	case <-pc.done:
	case <-ctx.Done():
		pc.Cancel()
		<-pc.done
	}

	if pc.err != nil {
		if errors.Is(pc.err, ErrCancelled) && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return pc.err
	}

	if result != nil && len(pc.result) > 0 {
		if err := json.Unmarshal(pc.result, result); err != nil {
			return fmt.Errorf("unexpected result of %s: %w", pc.method, err)
		}
	}
	return nil
}

// Result returns the raw result once the call has been resolved.
func (pc *PendingCall) Result() (json.RawMessage, error) {
	<-pc.done
	return pc.result, pc.err
}

// Cancel discards the call and asks the peer to stop working on it.
func (pc *PendingCall) Cancel() {
	e := pc.endpoint
	e.callsLock.Lock()
	if _, found := e.pending[pc.id.String()]; !found {
		e.callsLock.Unlock()
		return
	}
	delete(e.pending, pc.id.String())
	e.cancelled[pc.id.String()] = struct{}{}
	e.callsLock.Unlock()

	if err := e.Notify(CancelRequestMethod, CancelParams{ID: pc.id}); err != nil {
		e.log.V(1).Info("Could not send cancellation", "id", pc.id.String(), "error", err.Error())
	}
	pc.complete(nil, ErrCancelled)
}

func (pc *PendingCall) complete(result json.RawMessage, err error) {
	pc.once.Do(func() {
		pc.result = result
		pc.err = err
		close(pc.done)
	})
}
