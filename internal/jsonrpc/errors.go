/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.lsp.dev/jsonrpc2"
)

// Code is a JSON-RPC error code.
type Code = jsonrpc2.Code

// Canonical JSON-RPC 2.0 error codes.
const (
	CodeParseError     = jsonrpc2.ParseError
	CodeInvalidRequest = jsonrpc2.InvalidRequest
	CodeMethodNotFound = jsonrpc2.MethodNotFound
	CodeInvalidParams  = jsonrpc2.InvalidParams
	CodeInternalError  = jsonrpc2.InternalError
)

var (
	// ErrConnectionClosed rejects calls that were pending when the transport went away.
	ErrConnectionClosed = errors.New("JSON-RPC connection closed")

	// ErrCancelled is returned by a pending call that was cancelled before a response arrived.
	ErrCancelled = errors.New("JSON-RPC request cancelled")
)

// Error is the error object of a JSON-RPC error response.
// Handlers may return it to choose the code reported to the peer.
type Error struct {
	Code    Code            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewError(code Code, format string, args ...any) *Error {
	return fromLibraryError(jsonrpc2.Errorf(code, format, args...))
}

func fromLibraryError(le *jsonrpc2.Error) *Error {
	e := &Error{Code: le.Code, Message: le.Message}
	if le.Data != nil {
		e.Data = *le.Data
	}
	return e
}

// WithData attaches arbitrary data to the error. Values that cannot be serialized are ignored.
func (e *Error) WithData(data any) *Error {
	if raw, err := json.Marshal(data); err == nil {
		e.Data = raw
	}
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// asWireError converts an arbitrary handler error into an error object.
// Errors built with go.lsp.dev/jsonrpc2 keep their code and data.
func asWireError(err error, defaultCode Code) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var libErr *jsonrpc2.Error
	if errors.As(err, &libErr) {
		return fromLibraryError(libErr)
	}
	return NewError(defaultCode, "%s", err.Error())
}

// FramingError reports a malformed frame header. The offending header block is dropped
// and reading continues with the next frame.
type FramingError struct {
	Reason string
}

func (e *FramingError) Error() string {
	return "invalid JSON-RPC frame: " + e.Reason
}
