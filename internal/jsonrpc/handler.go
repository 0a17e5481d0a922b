/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Handler serves one registered method. Handlers are built with Method, Notify or Raw,
// which bind a typed function to a decoder for its parameters.
type Handler struct {
	decode func(raw json.RawMessage) (any, error)
	invoke func(ctx context.Context, params any) (any, error)
	async  bool
}

type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	shape *ParamShape
	async bool
}

// WithShape binds positional and by-name parameters using the given shape.
func WithShape(shape ParamShape) HandlerOption {
	return func(o *handlerOptions) {
		o.shape = &shape
	}
}

// Async runs the handler on its own goroutine instead of the endpoint loop.
// Use it for handlers that block; synchronous handlers run in arrival order.
func Async() HandlerOption {
	return func(o *handlerOptions) {
		o.async = true
	}
}

// Method builds a request handler for a function taking parameters of type P and returning R.
func Method[P any, R any](fn func(ctx context.Context, params P) (R, error), opts ...HandlerOption) Handler {
	o := applyOptions(opts)
	return Handler{
		decode: paramDecoder[P](o.shape),
		invoke: func(ctx context.Context, params any) (any, error) {
			return fn(ctx, params.(P))
		},
		async: o.async,
	}
}

// Notify builds a notification handler. Used for requests, it answers with a null result.
func Notify[P any](fn func(ctx context.Context, params P) error, opts ...HandlerOption) Handler {
	o := applyOptions(opts)
	return Handler{
		decode: paramDecoder[P](o.shape),
		invoke: func(ctx context.Context, params any) (any, error) {
			return nil, fn(ctx, params.(P))
		},
		async: o.async,
	}
}

// Raw builds a handler that receives the undecoded parameters.
func Raw(fn func(ctx context.Context, params json.RawMessage) (any, error), opts ...HandlerOption) Handler {
	o := applyOptions(opts)
	return Handler{
		decode: func(raw json.RawMessage) (any, error) {
			return raw, nil
		},
		invoke: func(ctx context.Context, params any) (any, error) {
			return fn(ctx, params.(json.RawMessage))
		},
		async: o.async,
	}
}

func applyOptions(opts []HandlerOption) handlerOptions {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func paramDecoder[P any](shape *ParamShape) func(raw json.RawMessage) (any, error) {
	return func(raw json.RawMessage) (any, error) {
		var params P

		if shape != nil {
			normalized, err := shape.normalize(raw)
			if err != nil {
				return nil, err
			}
			raw = normalized
		} else if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
			return nil, fmt.Errorf("positional parameters are not supported by this method")
		}

		if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return params, nil
		}

		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, err
		}
		return params, nil
	}
}
