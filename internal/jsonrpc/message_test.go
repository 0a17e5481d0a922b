/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassifiesMessages(t *testing.T) {
	t.Parallel()

	type testcase struct {
		description string
		body        string
		verify      func(t *testing.T, msg Message)
	}

	testcases := []testcase{
		{
			description: "request with numeric id",
			body:        `{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"a":1}}`,
			verify: func(t *testing.T, msg Message) {
				req, isReq := msg.(*Request)
				require.True(t, isReq)
				assert.Equal(t, NumberID(7), req.ID)
				assert.Equal(t, "initialize", req.Method)
				assert.JSONEq(t, `{"a":1}`, string(req.Params))
			},
		},
		{
			description: "request with string id",
			body:        `{"jsonrpc":"2.0","id":"abc","method":"next"}`,
			verify: func(t *testing.T, msg Message) {
				req, isReq := msg.(*Request)
				require.True(t, isReq)
				assert.Equal(t, StringID("abc"), req.ID)
			},
		},
		{
			description: "notification",
			body:        `{"jsonrpc":"2.0","method":"stopped","params":{"reason":"step"}}`,
			verify: func(t *testing.T, msg Message) {
				n, isNotification := msg.(*Notification)
				require.True(t, isNotification)
				assert.Equal(t, "stopped", n.Method)
			},
		},
		{
			description: "response with null result",
			body:        `{"jsonrpc":"2.0","id":3,"result":null}`,
			verify: func(t *testing.T, msg Message) {
				resp, isResponse := msg.(*Response)
				require.True(t, isResponse)
				assert.Equal(t, NumberID(3), resp.ID)
				assert.Equal(t, "null", string(resp.Result))
			},
		},
		{
			description: "error response",
			body:        `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"nope"}}`,
			verify: func(t *testing.T, msg Message) {
				resp, isError := msg.(*ErrorResponse)
				require.True(t, isError)
				require.NotNil(t, resp.ID)
				assert.Equal(t, NumberID(4), *resp.ID)
				assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.description, func(t *testing.T) {
			t.Parallel()

			msgs, batch, rejects := Decode([]byte(tc.body))
			require.Empty(t, rejects)
			assert.False(t, batch)
			require.Len(t, msgs, 1)
			tc.verify(t, msgs[0])
		})
	}
}

func TestDecodeRejectsInvalidMessages(t *testing.T) {
	t.Parallel()

	type testcase struct {
		description string
		body        string
		code        Code
	}

	testcases := []testcase{
		{"malformed JSON", `{"jsonrpc":"2.0",`, CodeParseError},
		{"missing version", `{"id":1,"method":"x"}`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, CodeParseError},
		{"neither request nor response", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"empty batch", `[]`, CodeInvalidRequest},
		{"invalid id", `{"jsonrpc":"2.0","id":{},"method":"x"}`, CodeInvalidRequest},
	}

	for _, tc := range testcases {
		t.Run(tc.description, func(t *testing.T) {
			t.Parallel()

			msgs, _, rejects := Decode([]byte(tc.body))
			assert.Empty(t, msgs)
			require.Len(t, rejects, 1)
			assert.Equal(t, tc.code, rejects[0].Error.Code)
		})
	}
}

func TestDecodeBatchKeepsValidElements(t *testing.T) {
	t.Parallel()

	msgs, batch, rejects := Decode([]byte(`[
		{"jsonrpc":"2.0","id":1,"method":"a"},
		{"jsonrpc":"2.0","method":"b"},
		{"jsonrpc":"1.0","id":2,"method":"c"}
	]`))

	assert.True(t, batch)
	require.Len(t, msgs, 2)
	require.Len(t, rejects, 1)
	require.NotNil(t, rejects[0].ID)
	assert.Equal(t, NumberID(2), *rejects[0].ID)
}

func TestMessageEncoding(t *testing.T) {
	t.Parallel()

	id := NumberID(5)

	req, err := json.Marshal(&Request{ID: StringID("r1"), Method: "evaluate", Params: json.RawMessage(`{"expression":"1"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"r1","method":"evaluate","params":{"expression":"1"}}`, string(req))

	notification, err := json.Marshal(&Notification{Method: "initialized"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"initialized"}`, string(notification))

	resp, err := json.Marshal(&Response{ID: id})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":5,"result":null}`, string(resp))

	errResp, err := json.Marshal(&ErrorResponse{Error: NewError(CodeParseError, "bad")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`, string(errResp))
}

func TestIDStringDistinguishesKinds(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, NumberID(1).String(), StringID("1").String())
	assert.Equal(t, NumberID(1).String(), NumberID(1).String())
}
