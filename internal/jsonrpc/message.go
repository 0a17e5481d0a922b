/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const protocolVersion = "2.0"

// ID identifies a request. It is either a number or a string.
type ID struct {
	num   int64
	str   string
	isStr bool
}

func NumberID(n int64) ID {
	return ID{num: n}
}

func StringID(s string) ID {
	return ID{str: s, isStr: true}
}

// String returns a representation that is unique across numeric and string IDs.
func (id ID) String() string {
	if id.isStr {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return json.Marshal(id.num)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("request id must be a number or a string: %w", err)
	}
	*id = NumberID(n)
	return nil
}

// Message is one of *Request, *Notification, *Response or *ErrorResponse.
type Message interface {
	isMessage()
}

type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

type Notification struct {
	Method string
	Params json.RawMessage
}

type Response struct {
	ID     ID
	Result json.RawMessage
}

// ErrorResponse carries a nil ID when the failing request could not be identified.
type ErrorResponse struct {
	ID    *ID
	Error *Error
}

func (*Request) isMessage()       {}
func (*Notification) isMessage()  {}
func (*Response) isMessage()      {}
func (*ErrorResponse) isMessage() {}

func (r *Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{protocolVersion, r.ID, r.Method, r.Params})
}

func (n *Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{protocolVersion, n.Method, n.Params})
}

func (r *Response) MarshalJSON() ([]byte, error) {
	result := r.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{protocolVersion, r.ID, result})
}

func (r *ErrorResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      *ID    `json:"id"`
		Error   *Error `json:"error"`
	}{protocolVersion, r.ID, r.Error})
}

type wireMessage struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Decode parses a frame body into messages. A body holding a JSON array is a batch.
// Elements that cannot be turned into messages are reported as error responses
// that should be written back to the peer.
func Decode(body []byte) (msgs []Message, batch bool, rejects []*ErrorResponse) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, true, []*ErrorResponse{{Error: NewError(CodeParseError, "Parse error: %s", err.Error())}}
		}
		if len(elements) == 0 {
			return nil, true, []*ErrorResponse{{Error: NewError(CodeInvalidRequest, "Invalid request: empty batch")}}
		}

		for _, element := range elements {
			msg, reject := decodeOne(element)
			if reject != nil {
				rejects = append(rejects, reject)
			} else {
				msgs = append(msgs, msg)
			}
		}
		return msgs, true, rejects
	}

	msg, reject := decodeOne(trimmed)
	if reject != nil {
		return nil, false, []*ErrorResponse{reject}
	}
	return []Message{msg}, false, nil
}

func decodeOne(raw []byte) (Message, *ErrorResponse) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, &ErrorResponse{Error: NewError(CodeParseError, "Parse error: %s", err.Error())}
	}

	var id *ID
	if len(wm.ID) > 0 && !bytes.Equal(wm.ID, []byte("null")) {
		var parsed ID
		if err := json.Unmarshal(wm.ID, &parsed); err != nil {
			return nil, &ErrorResponse{Error: NewError(CodeInvalidRequest, "Invalid request: %s", err.Error())}
		}
		id = &parsed
	}

	if wm.JSONRPC == nil || *wm.JSONRPC != protocolVersion {
		return nil, &ErrorResponse{ID: id, Error: NewError(CodeParseError, "Invalid JSON-RPC version, expected %q", protocolVersion)}
	}

	switch {
	case wm.Method != nil && id != nil:
		return &Request{ID: *id, Method: *wm.Method, Params: wm.Params}, nil
	case wm.Method != nil:
		return &Notification{Method: *wm.Method, Params: wm.Params}, nil
	case wm.Error != nil:
		return &ErrorResponse{ID: id, Error: wm.Error}, nil
	case wm.Result != nil && id != nil:
		return &Response{ID: *id, Result: wm.Result}, nil
	default:
		return nil, &ErrorResponse{ID: id, Error: NewError(CodeInvalidRequest, "Invalid request: not a request, notification or response")}
	}
}
