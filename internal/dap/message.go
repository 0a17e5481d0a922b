// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/go-dap"
)

// Message is a DAP message as read from the wire. The envelope is decoded but the payload
// is kept raw, so requests and events the launcher does not know about can be relayed unchanged.
type Message struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command,omitempty"`
	Event      string          `json:"event,omitempty"`
	RequestSeq int             `json:"request_seq,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	raw []byte
}

func parseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid DAP message: %w", err)
	}
	switch msg.Type {
	case "request", "response", "event":
	default:
		return nil, fmt.Errorf("invalid DAP message type %q", msg.Type)
	}
	msg.raw = raw
	return &msg, nil
}

// Decode returns the typed go-dap representation of the message.
// It fails for requests and events go-dap does not know.
func (m *Message) Decode() (dap.Message, error) {
	return dap.DecodeProtocolMessage(m.raw)
}

// DecodeArguments unmarshals the request arguments into v. Missing arguments leave v unchanged.
func (m *Message) DecodeArguments(v any) error {
	if len(m.Arguments) == 0 || string(m.Arguments) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments of %s request: %w", m.Command, err)
	}
	return nil
}

// outbound is a message written by the launcher. The sequence number is assigned when it is sent.
type outbound interface {
	dap.Message
	setSeq(seq int)
}

// rawRequest, rawResponse and rawEvent carry their payload as raw JSON.
type rawRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type rawResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

type rawEvent struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

func (r *rawRequest) setSeq(seq int)  { r.Seq = seq }
func (r *rawResponse) setSeq(seq int) { r.Seq = seq }
func (e *rawEvent) setSeq(seq int)    { e.Seq = seq }

func newRequest(command string, arguments any) (*rawRequest, error) {
	raw, err := marshalPayload(arguments)
	if err != nil {
		return nil, err
	}
	return &rawRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Type: "request"},
			Command:         command,
		},
		Arguments: raw,
	}, nil
}

func newResponse(req *Message, body any) (*rawResponse, error) {
	raw, err := marshalPayload(body)
	if err != nil {
		return nil, err
	}
	return &rawResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			Command:         req.Command,
			RequestSeq:      req.Seq,
			Success:         true,
		},
		Body: raw,
	}, nil
}

func newErrorResponse(req *Message, err error) *rawResponse {
	return &rawResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Type: "response"},
			Command:         req.Command,
			RequestSeq:      req.Seq,
			Success:         false,
			Message:         err.Error(),
		},
	}
}

func newEvent(name string, body any) (*rawEvent, error) {
	raw, err := marshalPayload(body)
	if err != nil {
		return nil, err
	}
	return &rawEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           name,
		},
		Body: raw,
	}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch typed := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return typed, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("could not serialize DAP payload: %w", err)
		}
		return raw, nil
	}
}

// pendingRequestMap tracks the requests the launcher sent to the IDE, keyed by sequence number.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int]chan *Message
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{
		requests: make(map[int]chan *Message),
	}
}

// Add registers a request and returns the channel its response is delivered to.
func (m *pendingRequestMap) Add(seq int) <-chan *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Message, 1)
	m.requests[seq] = ch
	return ch
}

// Resolve delivers a response. Returns false if no request with the given sequence number is pending.
func (m *pendingRequestMap) Resolve(resp *Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.requests[resp.RequestSeq]
	if !ok {
		return false
	}
	delete(m.requests, resp.RequestSeq)
	ch <- resp
	return true
}

// Forget drops a request that is no longer waited for.
func (m *pendingRequestMap) Forget(seq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, seq)
}

// DrainWithError closes all response channels and clears the map.
// This is used during shutdown to unblock any waiting callers.
func (m *pendingRequestMap) DrainWithError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.requests {
		close(ch)
	}
	m.requests = make(map[int]chan *Message)
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}
