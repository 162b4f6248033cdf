// Package mcp provides JSON-RPC envelope utilities for the proxy.
//
// The proxy never interprets MCP semantics beyond the envelope: it needs the
// method name and request id for audit records, notification detection for
// the 202 path, and id rewriting for the stdio bridge. Unknown fields are
// preserved byte-for-byte so upstream extensions pass through untouched.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes used by the proxy when it synthesizes responses.
const (
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// ErrNotObject is returned by Parse when the body is valid JSON but not an
// object (arrays are reported separately via IsBatch).
var ErrNotObject = errors.New("jsonrpc: body is not a JSON object")

var jsonNull = []byte("null")

// Envelope is a lightly parsed JSON-RPC 2.0 message. All fields beyond
// method and id are kept raw.
type Envelope struct {
	// Method is the JSON-RPC method, empty for responses.
	Method string
	// ID is the raw id value; nil when the field is absent.
	ID json.RawMessage

	fields map[string]json.RawMessage
}

// Parse decodes the envelope of a JSON-RPC message. It tolerates missing
// jsonrpc/method/id fields; callers that need strict validation should use
// Decode instead.
func Parse(body []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	env := &Envelope{fields: fields, ID: fields["id"]}
	if raw, ok := fields["method"]; ok {
		_ = json.Unmarshal(raw, &env.Method)
	}
	return env, nil
}

// Decode strictly decodes a message using the MCP SDK codec. It returns
// either a *jsonrpc.Request or a *jsonrpc.Response.
func Decode(body []byte) (jsonrpc.Message, error) {
	return jsonrpc.DecodeMessage(body)
}

// IsNotification reports whether the message carries no id (or a null id),
// i.e. it is fire-and-forget per JSON-RPC 2.0.
func (e *Envelope) IsNotification() bool {
	return len(e.ID) == 0 || bytes.Equal(e.ID, jsonNull)
}

// RPCID returns the decoded id for audit purposes: a string, a number, or
// nil when absent/null/unparseable.
func (e *Envelope) RPCID() any {
	if e.IsNotification() {
		return nil
	}
	var id any
	if err := json.Unmarshal(e.ID, &id); err != nil {
		return nil
	}
	return id
}

// WithID re-encodes the message with the id replaced by the given integer.
// All other fields, including unknown ones, are preserved.
func (e *Envelope) WithID(id int64) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	out["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	return json.Marshal(out)
}

// IsBatch reports whether the body is a JSON array (a batch request).
func IsBatch(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// RestoreID rewrites the id of an encoded response back to the caller's
// original value. An absent original id is written as null, keeping the
// response a valid JSON-RPC message.
func RestoreID(response []byte, original json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(response, &fields); err != nil {
		return nil, err
	}
	if len(original) == 0 {
		original = jsonNull
	}
	fields["id"] = original
	return json.Marshal(fields)
}

// NewError synthesizes a JSON-RPC error response carrying the caller's
// original id. Used for scanner blocks, bridge failures, and timeouts.
func NewError(id json.RawMessage, code int, message string) []byte {
	if len(id) == 0 {
		id = jsonNull
	}
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0", ID: id}
	resp.Error.Code = code
	resp.Error.Message = message
	out, _ := json.Marshal(resp)
	return out
}
