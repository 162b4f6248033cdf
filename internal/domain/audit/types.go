// Package audit defines the proxy's audit record and the policy applied to
// captured request and response bodies before a record is persisted.
package audit

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

// Record is one audit entry, serialized as a single JSON line.
// Exactly one record is written per completed request.
type Record struct {
	// Timestamp is the completion time in UTC.
	Timestamp time.Time `json:"timestamp"`
	// User is a correlation tag derived from the client's Bearer token
	// prefix, or "anonymous".
	User string `json:"user"`
	// SourceIP is the transport peer address. Forwarding headers are
	// deliberately ignored: no trusted reverse proxy is assumed.
	SourceIP string `json:"source_ip"`
	// Destination is the destination name from the URL path.
	Destination string `json:"destination"`
	// MCPMethod is the JSON-RPC method, or null when unavailable.
	MCPMethod any `json:"mcp_method"`
	// RPCID is the client-supplied JSON-RPC id, or null.
	RPCID any `json:"rpc_id"`
	// StatusCode is the HTTP status returned to the client.
	StatusCode int `json:"status_code"`
	// LatencyMS is the request duration in milliseconds.
	LatencyMS float64 `json:"latency_ms"`

	// Error carries an operator-useful failure description. Never exposed
	// to clients.
	Error string `json:"error,omitempty"`

	// RequestBody and ResponseBody follow the body policy: omitted when
	// capture is off or the body exceeds the cap, JSON null when the body
	// cannot be decoded, a JSON string otherwise.
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	// Truncated marks that at least one body exceeded the cap and was
	// dropped from the record.
	Truncated bool `json:"truncated,omitempty"`
	// DecodeError marks that at least one body was not valid UTF-8.
	DecodeError bool `json:"decode_error,omitempty"`

	// StderrLine carries one subprocess stderr line (bridge records only).
	StderrLine string `json:"stderr_line,omitempty"`

	// Detection fields are set by the scanner hook on monitor/redact/block.
	DetectionAction string `json:"detection_action,omitempty"`
	DetectionEngine string `json:"detection_engine,omitempty"`
	DetectionDetail string `json:"detection_detail,omitempty"`
}

// Store persists audit records. Write failures must never affect request
// handling, so Log has no error return; implementations downgrade failures
// to a logged warning.
type Store interface {
	Log(rec Record)
	Close() error
}

// jsonNull is the explicit null written for undecodable bodies.
var jsonNull = json.RawMessage("null")

// BodyPolicy controls how raw bodies are captured into a Record.
type BodyPolicy struct {
	// CaptureBodies gates body capture globally (AUDIT_LOG_BODIES).
	CaptureBodies bool
	// MaxBodyBytes is the per-body size cap (MAX_BODY_BYTES).
	MaxBodyBytes int
}

// Apply captures requestBody and responseBody into rec per the policy.
// A nil body means the request had none and leaves the field omitted.
func (p BodyPolicy) Apply(rec *Record, requestBody, responseBody []byte) {
	if !p.CaptureBodies {
		return
	}
	rec.RequestBody = p.capture(rec, requestBody, true)
	rec.ResponseBody = p.capture(rec, responseBody, false)
}

func (p BodyPolicy) capture(rec *Record, body []byte, isRequest bool) json.RawMessage {
	if body == nil {
		return nil
	}
	if len(body) > p.MaxBodyBytes {
		rec.Truncated = true
		return nil
	}
	if !utf8.Valid(body) {
		rec.DecodeError = true
		return jsonNull
	}
	if isRequest && !json.Valid(body) {
		return jsonNull
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		rec.DecodeError = true
		return jsonNull
	}
	return quoted
}
