package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/0xmhha/wsrelay-go/internal/constants"
)

// Request represents a JSON-RPC 2.0 request.
// ID is kept raw so a missing id can be told apart from a null one.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// HasID reports whether the request carried an id member
func (r *Request) HasID() bool {
	return len(r.ID) > 0
}

// ResponseID returns the id to echo back, null when absent
func (r *Request) ResponseID() json.RawMessage {
	if !r.HasID() {
		return nullID
	}
	return r.ID
}

// Validate checks the envelope of a request
func (r *Request) Validate() *Error {
	if r.JSONRPC != constants.JSONRPCVersion || r.Method == "" || !r.HasID() {
		return ErrInvalidRequest()
	}
	return nil
}

// PositionalParams decodes params as a JSON array. Missing params yield an empty list.
func (r *Request) PositionalParams() ([]json.RawMessage, *Error) {
	trimmed := bytes.TrimSpace(r.Params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var params []json.RawMessage
	if err := json.Unmarshal(trimmed, &params); err != nil {
		return nil, NewError(InvalidParams, "Invalid params", "params must be an array")
	}
	return params, nil
}

var nullID = json.RawMessage("null")

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// MarshalJSON always emits result on success, even when it is null
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullID
	}

	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Error   *Error          `json:"error"`
			ID      json.RawMessage `json:"id"`
		}{r.JSONRPC, r.Error, id})
	}

	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  interface{}     `json:"result"`
		ID      json.RawMessage `json:"id"`
	}{r.JSONRPC, r.Result, id})
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Relay error codes
const (
	IPRateLimitExceeded          = -32605
	MaxSubscriptionsExceeded     = -32608
	BatchRequestsMaxExceeded     = -32203
	WSBatchRequestsDisabled      = -32205
	WSBatchRequestsAmountMaxSize = -32206
)

// NewError creates a new JSON-RPC error
func NewError(code int, message string, data interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewResponse creates a successful JSON-RPC response
func NewResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{
		JSONRPC: constants.JSONRPCVersion,
		Result:  result,
		ID:      id,
	}
}

// NewErrorResponse creates an error JSON-RPC response
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: constants.JSONRPCVersion,
		Error:   err,
		ID:      id,
	}
}
