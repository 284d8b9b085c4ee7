package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{name: "valid", raw: `{"jsonrpc":"2.0","method":"eth_chainId","id":1}`, valid: true},
		{name: "null id", raw: `{"jsonrpc":"2.0","method":"eth_chainId","id":null}`, valid: true},
		{name: "string id", raw: `{"jsonrpc":"2.0","method":"eth_chainId","id":"abc"}`, valid: true},
		{name: "missing id", raw: `{"jsonrpc":"2.0","method":"eth_chainId"}`},
		{name: "wrong version", raw: `{"jsonrpc":"1.0","method":"eth_chainId","id":1}`},
		{name: "missing method", raw: `{"jsonrpc":"2.0","id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &req))
			err := req.Validate()
			if tt.valid {
				assert.Nil(t, err)
			} else {
				require.NotNil(t, err)
				assert.Equal(t, InvalidRequest, err.Code)
			}
		})
	}
}

func TestResponseIDEchoed(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"m","id":"abc"}`), &req))
	assert.Equal(t, `"abc"`, string(req.ResponseID()))

	req = Request{}
	assert.Equal(t, "null", string(req.ResponseID()))
}

func TestPositionalParams(t *testing.T) {
	req := Request{Params: json.RawMessage(`["logs", {"address":"0x1"}]`)}
	params, err := req.PositionalParams()
	require.Nil(t, err)
	assert.Len(t, params, 2)

	req = Request{}
	params, err = req.PositionalParams()
	require.Nil(t, err)
	assert.Empty(t, params)

	req = Request{Params: json.RawMessage(`{"a":1}`)}
	_, err = req.PositionalParams()
	require.NotNil(t, err)
	assert.Equal(t, InvalidParams, err.Code)
}

func TestResponseMarshal(t *testing.T) {
	data, err := json.Marshal(NewResponse(json.RawMessage("1"), nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":null,"id":1}`, string(data))

	data, err = json.Marshal(NewResponse(json.RawMessage("2"), false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","result":false,"id":2}`, string(data))

	data, err = json.Marshal(NewErrorResponse(nil, ErrMaxSubscriptions()))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","error":{"code":-32608,"message":"Exceeded maximum allowed subscriptions"},"id":null}`, string(data))
}

func TestPredefinedErrors(t *testing.T) {
	tests := []struct {
		err     *Error
		code    int
		message string
	}{
		{ErrParse(), -32700, "Unable to parse JSON"},
		{ErrInvalidRequest(), -32600, "Invalid request"},
		{ErrMethodNotFound("foo"), -32601, "Method foo not found"},
		{ErrUnsupportedMethod(), -32601, "Unsupported JSON-RPC method"},
		{ErrInvalidParameter("filters.address", "Only one contract address is allowed"), -32602,
			"Invalid parameter filters.address: Only one contract address is allowed"},
		{ErrInternal("boom"), -32603, "Error invoking RPC: boom"},
		{ErrInternal(""), -32603, "Unknown error invoking RPC"},
		{ErrIPRateLimitExceeded("eth_chainId"), -32605, "IP Rate limit exceeded on eth_chainId"},
		{ErrMaxSubscriptions(), -32608, "Exceeded maximum allowed subscriptions"},
		{ErrBatchRequestsDisabled(), -32205, "WS batch requests are disabled"},
		{ErrBatchRequestsAmountMaxExceeded(25, 20), -32203, "Batch request amount 25 exceeds max 20"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.message, tt.err.Message)
		})
	}
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	wrapped := fmt.Errorf("dispatch: %w", ErrMaxSubscriptions())
	assert.Equal(t, MaxSubscriptionsExceeded, AsError(wrapped).Code)

	assert.Equal(t, InternalError, AsError(errors.New("boom")).Code)
}
