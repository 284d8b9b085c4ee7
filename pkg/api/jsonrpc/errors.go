package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrParse is returned for frames that are not valid JSON
func ErrParse() *Error {
	return NewError(ParseError, "Unable to parse JSON", nil)
}

// ErrInvalidRequest is returned for malformed request envelopes
func ErrInvalidRequest() *Error {
	return NewError(InvalidRequest, "Invalid request", nil)
}

// ErrMethodNotFound is returned for methods the relay does not know
func ErrMethodNotFound(method string) *Error {
	return NewError(MethodNotFound, fmt.Sprintf("Method %s not found", method), nil)
}

// ErrUnsupportedMethod is returned for known but disabled methods and events
func ErrUnsupportedMethod() *Error {
	return NewError(MethodNotFound, "Unsupported JSON-RPC method", nil)
}

// ErrInvalidParameter reports a bad positional or named parameter
func ErrInvalidParameter(index interface{}, message string) *Error {
	return NewError(InvalidParams, fmt.Sprintf("Invalid parameter %v: %s", index, message), nil)
}

// ErrInternal wraps an upstream or unexpected failure
func ErrInternal(message string) *Error {
	if message == "" {
		return NewError(InternalError, "Unknown error invoking RPC", nil)
	}
	return NewError(InternalError, "Error invoking RPC: "+message, nil)
}

// ErrIPRateLimitExceeded is returned when an address exceeds its method rate
func ErrIPRateLimitExceeded(method string) *Error {
	return NewError(IPRateLimitExceeded, fmt.Sprintf("IP Rate limit exceeded on %s", method), nil)
}

// ErrMaxSubscriptions is returned when a connection is at its subscription cap
func ErrMaxSubscriptions() *Error {
	return NewError(MaxSubscriptionsExceeded, "Exceeded maximum allowed subscriptions", nil)
}

// ErrBatchRequestsDisabled is returned for batches when they are turned off
func ErrBatchRequestsDisabled() *Error {
	return NewError(WSBatchRequestsDisabled, "WS batch requests are disabled", nil)
}

// ErrBatchRequestsAmountMaxExceeded is returned for batches over the size cap
func ErrBatchRequestsAmountMaxExceeded(amount, max int) *Error {
	return NewError(BatchRequestsMaxExceeded, fmt.Sprintf("Batch request amount %d exceeds max %d", amount, max), nil)
}

// AsError converts err to a JSON-RPC error, wrapping unknown errors as internal
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return ErrInternal(err.Error())
}
