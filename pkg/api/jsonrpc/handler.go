package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

const (
	MethodSubscribe   = "eth_subscribe"
	MethodUnsubscribe = "eth_unsubscribe"
)

// forwardedMethods are passed through to the upstream node unchanged
var forwardedMethods = map[string]bool{
	"eth_accounts":                            true,
	"eth_blockNumber":                         true,
	"eth_call":                                true,
	"eth_chainId":                             true,
	"eth_estimateGas":                         true,
	"eth_feeHistory":                          true,
	"eth_gasPrice":                            true,
	"eth_getBalance":                          true,
	"eth_getBlockByHash":                      true,
	"eth_getBlockByNumber":                    true,
	"eth_getBlockReceipts":                    true,
	"eth_getBlockTransactionCountByHash":      true,
	"eth_getBlockTransactionCountByNumber":    true,
	"eth_getCode":                             true,
	"eth_getLogs":                             true,
	"eth_getStorageAt":                        true,
	"eth_getTransactionByBlockHashAndIndex":   true,
	"eth_getTransactionByBlockNumberAndIndex": true,
	"eth_getTransactionByHash":                true,
	"eth_getTransactionCount":                 true,
	"eth_getTransactionReceipt":               true,
	"eth_maxPriorityFeePerGas":                true,
	"eth_mining":                              true,
	"eth_sendRawTransaction":                  true,
	"eth_syncing":                             true,
	"net_listening":                           true,
	"net_peerCount":                           true,
	"net_version":                             true,
	"web3_clientVersion":                      true,
	"web3_sha3":                               true,
}

// Session is the client connection a request arrived on
type Session interface {
	subscription.Connection
	RemoteIP() string
}

// Subscriptions is the registry surface used by eth_subscribe and eth_unsubscribe
type Subscriptions interface {
	Subscribe(conn subscription.Connection, event subscription.EventKind, filters subscription.Filters) (string, error)
	Unsubscribe(conn subscription.Connection, subscriptionID string) int
}

// Limits is the limiter surface consulted before dispatch
type Limits interface {
	ValidateSubscriptionLimit(connectionID string) bool
	ShouldRateLimitOnMethod(ip, method string) bool
}

// Upstream is the node requests are forwarded to
type Upstream interface {
	Call(ctx context.Context, result interface{}, method string, args ...interface{}) error
	HasCode(ctx context.Context, address common.Address) (bool, error)
}

// HandlerConfig holds dispatch configuration
type HandlerConfig struct {
	NewHeadsEnabled          bool
	MultipleAddressesEnabled bool
	// ValidateContracts rejects logs subscriptions for addresses without code
	ValidateContracts bool
	CallTimeout       time.Duration
}

// DefaultHandlerConfig returns the default dispatch configuration
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		NewHeadsEnabled:   true,
		ValidateContracts: true,
		CallTimeout:       constants.DefaultQueryTimeout,
	}
}

// Handler handles JSON-RPC method calls arriving on a session
type Handler struct {
	subs     Subscriptions
	limits   Limits
	upstream Upstream
	config   *HandlerConfig
	metrics  *Metrics
	logger   *zap.Logger
}

// NewHandler creates a handler. A nil upstream limits the handler to
// subscription methods; a nil limits disables the cap and rate checks.
func NewHandler(subs Subscriptions, limits Limits, upstream Upstream, config *HandlerConfig, metrics *Metrics, log *zap.Logger) *Handler {
	if config == nil {
		config = DefaultHandlerConfig()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Handler{
		subs:     subs,
		limits:   limits,
		upstream: upstream,
		config:   config,
		metrics:  metrics,
		logger:   logger.WithComponent(logger.OrNop(log), "jsonrpc"),
	}
}

// IsSupported reports whether method can be served
func (h *Handler) IsSupported(method string) bool {
	switch method {
	case MethodSubscribe, MethodUnsubscribe:
		return true
	}
	return h.upstream != nil && forwardedMethods[method]
}

// unsupportedLabel replaces unknown method names in metric labels
const unsupportedLabel = "unsupported"

// MetricLabel returns method if it is served, otherwise a fixed label
func (h *Handler) MetricLabel(method string) string {
	if method == BatchMethod || h.IsSupported(method) {
		return method
	}
	return unsupportedLabel
}

// HandleRequest validates, rate limits and dispatches a single request
func (h *Handler) HandleRequest(ctx context.Context, sess Session, req *Request) *Response {
	ip := sess.RemoteIP()
	label := h.MetricLabel(req.Method)
	h.metrics.MethodCalls.WithLabelValues(label).Inc()
	h.metrics.MethodCallsByIP.WithLabelValues(ip, label).Inc()

	if rpcErr := req.Validate(); rpcErr != nil {
		return NewErrorResponse(req.ResponseID(), rpcErr)
	}

	if !h.IsSupported(req.Method) {
		logger.FromContextOr(ctx, h.logger).Debug("method not supported",
			zap.String("connection_id", sess.ID()),
			zap.String("method", req.Method),
		)
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}

	if h.limits != nil && h.limits.ShouldRateLimitOnMethod(ip, req.Method) {
		return NewErrorResponse(nil, ErrIPRateLimitExceeded(req.Method))
	}

	if req.Method == MethodSubscribe && h.limits != nil && !h.limits.ValidateSubscriptionLimit(sess.ID()) {
		return NewErrorResponse(req.ID, ErrMaxSubscriptions())
	}

	result, rpcErr := h.HandleMethod(ctx, sess, req.Method, req.Params)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewResponse(req.ID, result)
}

// HandleMethod dispatches an already validated call
func (h *Handler) HandleMethod(ctx context.Context, sess Session, method string, params json.RawMessage) (interface{}, *Error) {
	switch method {
	case MethodSubscribe:
		return h.ethSubscribe(ctx, sess, params)
	case MethodUnsubscribe:
		return h.ethUnsubscribe(sess, params)
	default:
		return h.forward(ctx, method, params)
	}
}

func (h *Handler) ethSubscribe(ctx context.Context, sess Session, params json.RawMessage) (interface{}, *Error) {
	args, rpcErr := positional(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) == 0 {
		return nil, ErrInvalidParameter(0, "event name is required")
	}

	var event string
	if err := json.Unmarshal(args[0], &event); err != nil {
		return nil, ErrInvalidParameter(0, "event name must be a string")
	}
	var rawFilters json.RawMessage
	if len(args) > 1 {
		rawFilters = args[1]
	}

	var (
		kind    = subscription.EventKind(event)
		filters subscription.Filters
		err     error
	)
	switch kind {
	case subscription.EventLogs:
		filters, err = subscription.ParseLogFilters(rawFilters, h.config.MultipleAddressesEnabled)
		if err != nil {
			return nil, filterErrorToRPC(err)
		}
		if rpcErr := h.validateContracts(ctx, filters.Address); rpcErr != nil {
			return nil, rpcErr
		}
	case subscription.EventNewHeads:
		if !h.config.NewHeadsEnabled {
			return nil, ErrUnsupportedMethod()
		}
		filters, err = subscription.ParseNewHeadsFilters(rawFilters)
		if err != nil {
			return nil, filterErrorToRPC(err)
		}
	default:
		return nil, ErrUnsupportedMethod()
	}

	id, err := h.subs.Subscribe(sess, kind, filters)
	if err != nil {
		if errors.Is(err, subscription.ErrMaxSubscriptions) {
			return nil, ErrMaxSubscriptions()
		}
		logger.FromContextOr(ctx, h.logger).Error("subscribe failed", zap.String("connection_id", sess.ID()), zap.Error(err))
		return nil, ErrInternal(err.Error())
	}
	return id, nil
}

func (h *Handler) ethUnsubscribe(sess Session, params json.RawMessage) (interface{}, *Error) {
	args, rpcErr := positional(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if len(args) == 0 {
		return nil, ErrInvalidParameter(0, "subscription id is required")
	}

	var id string
	if err := json.Unmarshal(args[0], &id); err != nil || id == "" {
		return nil, ErrInvalidParameter(0, "subscription id must be a non-empty string")
	}

	return h.subs.Unsubscribe(sess, id) != 0, nil
}

func (h *Handler) validateContracts(ctx context.Context, addresses []common.Address) *Error {
	if !h.config.ValidateContracts || h.upstream == nil {
		return nil
	}

	for _, address := range addresses {
		callCtx, cancel := h.callContext(ctx)
		hasCode, err := h.upstream.HasCode(callCtx, address)
		cancel()
		if err != nil {
			h.logger.Warn("contract lookup failed", zap.String("address", address.Hex()), zap.Error(err))
			return ErrInternal(err.Error())
		}
		if !hasCode {
			return ErrInvalidParameter("filters.address",
				fmt.Sprintf("%s is not a valid contract or does not exist", address.Hex()))
		}
	}
	return nil
}

func (h *Handler) forward(ctx context.Context, method string, params json.RawMessage) (interface{}, *Error) {
	args, rpcErr := positional(params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	callArgs := make([]interface{}, len(args))
	for i, arg := range args {
		callArgs[i] = arg
	}

	callCtx, cancel := h.callContext(ctx)
	defer cancel()

	start := time.Now()
	var result json.RawMessage
	err := h.upstream.Call(callCtx, &result, method, callArgs...)
	h.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())

	if err != nil {
		h.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		h.logger.Debug("upstream call failed", zap.String("method", method), zap.Error(err))
		return nil, upstreamError(err)
	}
	return result, nil
}

func (h *Handler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.config.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.config.CallTimeout)
}

func positional(params json.RawMessage) ([]json.RawMessage, *Error) {
	req := Request{Params: params}
	return req.PositionalParams()
}

func filterErrorToRPC(err error) *Error {
	var filterErr *subscription.FilterError
	if errors.As(err, &filterErr) {
		return ErrInvalidParameter(filterErr.Param, filterErr.Reason)
	}
	return ErrInvalidParameter(1, err.Error())
}

// upstreamError keeps the node's own code and data when it returned a JSON-RPC error
func upstreamError(err error) *Error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := NewError(rpcErr.ErrorCode(), rpcErr.Error(), nil)
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			out.Data = dataErr.ErrorData()
		}
		return out
	}
	return ErrInternal(err.Error())
}
