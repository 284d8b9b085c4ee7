package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

// ---- Mock JSON-RPC Server Infrastructure ----

type jrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type jrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jrpcError      `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type jrpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type methodHandler func(params json.RawMessage) (json.RawMessage, *jrpcError)

// paramRecorder keeps the params of every call per method
type paramRecorder struct {
	mu    sync.Mutex
	calls map[string][]json.RawMessage
}

func (r *paramRecorder) record(method string, params json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[method] = append(r.calls[method], params)
}

func (r *paramRecorder) last(method string) json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := r.calls[method]
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func newMockRPCServer(t *testing.T, handlers map[string]methodHandler, rec *paramRecorder) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		w.Header().Set("Content-Type", "application/json")

		if strings.HasPrefix(strings.TrimSpace(string(body)), "[") {
			http.Error(w, "batches not expected", http.StatusBadRequest)
			return
		}

		var req jrpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if rec != nil {
			rec.record(req.Method, req.Params)
		}
		_ = json.NewEncoder(w).Encode(dispatchRequest(req, handlers))
	}))
	t.Cleanup(server.Close)
	return server
}

func dispatchRequest(req jrpcRequest, handlers map[string]methodHandler) jrpcResponse {
	resp := jrpcResponse{JSONRPC: "2.0", ID: req.ID}
	handler, ok := handlers[req.Method]
	if !ok {
		resp.Error = &jrpcError{Code: -32601, Message: "method not found: " + req.Method}
		return resp
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func newTestClient(t *testing.T, handlers map[string]methodHandler) (*Client, *paramRecorder) {
	t.Helper()
	rec := &paramRecorder{calls: make(map[string][]json.RawMessage)}
	server := newMockRPCServer(t, handlers, rec)
	rpcClient, err := rpc.DialContext(context.Background(), server.URL)
	require.NoError(t, err)
	t.Cleanup(rpcClient.Close)

	return NewFromRPC(rpcClient, nil), rec
}

func static(result string) methodHandler {
	return func(_ json.RawMessage) (json.RawMessage, *jrpcError) {
		return json.RawMessage(result), nil
	}
}

func rpcErrorHandler(code int, msg string, data interface{}) methodHandler {
	return func(_ json.RawMessage) (json.RawMessage, *jrpcError) {
		return nil, &jrpcError{Code: code, Message: msg, Data: data}
	}
}

const logJSON = `{
	"address":"0x00000000000000000000000000000000000004e2",
	"topics":["0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"],
	"data":"0x01",
	"blockNumber":"0x7",
	"transactionHash":"0x1111111111111111111111111111111111111111111111111111111111111111",
	"transactionIndex":"0x0",
	"blockHash":"0x2222222222222222222222222222222222222222222222222222222222222222",
	"logIndex":"0x3",
	"removed":false
}`

// ---- Tests ----

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilConfig)

	_, err = NewClient(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestNewClientPings(t *testing.T) {
	server := newMockRPCServer(t, map[string]methodHandler{"eth_chainId": static(`"0x12a"`)}, nil)

	c, err := NewClient(context.Background(), &Config{Endpoint: server.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, server.URL, c.Endpoint())

	failing := newMockRPCServer(t, map[string]methodHandler{"eth_chainId": rpcErrorHandler(-32000, "unavailable", nil)}, nil)
	_, err = NewClient(context.Background(), &Config{Endpoint: failing.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping RPC endpoint")
}

func TestBlockNumber(t *testing.T) {
	c, _ := newTestClient(t, map[string]methodHandler{"eth_blockNumber": static(`"0x2a"`)})

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)

	c, _ = newTestClient(t, map[string]methodHandler{"eth_blockNumber": rpcErrorHandler(-32000, "down", nil)})
	_, err = c.BlockNumber(context.Background())
	assert.Error(t, err)
}

func TestGetLogs(t *testing.T) {
	c, rec := newTestClient(t, map[string]methodHandler{"eth_getLogs": static(`[` + logJSON + `]`)})

	address := common.HexToAddress("0x00000000000000000000000000000000000004E2")
	topic := common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

	logs, err := c.GetLogs(context.Background(), subscription.LogQuery{
		FromBlock: 5,
		ToBlock:   9,
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, address, logs[0].Address)
	assert.Equal(t, uint64(7), logs[0].BlockNumber)
	assert.Equal(t, uint(3), logs[0].Index)

	var params []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.last("eth_getLogs"), &params))
	require.Len(t, params, 1)
	assert.Equal(t, "0x5", params[0]["fromBlock"])
	assert.Equal(t, "0x9", params[0]["toBlock"])
}

func TestGetBlockByNumber(t *testing.T) {
	c, rec := newTestClient(t, map[string]methodHandler{
		"eth_getBlockByNumber": static(`{"number":"0x10","hash":"0xabc","transactions":[]}`),
	})

	block, err := c.GetBlockByNumber(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, "0x10", block["number"])
	assert.JSONEq(t, `["latest", false]`, string(rec.last("eth_getBlockByNumber")))

	number := uint64(255)
	_, err = c.GetBlockByNumber(context.Background(), &number, true)
	require.NoError(t, err)
	assert.JSONEq(t, `["0xff", true]`, string(rec.last("eth_getBlockByNumber")))
}

func TestGetBlockByNumberMissing(t *testing.T) {
	c, _ := newTestClient(t, map[string]methodHandler{"eth_getBlockByNumber": static(`null`)})

	block, err := c.GetBlockByNumber(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestChainIDAndHasCode(t *testing.T) {
	c, _ := newTestClient(t, map[string]methodHandler{
		"eth_chainId": static(`"0x12a"`),
		"eth_getCode": func(params json.RawMessage) (json.RawMessage, *jrpcError) {
			if strings.Contains(string(params), "4e2") {
				return json.RawMessage(`"0x6080"`), nil
			}
			return json.RawMessage(`"0x"`), nil
		},
	})

	chainID, err := c.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(298), chainID.Int64())

	hasCode, err := c.HasCode(context.Background(), common.HexToAddress("0x00000000000000000000000000000000000004E2"))
	require.NoError(t, err)
	assert.True(t, hasCode)

	hasCode, err = c.HasCode(context.Background(), common.HexToAddress("0x0000000000000000000000000000000000000001"))
	require.NoError(t, err)
	assert.False(t, hasCode)
}

func TestCallKeepsNodeErrors(t *testing.T) {
	c, rec := newTestClient(t, map[string]methodHandler{
		"eth_gasPrice": static(`"0x3b9aca00"`),
		"eth_call":     rpcErrorHandler(3, "execution reverted", "0x08c379a0"),
	})

	var price string
	require.NoError(t, c.Call(context.Background(), &price, "eth_gasPrice"))
	assert.Equal(t, "0x3b9aca00", price)

	var result json.RawMessage
	err := c.Call(context.Background(), &result, "eth_call", json.RawMessage(`{"to":"0x01"}`), "latest")
	require.Error(t, err)

	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 3, rpcErr.ErrorCode())

	var dataErr rpc.DataError
	require.True(t, errors.As(err, &dataErr))
	assert.Equal(t, "0x08c379a0", dataErr.ErrorData())

	assert.JSONEq(t, `[{"to":"0x01"},"latest"]`, string(rec.last("eth_call")))
}
