package client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

// ErrNilConfig is returned by NewClient when no configuration is given
var ErrNilConfig = errors.New("config cannot be nil")

// Client wraps the upstream node's JSON-RPC endpoint
type Client struct {
	ethClient *ethclient.Client
	rpcClient *rpc.Client
	endpoint  string
	logger    *zap.Logger
}

var _ subscription.Provider = (*Client)(nil)

// Config holds client configuration
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// NewClient dials the upstream node and verifies the connection
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}

	client := NewFromRPC(rpcClient, cfg.Logger)
	client.endpoint = cfg.Endpoint

	if err := client.Ping(ctx); err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to ping RPC endpoint: %w", err)
	}

	client.logger.Info("connected to upstream RPC", zap.String("endpoint", cfg.Endpoint))

	return client, nil
}

// NewFromRPC wraps an already connected rpc.Client
func NewFromRPC(rpcClient *rpc.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		ethClient: ethclient.NewClient(rpcClient),
		rpcClient: rpcClient,
		logger:    logger,
	}
}

// Ping verifies the connection to the RPC endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ethClient.ChainID(ctx)
	return err
}

// Close closes the client connection
func (c *Client) Close() {
	if c.ethClient != nil {
		c.ethClient.Close()
	}
}

// Endpoint returns the URL the client was dialed with
func (c *Client) Endpoint() string {
	return c.endpoint
}

// BlockNumber returns the latest block number
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	blockNumber, err := c.ethClient.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return blockNumber, nil
}

// GetLogs returns the logs matching q
func (c *Client) GetLogs(ctx context.Context, q subscription.LogQuery) ([]types.Log, error) {
	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
		Addresses: q.Addresses,
		Topics:    q.Topics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get logs [%d, %d]: %w", q.FromBlock, q.ToBlock, err)
	}
	return logs, nil
}

// GetBlockByNumber fetches a block as the node's raw JSON object.
// A nil number fetches the latest block; a missing block yields nil.
func (c *Client) GetBlockByNumber(ctx context.Context, number *uint64, includeTransactions bool) (map[string]interface{}, error) {
	tag := "latest"
	if number != nil {
		tag = hexutil.EncodeUint64(*number)
	}

	var block map[string]interface{}
	if err := c.rpcClient.CallContext(ctx, &block, "eth_getBlockByNumber", tag, includeTransactions); err != nil {
		return nil, fmt.Errorf("failed to get block %s: %w", tag, err)
	}
	return block, nil
}

// ChainID returns the chain ID
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	chainID, err := c.ethClient.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return chainID, nil
}

// HasCode reports whether address holds contract code at the latest block
func (c *Client) HasCode(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.ethClient.CodeAt(ctx, address, nil)
	if err != nil {
		return false, fmt.Errorf("failed to get code for %s: %w", address.Hex(), err)
	}
	return len(code) > 0, nil
}

// Call forwards a raw JSON-RPC call. Node errors are returned unwrapped so
// their code and data survive.
func (c *Client) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.rpcClient.CallContext(ctx, result, method, args...)
}
