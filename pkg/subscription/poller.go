package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
)

// LogQuery bounds one eth_getLogs call
type LogQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []common.Address
	Topics    [][]common.Hash
}

// Provider is the pull-only upstream the poller queries.
// Calls must be idempotent reads.
type Provider interface {
	// BlockNumber returns the current chain head
	BlockNumber(ctx context.Context) (uint64, error)

	// GetLogs returns logs matching q in chain order
	GetLogs(ctx context.Context, q LogQuery) ([]types.Log, error)

	// GetBlockByNumber returns the block as a JSON object; nil number means latest
	GetBlockByNumber(ctx context.Context, number *uint64, includeTransactions bool) (map[string]interface{}, error)
}

// Callback receives every item a poll discovers
type Callback func(data interface{})

// PollerConfig holds poller configuration
type PollerConfig struct {
	Interval        time.Duration
	NewHeadsEnabled bool
	// QueryTimeout bounds each upstream call; 0 means no per-call timeout
	QueryTimeout time.Duration
}

// DefaultPollerConfig returns the default poller configuration
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval:        constants.DefaultPollingInterval,
		NewHeadsEnabled: true,
		QueryTimeout:    constants.DefaultQueryTimeout,
	}
}

type poll struct {
	key      InterestKey
	tag      Tag
	callback Callback

	// cursor is the head of the last successful query; only Tick touches it
	cursor *uint64
	// removed is guarded by Poller.mu
	removed bool
}

type pollLoop struct {
	ticker *clock.Ticker
	cancel context.CancelFunc
}

// Poller turns a pull-only provider into a stream of events.
// It runs one ticker while at least one poll is registered and none otherwise.
type Poller struct {
	provider Provider
	config   *PollerConfig
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics

	mu    sync.Mutex
	polls map[Tag]*poll
	loop  *pollLoop

	// tickMu keeps ticks from overlapping when Tick is also called directly
	tickMu sync.Mutex
	wg     sync.WaitGroup
}

// NewPoller creates an idle poller
func NewPoller(provider Provider, config *PollerConfig, clk clock.Clock, metrics *Metrics, log *zap.Logger) *Poller {
	if config == nil {
		config = DefaultPollerConfig()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Poller{
		provider: provider,
		config:   config,
		clock:    clk,
		logger:   logger.WithComponent(logger.OrNop(log), "poller"),
		metrics:  metrics,
		polls:    make(map[Tag]*poll),
	}
}

// Add registers a poll for key unless one exists and starts polling if idle
func (p *Poller) Add(key InterestKey, callback Callback) {
	tag := key.Tag()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.polls[tag]; !exists {
		p.polls[tag] = &poll{key: key, tag: tag, callback: callback}
		p.metrics.ActivePolls.Inc()
		p.logger.Info("poll added", zap.String("tag", string(tag)))
	}

	if p.loop == nil {
		p.start()
	}
}

// Remove deletes the poll for tag and goes idle when no polls remain
func (p *Poller) Remove(tag Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.polls[tag]; exists {
		existing.removed = true
		delete(p.polls, tag)
		p.metrics.ActivePolls.Dec()
		p.logger.Info("poll removed", zap.String("tag", string(tag)))
	}

	if len(p.polls) == 0 && p.loop != nil {
		p.logger.Info("no active polls, stopping")
		p.stop()
	}
}

// HasPoll reports whether a poll is registered for tag
func (p *Poller) HasPoll(tag Tag) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.polls[tag]
	return exists
}

// PollCount returns the number of registered polls
func (p *Poller) PollCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.polls)
}

// IsPolling reports whether the ticker is running
func (p *Poller) IsPolling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop != nil
}

// Close stops the ticker and waits for the polling goroutine to exit.
// Registered polls are dropped.
func (p *Poller) Close() {
	p.mu.Lock()
	for tag, existing := range p.polls {
		existing.removed = true
		delete(p.polls, tag)
		p.metrics.ActivePolls.Dec()
	}
	if p.loop != nil {
		p.stop()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// start must be called with mu held
func (p *Poller) start() {
	p.logger.Info("starting polling", zap.Duration("interval", p.config.Interval))

	ctx, cancel := context.WithCancel(context.Background())
	loop := &pollLoop{ticker: p.clock.NewTicker(p.config.Interval), cancel: cancel}
	p.loop = loop

	p.wg.Add(1)
	go p.run(ctx, loop.ticker)
}

// stop must be called with mu held; it does not wait for an in-flight tick
func (p *Poller) stop() {
	p.loop.ticker.Stop()
	p.loop.cancel()
	p.loop = nil
}

func (p *Poller) run(ctx context.Context, ticker *clock.Ticker) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick resolves the chain head once and then processes every registered poll.
// A failing poll is logged and does not affect the others.
func (p *Poller) Tick(ctx context.Context) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	start := time.Now()
	defer func() {
		p.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	polls := p.snapshot()
	if len(polls) == 0 {
		return
	}

	queryCtx, cancel := p.queryContext(ctx)
	head, err := p.provider.BlockNumber(queryCtx)
	cancel()
	if err != nil {
		p.logger.Warn("failed to resolve chain head", zap.Error(err))
		return
	}

	for _, current := range polls {
		if ctx.Err() != nil {
			return
		}
		p.processPoll(ctx, current, head)
	}
}

func (p *Poller) snapshot() []*poll {
	p.mu.Lock()
	defer p.mu.Unlock()

	polls := make([]*poll, 0, len(p.polls))
	for _, existing := range p.polls {
		polls = append(polls, existing)
	}
	return polls
}

func (p *Poller) processPoll(ctx context.Context, current *poll, head uint64) {
	log := p.logger.With(zap.String("tag", string(current.tag)))

	defer func() {
		if r := recover(); r != nil {
			p.metrics.PollErrorsTotal.WithLabelValues(string(current.key.Event)).Inc()
			log.Error("poll panicked", zap.Any("panic", r))
		}
	}()

	log.Debug("fetching data")

	items, err := p.fetch(ctx, current, head)
	if err != nil {
		p.metrics.PollErrorsTotal.WithLabelValues(string(current.key.Event)).Inc()
		log.Error("poll failed", zap.Error(err))
		return
	}
	if len(items) > 0 {
		log.Debug("received results", zap.Int("count", len(items)))
	}

	for _, item := range items {
		if p.isRemoved(current) {
			return
		}
		current.callback(item)
	}
}

func (p *Poller) fetch(ctx context.Context, current *poll, head uint64) ([]interface{}, error) {
	queryCtx, cancel := p.queryContext(ctx)
	defer cancel()

	switch current.key.Event {
	case EventLogs:
		from := head
		if current.cursor != nil {
			from = *current.cursor
		}

		logs, err := p.provider.GetLogs(queryCtx, LogQuery{
			FromBlock: from,
			ToBlock:   head,
			Addresses: current.key.Filters.Address,
			Topics:    current.key.Filters.Topics,
		})
		if err != nil {
			return nil, fmt.Errorf("get logs [%d, %d]: %w", from, head, err)
		}

		cursor := head
		current.cursor = &cursor

		items := make([]interface{}, len(logs))
		for i := range logs {
			items[i] = logs[i]
		}
		return items, nil

	case EventNewHeads:
		if !p.config.NewHeadsEnabled {
			p.logger.Debug("newHeads disabled, skipping poll", zap.String("tag", string(current.tag)))
			return nil, nil
		}

		block, err := p.provider.GetBlockByNumber(queryCtx, nil, current.key.Filters.IncludeTransactions)
		if err != nil {
			return nil, fmt.Errorf("get latest block: %w", err)
		}
		if block == nil {
			return nil, nil
		}
		block["jsonrpc"] = constants.JSONRPCVersion
		return []interface{}{block}, nil

	default:
		p.logger.Error("polling for unsupported event", zap.String("tag", string(current.tag)))
		return nil, nil
	}
}

func (p *Poller) isRemoved(current *poll) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return current.removed
}

func (p *Poller) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.QueryTimeout > 0 {
		return context.WithTimeout(ctx, p.config.QueryTimeout)
	}
	return context.WithCancel(ctx)
}
