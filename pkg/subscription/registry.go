package subscription

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
)

// ErrMaxSubscriptions is returned when a connection is at its subscription cap
var ErrMaxSubscriptions = errors.New("exceeded maximum allowed subscriptions")

// subscriptionIDBytes is the amount of randomness in a subscription id
const subscriptionIDBytes = 16

// Connection is the push side of a client connection
type Connection interface {
	ID() string
	Send(message []byte) error
}

// Limiter is the part of the connection limiter the registry consults
type Limiter interface {
	ValidateSubscriptionLimit(connectionID string) bool
	IncrementSubs(connectionID string, n int)
	DecrementSubs(connectionID string, n int)
	ResetInactivityTTL(connectionID string)
}

// Subscription is one client's registration against an InterestKey
type Subscription struct {
	ID        string
	Conn      Connection
	Key       InterestKey
	Tag       Tag
	StartedAt time.Time
}

// RegistryConfig holds registry configuration
type RegistryConfig struct {
	// SameSubForSameEvent returns the existing id when a connection
	// subscribes twice with the same interest key
	SameSubForSameEvent bool
}

// Notification is the eth_subscription push message
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type notificationParams struct {
	Result       interface{} `json:"result"`
	Subscription string      `json:"subscription"`
}

// Registry maps interest keys to subscriptions and fans poll results out to
// connections.
type Registry struct {
	poller  *Poller
	limiter Limiter
	cache   *NotificationCache
	config  RegistryConfig
	clock   clock.Clock
	logger  *zap.Logger
	metrics *Metrics

	// lifecycleMu orders poller Add/Remove with the map changes that cause them
	lifecycleMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[Tag][]*Subscription
}

// NewRegistry creates a registry. A nil limiter disables the subscription cap.
func NewRegistry(
	poller *Poller,
	limiter Limiter,
	cache *NotificationCache,
	config RegistryConfig,
	clk clock.Clock,
	metrics *Metrics,
	log *zap.Logger,
) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if cache == nil {
		cache = NewNotificationCache(nil, clk)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Registry{
		poller:        poller,
		limiter:       limiter,
		cache:         cache,
		config:        config,
		clock:         clk,
		logger:        logger.WithComponent(logger.OrNop(log), "subscriptions"),
		metrics:       metrics,
		subscriptions: make(map[Tag][]*Subscription),
	}
}

// GenerateID returns a 0x-prefixed random 16 byte hex string
func GenerateID() (string, error) {
	buf := make([]byte, subscriptionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate subscription id: %w", err)
	}
	return hexutil.Encode(buf), nil
}

// Subscribe registers conn for event with filters and returns the subscription id.
// The limiter is consulted before any state changes.
func (r *Registry) Subscribe(conn Connection, event EventKind, filters Filters) (string, error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.limiter != nil && !r.limiter.ValidateSubscriptionLimit(conn.ID()) {
		return "", ErrMaxSubscriptions
	}

	key := NewInterestKey(event, filters)
	tag := key.Tag()

	if r.config.SameSubForSameEvent {
		if existing := r.find(tag, conn.ID()); existing != nil {
			r.logger.Debug("connection already subscribed",
				zap.String("connection_id", conn.ID()),
				zap.String("tag", string(tag)),
				zap.String("subscription_id", existing.ID),
			)
			return existing.ID, nil
		}
	}

	id, err := GenerateID()
	if err != nil {
		return "", err
	}

	sub := &Subscription{
		ID:        id,
		Conn:      conn,
		Key:       key,
		Tag:       tag,
		StartedAt: r.clock.Now(),
	}

	r.mu.Lock()
	r.subscriptions[tag] = append(r.subscriptions[tag], sub)
	r.mu.Unlock()

	r.logger.Info("new subscription",
		zap.String("subscription_id", id),
		zap.String("connection_id", conn.ID()),
		zap.String("tag", string(tag)),
	)

	r.metrics.ActiveSubscriptions.WithLabelValues(string(event)).Inc()
	if r.limiter != nil {
		r.limiter.IncrementSubs(conn.ID(), 1)
	}

	r.poller.Add(key, func(data interface{}) {
		r.Notify(tag, data)
	})

	return id, nil
}

// Unsubscribe removes conn's subscription with subscriptionID, or all of
// conn's subscriptions when subscriptionID is empty. It returns the number removed.
func (r *Registry) Unsubscribe(conn Connection, subscriptionID string) int {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	connID := conn.ID()
	if subscriptionID != "" {
		r.logger.Info("unsubscribing", zap.String("connection_id", connID), zap.String("subscription_id", subscriptionID))
	} else {
		r.logger.Info("unsubscribing all", zap.String("connection_id", connID))
	}

	var (
		removed []*Subscription
		emptied []Tag
	)

	r.mu.Lock()
	for tag, subs := range r.subscriptions {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.Conn.ID() == connID && (subscriptionID == "" || sub.ID == subscriptionID) {
				removed = append(removed, sub)
				continue
			}
			kept = append(kept, sub)
		}
		for i := len(kept); i < len(subs); i++ {
			subs[i] = nil
		}

		if len(kept) == 0 {
			delete(r.subscriptions, tag)
			emptied = append(emptied, tag)
		} else {
			r.subscriptions[tag] = kept
		}
	}
	r.mu.Unlock()

	now := r.clock.Now()
	for _, sub := range removed {
		event := string(sub.Key.Event)
		r.metrics.SubscriptionDuration.WithLabelValues(event).Observe(now.Sub(sub.StartedAt).Seconds())
		r.metrics.ActiveSubscriptions.WithLabelValues(event).Dec()
		r.logger.Debug("subscription removed", zap.String("subscription_id", sub.ID), zap.String("tag", string(sub.Tag)))
	}

	for _, tag := range emptied {
		r.logger.Debug("no subscribers left", zap.String("tag", string(tag)))
		r.poller.Remove(tag)
	}

	if len(removed) > 0 && r.limiter != nil {
		r.limiter.DecrementSubs(connID, len(removed))
	}

	return len(removed)
}

// Notify pushes data to every subscription under tag. Each subscriber gets a
// given payload at most once per cache TTL.
func (r *Registry) Notify(tag Tag, data interface{}) {
	r.mu.Lock()
	subs := make([]*Subscription, len(r.subscriptions[tag]))
	copy(subs, r.subscriptions[tag])
	r.mu.Unlock()

	for _, sub := range subs {
		r.deliver(sub, data)
	}
}

func (r *Registry) deliver(sub *Subscription, data interface{}) {
	log := r.logger.With(
		zap.String("subscription_id", sub.ID),
		zap.String("connection_id", sub.Conn.ID()),
	)

	params, err := json.Marshal(notificationParams{Result: data, Subscription: sub.ID})
	if err != nil {
		log.Error("failed to encode notification", zap.Error(err))
		return
	}

	sum := sha256.Sum256(params)
	hash := hex.EncodeToString(sum[:])
	if !r.cache.AddIfAbsent(hash) {
		r.metrics.NotificationsDeduped.Inc()
		return
	}

	message, err := json.Marshal(Notification{
		JSONRPC: constants.JSONRPCVersion,
		Method:  constants.SubscriptionMethod,
		Params:  params,
	})
	if err != nil {
		r.cache.Delete(hash)
		log.Error("failed to encode notification", zap.Error(err))
		return
	}

	log.Debug("sending notification", zap.String("tag", string(sub.Tag)))
	if err := sub.Conn.Send(message); err != nil {
		r.cache.Delete(hash)
		r.metrics.NotificationSendErrors.Inc()
		log.Warn("failed to send notification", zap.Error(err))
		return
	}

	r.metrics.NotificationsSent.WithLabelValues(string(sub.Key.Event)).Inc()
	if r.limiter != nil {
		r.limiter.ResetInactivityTTL(sub.Conn.ID())
	}
}

// find must be called without mu held
func (r *Registry) find(tag Tag, connID string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subscriptions[tag] {
		if sub.Conn.ID() == connID {
			return sub
		}
	}
	return nil
}

// SubscriptionCount returns the number of subscriptions held by connID
func (r *Registry) SubscriptionCount(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, subs := range r.subscriptions {
		for _, sub := range subs {
			if sub.Conn.ID() == connID {
				count++
			}
		}
	}
	return count
}

// SubscriberCount returns the number of subscriptions under tag
func (r *Registry) SubscriberCount(tag Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscriptions[tag])
}

// TagCount returns the number of interest keys with at least one subscription
func (r *Registry) TagCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscriptions)
}
