package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/clock"
	"github.com/0xmhha/wsrelay-go/internal/logger"
	"github.com/0xmhha/wsrelay-go/pkg/api/jsonrpc"
	"github.com/0xmhha/wsrelay-go/pkg/api/middleware"
	"github.com/0xmhha/wsrelay-go/pkg/limiter"
	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

// Limiter is the connection limiter surface the server drives
type Limiter interface {
	IncrementCounters(conn limiter.Conn)
	DecrementCounters(conn limiter.Conn)
	ApplyLimits(conn limiter.Conn) bool
	ResetInactivityTTL(connectionID string)
}

// Subscriptions releases a closed connection's subscriptions
type Subscriptions interface {
	Unsubscribe(conn subscription.Connection, subscriptionID string) int
}

// Config holds WebSocket server configuration
type Config struct {
	Client *ClientConfig
	// Janitor runs every JanitorInterval, e.g. to drop idle rate limiter entries
	Janitor         func()
	JanitorInterval time.Duration
	// IPResolver keys admission by client address; nil uses the peer address
	IPResolver *middleware.IPResolver
}

// Server accepts WebSocket connections and serves JSON-RPC over them
type Server struct {
	rpc      *jsonrpc.Server
	limiter  Limiter
	subs     Subscriptions
	hub      *Hub
	upgrader websocket.Upgrader
	config   *Config
	metrics  *Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a WebSocket server and starts its hub
func NewServer(rpc *jsonrpc.Server, lim Limiter, subs Subscriptions, config *Config, metrics *Metrics, log *zap.Logger) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Client == nil {
		config.Client = DefaultClientConfig()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	log = logger.WithComponent(logger.OrNop(log), "websocket")

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		rpc:     rpc,
		limiter: lim,
		subs:    subs,
		hub:     NewHub(config.Janitor, config.JanitorInterval, clock.Real(), log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		config:  config,
		metrics: metrics,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go s.hub.Run()
	return s
}

// Hub returns the underlying hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// ServeHTTP handles WebSocket upgrade requests
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	id, err := subscription.GenerateID()
	if err != nil {
		s.logger.Error("failed to generate connection id", zap.Error(err))
		_ = conn.Close()
		return
	}
	requestID := uuid.NewString()
	ip := s.config.IPResolver.ClientIP(r)
	log := logger.WithConnection(s.logger, id, requestID).With(zap.String("ip", ip))

	client := newClient(conn, id, requestID, ip, s.config.Client, log)
	s.metrics.OpenedConnections.Inc()

	go client.writePump()

	s.wg.Add(1)
	if !s.hub.Register(client) {
		_ = client.Close(websocket.CloseGoingAway, "server shutting down")
		s.metrics.ClosedConnections.Inc()
		s.wg.Done()
		return
	}

	s.limiter.IncrementCounters(client)
	admitted := s.limiter.ApplyLimits(client)
	if admitted {
		log.Info("new connection established")
	}

	go s.serve(client, admitted, log)
}

func (s *Server) serve(client *Client, admitted bool, log *zap.Logger) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(logger.WithLogger(s.ctx, log))
	defer cancel()

	if admitted {
		client.readPump(func(message []byte) {
			s.handleMessage(ctx, client, message)
		})
	} else {
		<-client.Closed()
	}

	s.release(client, log)
}

// release runs once per connection after it stops reading
func (s *Server) release(client *Client, log *zap.Logger) {
	if removed := s.subs.Unsubscribe(client, ""); removed > 0 {
		log.Debug("released subscriptions of closed connection", zap.Int("count", removed))
	}
	s.limiter.DecrementCounters(client)
	s.hub.Unregister(client)

	duration := time.Since(client.openedAt)
	s.metrics.ClosedConnections.Inc()
	s.metrics.ConnectionDuration.Observe(duration.Seconds())

	log.Info("connection closed", zap.Duration("duration", duration))
}

func (s *Server) handleMessage(ctx context.Context, client *Client, message []byte) {
	log := logger.FromContext(ctx)
	start := time.Now()
	s.metrics.Messages.Inc()
	s.limiter.ResetInactivityTTL(client.ID())

	reply := s.rpc.HandleMessage(ctx, client, message)

	data, err := json.Marshal(reply.Payload)
	if err != nil {
		log.Error("failed to encode response", zap.Error(err))
		return
	}
	if err := client.Send(data); err != nil {
		s.metrics.SendErrors.Inc()
		log.Debug("failed to send response", zap.Error(err))
		return
	}

	s.limiter.ResetInactivityTTL(client.ID())
	if reply.Method != "" {
		s.metrics.MessageDuration.WithLabelValues(reply.Method).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}
}

// Stop closes every connection and waits for their cleanup
func (s *Server) Stop() {
	s.hub.Stop()
	s.cancel()
	s.wg.Wait()
}
