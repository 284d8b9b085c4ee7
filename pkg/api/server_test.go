package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/pkg/api/jsonrpc"
	"github.com/0xmhha/wsrelay-go/pkg/api/websocket"
	"github.com/0xmhha/wsrelay-go/pkg/limiter"
	"github.com/0xmhha/wsrelay-go/pkg/subscription"
)

type stubSubscriptions struct{}

func (stubSubscriptions) Subscribe(conn subscription.Connection, event subscription.EventKind, filters subscription.Filters) (string, error) {
	return "0x01", nil
}

func (stubSubscriptions) Unsubscribe(conn subscription.Connection, subscriptionID string) int {
	return 0
}

type fakeChain struct {
	id  int64
	err error
}

func (f fakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return big.NewInt(f.id), nil
}

func newWebSocketServer(t *testing.T) *websocket.Server {
	t.Helper()
	log := zap.NewNop()
	lim := limiter.New(nil, nil, nil, nil, log)
	handler := jsonrpc.NewHandler(stubSubscriptions{}, lim, nil, nil, nil, log)
	ws := websocket.NewServer(jsonrpc.NewServer(handler, nil, log), lim, stubSubscriptions{}, nil, nil, log)
	t.Cleanup(ws.Stop)
	return ws
}

func TestNewServer(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:   "valid default config",
			mutate: func(c *Config) {},
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: true,
		},
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "relative websocket path",
			mutate:  func(c *Config) { c.WebSocketPath = "ws" },
			wantErr: true,
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.ShutdownTimeout = 0 },
			wantErr: true,
		},
	}

	ws := newWebSocketServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			server, err := NewServer(config, zap.NewNop(), ws, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, server.Router())
		})
	}

	_, err := NewServer(DefaultConfig(), zap.NewNop(), nil, nil)
	assert.Error(t, err)
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig()
	config.Host = "127.0.0.1"
	config.Port = 9000
	assert.Equal(t, "127.0.0.1:9000", config.Address())
}

func TestServerHealthEndpoints(t *testing.T) {
	tests := []struct {
		name            string
		upstream        ChainSource
		readinessStatus int
		healthStatus    int
	}{
		{
			name:            "upstream reachable",
			upstream:        fakeChain{id: 8283},
			readinessStatus: http.StatusOK,
			healthStatus:    http.StatusOK,
		},
		{
			name:            "upstream down",
			upstream:        fakeChain{err: errors.New("connection refused")},
			readinessStatus: http.StatusServiceUnavailable,
			healthStatus:    http.StatusServiceUnavailable,
		},
		{
			name:            "no upstream",
			readinessStatus: http.StatusServiceUnavailable,
			healthStatus:    http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := NewHealthChecker("test", time.Second)
			if tt.upstream != nil {
				health.SetUpstream(tt.upstream)
			}

			server, err := NewServer(DefaultConfig(), zap.NewNop(), newWebSocketServer(t), &ServerOptions{Health: health})
			require.NoError(t, err)

			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/liveness", nil))
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, `{"status":"alive"}`, w.Body.String())

			w = httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
			assert.Equal(t, tt.readinessStatus, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			w = httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.healthStatus, w.Code)

			var detailed DetailedHealth
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detailed))
			assert.Equal(t, "test", detailed.Version)
			if up, ok := tt.upstream.(fakeChain); ok && up.err == nil {
				require.NotNil(t, detailed.Upstream)
				assert.Equal(t, "8283", detailed.Upstream.Details["chain_id"])
			}
		})
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server, err := NewServer(DefaultConfig(), zap.NewNop(), newWebSocketServer(t), &ServerOptions{Gatherer: reg})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_test_total 1")
}

func TestServerWebSocketRoute(t *testing.T) {
	config := DefaultConfig()
	config.WebSocketPath = "/ws"

	server, err := NewServer(config, zap.NewNop(), newWebSocketServer(t), &ServerOptions{
		UpgradeLimiter: limiter.NewRateLimiter(1, 1, nil),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Router())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"eth_unsubscribe","params":["0x01"]}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":false}`, string(data))

	// a second handshake from the same address inside the window is refused
	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, gorilla.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}
