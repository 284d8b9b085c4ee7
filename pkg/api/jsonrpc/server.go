package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/0xmhha/wsrelay-go/internal/constants"
	"github.com/0xmhha/wsrelay-go/internal/logger"
)

// BatchMethod labels batch frames in metrics
const BatchMethod = "batch_request"

// BatchRequest represents a JSON-RPC 2.0 batch request
type BatchRequest []json.RawMessage

// BatchResponse represents a JSON-RPC 2.0 batch response
type BatchResponse []*Response

// ServerConfig holds frame level configuration
type ServerConfig struct {
	BatchRequestsEnabled bool
	BatchRequestsMaxSize int
}

// DefaultServerConfig returns the default frame configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		BatchRequestsEnabled: false,
		BatchRequestsMaxSize: constants.DefaultBatchRequestsMaxSize,
	}
}

// Reply is the outcome of one inbound frame
type Reply struct {
	// Payload is a *Response or a BatchResponse
	Payload interface{}
	// Method is the request method, BatchMethod for batches, empty for unparsable frames
	Method string
}

// Server turns inbound text frames into replies
type Server struct {
	handler *Handler
	config  *ServerConfig
	logger  *zap.Logger
}

// NewServer creates a new JSON-RPC frame server
func NewServer(handler *Handler, config *ServerConfig, log *zap.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		handler: handler,
		config:  config,
		logger:  logger.WithComponent(logger.OrNop(log), "jsonrpc"),
	}
}

// HandleMessage processes a single or batch request frame from sess
func (s *Server) HandleMessage(ctx context.Context, sess Session, body []byte) Reply {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return s.handleBatchRequest(ctx, sess, trimmed)
	}
	return s.handleSingleRequest(ctx, sess, trimmed)
}

// handleSingleRequest handles a single JSON-RPC request
func (s *Server) handleSingleRequest(ctx context.Context, sess Session, body []byte) Reply {
	req, rpcErr := decodeRequest(body)
	if rpcErr != nil {
		s.logger.Warn("could not decode message",
			zap.String("connection_id", sess.ID()),
			zap.ByteString("message", truncate(body)),
		)
		return Reply{Payload: NewErrorResponse(nil, rpcErr)}
	}

	return Reply{
		Payload: s.handler.HandleRequest(ctx, sess, req),
		Method:  s.handler.MetricLabel(req.Method),
	}
}

// handleBatchRequest handles a batch of JSON-RPC requests
func (s *Server) handleBatchRequest(ctx context.Context, sess Session, body []byte) Reply {
	var batch BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		s.logger.Warn("could not decode batch", zap.String("connection_id", sess.ID()), zap.Error(err))
		return Reply{Payload: NewErrorResponse(nil, ErrInvalidRequest())}
	}

	ip := sess.RemoteIP()
	s.handler.metrics.MethodCalls.WithLabelValues(BatchMethod).Inc()
	s.handler.metrics.MethodCallsByIP.WithLabelValues(ip, BatchMethod).Inc()

	reply := Reply{Method: BatchMethod}

	if !s.config.BatchRequestsEnabled {
		s.logger.Warn("batch requests are disabled", zap.String("connection_id", sess.ID()))
		reply.Payload = BatchResponse{NewErrorResponse(nil, ErrBatchRequestsDisabled())}
		return reply
	}

	// an empty batch is answered with a single error, not an empty array
	if len(batch) == 0 {
		reply.Payload = NewErrorResponse(nil, ErrInvalidRequest())
		return reply
	}

	if len(batch) > s.config.BatchRequestsMaxSize {
		s.logger.Warn("batch request too large",
			zap.String("connection_id", sess.ID()),
			zap.Int("batch_size", len(batch)),
			zap.Int("max_batch_size", s.config.BatchRequestsMaxSize),
		)
		reply.Payload = BatchResponse{NewErrorResponse(nil, ErrBatchRequestsAmountMaxExceeded(len(batch), s.config.BatchRequestsMaxSize))}
		return reply
	}

	responses := make(BatchResponse, 0, len(batch))
	for _, item := range batch {
		req, rpcErr := decodeRequest(item)
		if rpcErr != nil {
			responses = append(responses, NewErrorResponse(nil, ErrInvalidRequest()))
			continue
		}
		responses = append(responses, s.handler.HandleRequest(ctx, sess, req))
	}

	reply.Payload = responses
	return reply
}

func decodeRequest(body []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, ErrInvalidRequest()
	}
	return &req, nil
}

const maxLoggedMessage = 512

func truncate(body []byte) []byte {
	if len(body) > maxLoggedMessage {
		return body[:maxLoggedMessage]
	}
	return body
}
