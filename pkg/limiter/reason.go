package limiter

import "fmt"

// WebSocket close codes sent when the limiter terminates a connection
const (
	CodeIPLimitExceeded         = 4001
	CodeTTLExpired              = 4002
	CodeConnectionLimitExceeded = 4003
)

// CloseReason describes why a connection is terminated. Connections send it
// as a JSON-RPC error frame followed by a close frame with Code and Message.
type CloseReason struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (r CloseReason) Error() string {
	return fmt.Sprintf("websocket closed (%d): %s", r.Code, r.Message)
}

// ConnectionLimitExceeded is sent when the process-wide cap is exceeded
func ConnectionLimitExceeded(limit int) CloseReason {
	const message = "Connection limit exceeded"
	return CloseReason{
		Code:    CodeConnectionLimitExceeded,
		Message: message,
		Data:    map[string]interface{}{"message": message, "max_connection": limit},
	}
}

// IPLimitExceeded is sent when a client address exceeds its cap
func IPLimitExceeded(limit int) CloseReason {
	const message = "Exceeded maximum connections from a single IP address"
	return CloseReason{
		Code:    CodeIPLimitExceeded,
		Message: message,
		Data:    map[string]interface{}{"message": message, "max_connection": limit},
	}
}

// TTLExpired is sent when a connection stays inactive for too long
func TTLExpired(ttlMillis int64) CloseReason {
	const message = "Connection timeout expired"
	return CloseReason{
		Code:    CodeTTLExpired,
		Message: message,
		Data:    map[string]interface{}{"message": message, "max_inactivity_TTL": ttlMillis},
	}
}
