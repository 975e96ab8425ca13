package webhook

import "context"

// DefaultMaxBodySize is the body limit when an endpoint sets none.
const DefaultMaxBodySize int64 = 1 << 20

// DefaultSignatureHeader is GitHub's header name.
const DefaultSignatureHeader = "X-Hub-Signature-256"

// Submitter queues a compile and returns its run ID without waiting.
type Submitter interface {
	Submit(ctx context.Context, program string) string
}

// Config is the webhook listener with its endpoints, already parsed from the
// YAML form by FromGlobalConfig.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig is one signed path. Each endpoint has its own secret.
type EndpointConfig struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// QueuedResponse answers an accepted delivery. The run's outcome is read
// later from GET /runs/{run_id} on the API listener.
type QueuedResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
