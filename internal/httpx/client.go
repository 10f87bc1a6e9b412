package httpx

import (
	"net/http"

	"go.uber.org/fx"

	"github.com/illusorium/rupay/internal/config"
)

// Module provides the shared outbound HTTP client.
var Module = fx.Provide(NewClient)

// NewClient builds the client used for all gateway and till calls. A single
// client shares its connection pool across adapters; the timeout is the hard
// upper bound for one round trip, callers additionally pass contexts.
func NewClient(cfg config.Config) *http.Client {
	return &http.Client{
		Timeout: cfg.Outbound.Timeout,
	}
}
