package till

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/entity"
	"github.com/illusorium/rupay/pkg/errorbank"
)

var tracer = otel.Tracer("github.com/illusorium/rupay/till")

// DocType distinguishes the fiscal document kinds a till can print.
type DocType string

const (
	DocSale   DocType = "SALE"
	DocReturn DocType = "RETURN"
)

// Till is the capability interface every fiscalization service implements.
type Till interface {
	// Name is the configuration key of the integration ("modulkassa").
	Name() string
	// Key identifies (integration, mode) pairs in stored receipt references.
	Key() string
	TestMode() bool

	// IsReady reports whether the service is accepting documents. Test mode
	// always reports ready.
	IsReady(ctx context.Context) (bool, error)
	// SendReceipt submits the fiscal document for the order and returns the
	// document id. When the order was already fiscalized once the adapter
	// re-mints the order's transaction id before submitting, so the caller
	// must persist the order afterwards.
	SendReceipt(ctx context.Context, order *entity.Order, docType DocType) (string, error)
	// ReceiptStatus polls the processing state of the order's last document.
	ReceiptStatus(ctx context.Context, order *entity.Order) (json.RawMessage, error)
}

// Registry holds the constructed till adapters, selected by configuration key.
type Registry struct {
	tills       map[string]Till
	defaultName string
}

// NewRegistry constructs every enabled till from configuration. An empty
// registry is valid: merchants without fiscalization simply never call one.
func NewRegistry(cfg config.Config, deps Deps) (*Registry, error) {
	r := &Registry{
		tills:       make(map[string]Till),
		defaultName: cfg.Tills.Default,
	}

	if cfg.Tills.Modulkassa.Enabled {
		t, err := NewModulkassa(cfg.Tills.Modulkassa, deps)
		if err != nil {
			return nil, err
		}
		r.tills[t.Name()] = t
	}
	return r, nil
}

// Get returns the till registered under the given configuration key.
func (r *Registry) Get(name string) (Till, error) {
	t, ok := r.tills[name]
	if !ok {
		return nil, errorbank.NotFound(fmt.Sprintf("till %q not found", name))
	}
	return t, nil
}

// Default returns the till configured as the default integration, or an error
// when fiscalization is not set up at all.
func (r *Registry) Default() (Till, error) {
	return r.Get(r.defaultName)
}

// Enabled reports whether at least one till is configured.
func (r *Registry) Enabled() bool {
	return len(r.tills) > 0
}

// DocTypeForStatus maps a settlement to the fiscal document it produces.
func DocTypeForStatus(refunded bool) DocType {
	if refunded {
		return DocReturn
	}
	return DocSale
}
