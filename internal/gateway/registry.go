package gateway

import (
	"fmt"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/pkg/errorbank"
)

// Registry holds the constructed gateway adapters, selected by configuration
// key. It is an explicit value passed to call sites; there is no global
// instance cache.
type Registry struct {
	gateways    map[string]Gateway
	defaultName string
}

// NewRegistry constructs every enabled gateway from configuration. Adapter
// construction validates credentials, so a misconfigured integration fails
// the whole startup instead of the first callback.
func NewRegistry(cfg config.Config, deps Deps) (*Registry, error) {
	r := &Registry{
		gateways:    make(map[string]Gateway),
		defaultName: cfg.Gateways.Default,
	}

	if cfg.Gateways.Sberbank.Enabled {
		g, err := NewSberbank(cfg.Gateways.Sberbank, cfg.Orders, deps)
		if err != nil {
			return nil, err
		}
		r.gateways[g.Name()] = g
	}
	if cfg.Gateways.SberbankSBP.Enabled {
		g, err := NewSberbankSBP(cfg.Gateways.SberbankSBP, deps)
		if err != nil {
			return nil, err
		}
		r.gateways[g.Name()] = g
	}
	if cfg.Gateways.Monetaru.Enabled {
		g, err := NewMonetaru(cfg.Gateways.Monetaru, deps)
		if err != nil {
			return nil, err
		}
		r.gateways[g.Name()] = g
	}

	if len(r.gateways) == 0 {
		return nil, errorbank.Config("no payment gateways enabled")
	}
	if _, ok := r.gateways[r.defaultName]; !ok {
		return nil, errorbank.Config(
			fmt.Sprintf("default gateway %q is not enabled", r.defaultName))
	}
	return r, nil
}

// Get returns the gateway registered under the given configuration key.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, errorbank.NotFound(fmt.Sprintf("gateway %q not found", name))
	}
	return g, nil
}

// Default returns the gateway configured as the default integration.
func (r *Registry) Default() Gateway {
	return r.gateways[r.defaultName]
}

// Names lists the registered gateway keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
