package till

import (
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the till registry into the Fx graph.
var Module = fx.Options(
	fx.Provide(NewDeps),
	fx.Provide(NewRegistry),
)

// Deps bundles the collaborators shared by all till adapters.
type Deps struct {
	Client *http.Client
	Logger *zap.Logger
}

// NewDeps builds the till dependency bundle.
func NewDeps(client *http.Client, logger *zap.Logger) Deps {
	return Deps{Client: client, Logger: logger}
}
