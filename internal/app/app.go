package app

import (
	"go.uber.org/fx"

	"github.com/illusorium/rupay/internal/cache"
	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/database"
	"github.com/illusorium/rupay/internal/dispatch"
	"github.com/illusorium/rupay/internal/gateway"
	"github.com/illusorium/rupay/internal/httpx"
	"github.com/illusorium/rupay/internal/logger"
	"github.com/illusorium/rupay/internal/messaging"
	"github.com/illusorium/rupay/internal/observability"
	repositoryorder "github.com/illusorium/rupay/internal/repository/order"
	repositorypayment "github.com/illusorium/rupay/internal/repository/payment"
	httpserver "github.com/illusorium/rupay/internal/server/http"
	serviceorder "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/internal/till"
	transporthttp "github.com/illusorium/rupay/internal/transport/http"
	"github.com/illusorium/rupay/internal/worker"
	workerfiscal "github.com/illusorium/rupay/internal/worker/fiscal"
)

// Core provides the foundational modules shared across executables.
var Core = fx.Options(
	config.Module,
	cache.Module,
	database.Module,
	logger.Module,
	messaging.Module,
	observability.Module,
	httpx.Module,
	repositoryorder.Module,
	repositorypayment.Module,
	gateway.Module,
	till.Module,
	dispatch.Module,
	serviceorder.Module,
)

// HTTP wires the HTTP transport on top of the core modules.
var HTTP = fx.Options(
	Core,
	httpserver.Module,
	transporthttp.Module,
)

// Worker exposes background worker processing.
var Worker = fx.Options(
	Core,
	worker.Module,
	workerfiscal.Module,
)

// Module is the default application wiring (HTTP only).
var Module = HTTP
