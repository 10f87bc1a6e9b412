package fiscal

import (
	"context"
	"encoding/json"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/illusorium/rupay/internal/config"
	"github.com/illusorium/rupay/internal/messaging"
	orderservice "github.com/illusorium/rupay/internal/service/order"
	"github.com/illusorium/rupay/internal/worker"
	"github.com/illusorium/rupay/pkg/errorbank"
)

// Module registers the auto-fiscalization consumer with the worker engine.
var Module = fx.Provide(New)

// Params collects the consumer dependencies via Fx.
type Params struct {
	fx.In

	Service *orderservice.Service
	Bus     messaging.Client
	Config  config.Config
	Logger  *zap.Logger
}

// Result exposes the handler registration into the worker group.
type Result struct {
	fx.Out

	Registration worker.HandlerRegistration `group:"worker.handlers"`
}

// consumer submits fiscal receipts in response to settlement events, so a
// slow or flaky till never blocks the callback path.
type consumer struct {
	svc    *orderservice.Service
	cfg    config.Config
	logger *zap.Logger
}

// New builds the consumer and its topic registration.
func New(p Params) Result {
	c := &consumer{svc: p.Service, cfg: p.Config, logger: p.Logger}
	return Result{
		Registration: worker.HandlerRegistration{
			Topic:   p.Bus.Topic(),
			Handler: c.handle,
		},
	}
}

func (c *consumer) handle(ctx context.Context, msg messaging.Message) error {
	var event orderservice.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn("dropping malformed order event", zap.Error(err))
		return nil
	}

	switch event.Type {
	case orderservice.EventOrderSettled, orderservice.EventOrderRefunded:
	default:
		return nil
	}
	if !c.cfg.Tills.Modulkassa.AutoSubmit {
		return nil
	}

	order, err := c.svc.FindByNumber(ctx, event.OrderNumber)
	if err != nil {
		if errorbank.IsKind(err, errorbank.KindNotFound) {
			c.logger.Warn("settlement event for unknown order",
				zap.String("order_number", event.OrderNumber))
			return nil
		}
		return err
	}
	// A settled event for an order fiscalized already is a re-delivery; a
	// refund still needs its RETURN document.
	if event.Type == orderservice.EventOrderSettled && order.Fiscalized != nil {
		return nil
	}

	docID, err := c.svc.Fiscalize(ctx, event.OrderNumber)
	if err != nil {
		// Orders without an email can never be fiscalized; retrying forever
		// would wedge the partition.
		if errorbank.IsKind(err, errorbank.KindValidation) {
			c.logger.Warn("skipping unfiscalizable order",
				zap.String("order_number", event.OrderNumber),
				zap.Error(err))
			return nil
		}
		return err
	}

	c.logger.Info("receipt submitted for settled order",
		zap.String("order_number", event.OrderNumber),
		zap.String("document_id", docID))
	return nil
}
