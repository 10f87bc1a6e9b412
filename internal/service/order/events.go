package order

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Event types published to the message bus as orders move through their
// lifecycle. Consumers key on the order number, so re-deliveries of the same
// transition collapse naturally.
const (
	EventOrderSettled    = "order.settled"
	EventOrderRefunded   = "order.refunded"
	EventOrderFiscalized = "order.fiscalized"
)

// Event is the bus payload for an order lifecycle transition.
type Event struct {
	Type        string    `json:"type"`
	OrderNumber string    `json:"order_number"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (s *Service) publish(ctx context.Context, eventType, orderNumber string) {
	payload, err := json.Marshal(Event{
		Type:        eventType,
		OrderNumber: orderNumber,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("marshaling order event failed", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, []byte(orderNumber), payload); err != nil {
		s.logger.Error("publishing order event failed",
			zap.String("event", eventType),
			zap.String("order_number", orderNumber),
			zap.Error(err))
		return
	}
	s.logger.Debug("order event published",
		zap.String("event", eventType),
		zap.String("order_number", orderNumber))
}
