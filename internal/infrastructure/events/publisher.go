package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apomesh/erx-redeem/internal/redeem"
)

// orderOutcomeMessage is the wire format of one published order outcome.
type orderOutcomeMessage struct {
	OrderID     string    `json:"order_id"`
	TelematikID string    `json:"telematik_id"`
	Option      string    `json:"option"`
	Total       int       `json:"total"`
	Failed      int       `json:"failed"`
	At          time.Time `json:"at"`
}

// OrderEventPublisher publishes redeem outcomes to the order outcome topic,
// keyed by order id so retries of the same order stay on one partition.
type OrderEventPublisher struct {
	producer *Producer
}

// NewOrderEventPublisher creates an order event publisher.
func NewOrderEventPublisher(producer *Producer) *OrderEventPublisher {
	return &OrderEventPublisher{producer: producer}
}

// PublishOrderOutcome implements redeem.EventPublisher.
func (p *OrderEventPublisher) PublishOrderOutcome(ctx context.Context, ev redeem.OrderOutcomeEvent) error {
	payload, err := json.Marshal(orderOutcomeMessage{
		OrderID:     ev.OrderID,
		TelematikID: ev.TelematikID,
		Option:      string(ev.Option),
		Total:       ev.Total,
		Failed:      ev.Failed,
		At:          ev.At,
	})
	if err != nil {
		return fmt.Errorf("encoding order outcome: %w", err)
	}
	return p.producer.Produce(ctx, TopicOrderOutcomes, ev.OrderID, payload)
}
