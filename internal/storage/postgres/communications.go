package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
)

// CommunicationStore persists pharmacy messages about orders, fed by the
// worker from the communications topic.
type CommunicationStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewCommunicationStore creates a communication store.
func NewCommunicationStore(pool *pgxpool.Pool, logger *zap.Logger) *CommunicationStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommunicationStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("communication-store"),
	}
}

// Save upserts one communication by its repository id. Redeliveries update
// the read flag but never duplicate the message.
func (s *CommunicationStore) Save(ctx context.Context, c erx.Communication) error {
	ctx, span := s.tracer.Start(ctx, "communication_save",
		trace.WithAttributes(
			attribute.String("communication_id", c.ID),
			attribute.String("order_id", c.OrderID),
		))
	defer span.End()

	query := `
		INSERT INTO communications (
			id, order_id, task_id, telematik_id, profile_id,
			payload, kind, sent_at, is_read
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET is_read = EXCLUDED.is_read
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.OrderID, c.TaskID, c.TelematikID, c.Profile,
		c.Payload, c.Kind, c.SentAt, c.IsRead,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("saving communication %s: %w", c.ID, err)
	}
	return nil
}

// ListByOrder returns all messages of one order, oldest first.
func (s *CommunicationStore) ListByOrder(ctx context.Context, orderID string) ([]erx.Communication, error) {
	ctx, span := s.tracer.Start(ctx, "communication_list",
		trace.WithAttributes(attribute.String("order_id", orderID)))
	defer span.End()

	query := `
		SELECT id, order_id, task_id, telematik_id, profile_id,
		       payload, kind, sent_at, is_read
		FROM communications
		WHERE order_id = $1
		ORDER BY sent_at ASC
	`
	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing communications: %w", err)
	}
	defer rows.Close()

	var out []erx.Communication
	for rows.Next() {
		var c erx.Communication
		if err := rows.Scan(
			&c.ID, &c.OrderID, &c.TaskID, &c.TelematikID, &c.Profile,
			&c.Payload, &c.Kind, &c.SentAt, &c.IsRead,
		); err != nil {
			return nil, fmt.Errorf("scanning communication: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRead flags one communication as read.
func (s *CommunicationStore) MarkRead(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE communications SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking communication %s read: %w", id, err)
	}
	return nil
}
