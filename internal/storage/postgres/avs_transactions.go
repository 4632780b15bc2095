package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/redeem"
)

// AVSTransactionStore records delivered AVS orders so they appear in the
// local order history without a repository roundtrip.
type AVSTransactionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewAVSTransactionStore creates an AVS transaction store.
func NewAVSTransactionStore(pool *pgxpool.Pool, logger *zap.Logger) *AVSTransactionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AVSTransactionStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("avs-transaction-store"),
	}
}

// SaveAVSTransaction persists one delivered AVS order.
func (s *AVSTransactionStore) SaveAVSTransaction(ctx context.Context, tx redeem.AVSTransaction) error {
	ctx, span := s.tracer.Start(ctx, "avs_transaction_save",
		trace.WithAttributes(attribute.String("transaction_id", tx.TransactionID.String())))
	defer span.End()

	query := `
		INSERT INTO avs_transactions (
			transaction_id, http_status_code, grouped_redeem_time,
			grouped_redeem_id, telematik_id
		) VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.pool.Exec(ctx, query,
		tx.TransactionID, tx.HTTPStatusCode, tx.GroupedRedeemTime,
		tx.GroupedRedeemID, tx.TelematikID,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("saving avs transaction %s: %w", tx.TransactionID, err)
	}
	return nil
}

// ListGroupedRedeems returns the transactions of one submission, identified
// by its grouped redeem id.
func (s *AVSTransactionStore) ListGroupedRedeems(ctx context.Context, groupedRedeemID string) ([]redeem.AVSTransaction, error) {
	ctx, span := s.tracer.Start(ctx, "avs_transaction_list",
		trace.WithAttributes(attribute.String("grouped_redeem_id", groupedRedeemID)))
	defer span.End()

	query := `
		SELECT transaction_id, http_status_code, grouped_redeem_time,
		       grouped_redeem_id, telematik_id
		FROM avs_transactions
		WHERE grouped_redeem_id = $1
		ORDER BY grouped_redeem_time ASC
	`
	rows, err := s.pool.Query(ctx, query, groupedRedeemID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing avs transactions: %w", err)
	}
	defer rows.Close()

	var txs []redeem.AVSTransaction
	for rows.Next() {
		var tx redeem.AVSTransaction
		if err := rows.Scan(
			&tx.TransactionID, &tx.HTTPStatusCode, &tx.GroupedRedeemTime,
			&tx.GroupedRedeemID, &tx.TelematikID,
		); err != nil {
			return nil, fmt.Errorf("scanning avs transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
