// Package idempotency implements the inbox pattern so stream messages are
// applied at most once even when the broker redelivers them.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status of one inbox entry.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
)

// Entry is one idempotency record, keyed by the message id.
type Entry struct {
	MessageID string
	Handler   string
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Config holds inbox settings.
type Config struct {
	// TTL after which finished entries may be cleaned up.
	TTL time.Duration
	// CleanupInterval between expiry sweeps.
	CleanupInterval time.Duration
	// RecoveryTimeout after which a STARTED entry counts as crashed and
	// may be retried.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns inbox defaults.
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Sentinel results of Process.
var (
	// ErrDuplicate means the message was already applied.
	ErrDuplicate = errors.New("message already processed")
	// ErrInProgress means another worker currently holds the message.
	ErrInProgress = errors.New("message is being processed")
)

// Inbox tracks which messages were applied, backed by a postgres table.
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox.
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Process runs fn exactly once per message id. Duplicates return
// ErrDuplicate, concurrent deliveries ErrInProgress; a failed fn leaves the
// entry recoverable for the next delivery.
func (i *Inbox) Process(ctx context.Context, messageID, handler string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("message_id", messageID),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.entry(ctx, messageID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("checking inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return ErrDuplicate
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return ErrInProgress
			}
			// Stale claim from a crashed worker, take over.
			if err := i.setStatus(ctx, messageID, StatusRecoverable, ""); err != nil {
				return fmt.Errorf("reclaiming stale entry: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.claim(ctx, messageID, handler); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if markErr := i.setStatus(ctx, messageID, StatusRecoverable, err.Error()); markErr != nil {
			i.logger.Error("marking entry recoverable failed", zap.Error(markErr))
		}
		span.RecordError(err)
		return err
	}

	if err := i.setStatus(ctx, messageID, StatusFinished, ""); err != nil {
		// fn already succeeded; the worst case is one redundant retry.
		i.logger.Error("marking entry finished failed", zap.Error(err))
	}
	return nil
}

func (i *Inbox) entry(ctx context.Context, messageID string) (*Entry, error) {
	query := `
		SELECT message_id, handler, status, created_at, updated_at, expires_at
		FROM inbox
		WHERE message_id = $1
	`
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, query, messageID).Scan(
		&entry.MessageID, &entry.Handler, &entry.Status,
		&entry.CreatedAt, &entry.UpdatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// claim inserts or takes over the entry as STARTED. A conflicting row that
// is not recoverable means another delivery won the race.
func (i *Inbox) claim(ctx context.Context, messageID, handler string) error {
	query := `
		INSERT INTO inbox (message_id, handler, status, expires_at)
		VALUES ($1, $2, 'STARTED', $3)
		ON CONFLICT (message_id) DO UPDATE
		SET status = 'STARTED', updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING message_id
	`
	var returned string
	err := i.pool.QueryRow(ctx, query, messageID, handler,
		time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("claiming inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, messageID string, status Status, errMsg string) error {
	var lastError *string
	if errMsg != "" {
		payload, _ := json.Marshal(errMsg)
		s := string(payload)
		lastError = &s
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE message_id = $3
	`, status, lastError, messageID)
	return err
}

// StartCleanup launches the background expiry sweep.
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started",
		zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup loop.
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if err := i.cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

func (i *Inbox) cleanup(ctx context.Context) error {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		i.logger.Info("inbox cleanup completed",
			zap.Int64("deleted", result.RowsAffected()))
	}
	return nil
}
