package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
	"github.com/apomesh/erx-redeem/internal/storage/migration"
)

// ModelStore gives the migration manager transactional access to the task,
// profile and audit event tables. Each migration step runs inside one
// transaction; a failing step leaves the schema untouched.
type ModelStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewModelStore creates a model store.
func NewModelStore(pool *pgxpool.Pool, logger *zap.Logger) *ModelStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("model-store"),
	}
}

// InTransaction implements migration.Store.
func (s *ModelStore) InTransaction(ctx context.Context, fn func(tx migration.Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "model_migration_tx")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("beginning migration transaction: %w", err)
	}

	if err := fn(&modelTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error("migration rollback failed", zap.Error(rbErr))
		}
		span.RecordError(err)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("committing migration transaction: %w", err)
	}
	return nil
}

// modelTx implements migration.Tx on one open pgx transaction.
type modelTx struct {
	tx pgx.Tx
}

func (m *modelTx) ListAllTasks(ctx context.Context) ([]erx.Task, error) {
	query := `
		SELECT id, access_code, status, flow_type, source, medication,
		       patient_name, patient_birth_date, patient_phone,
		       patient_insurance_id, patient_street, patient_zip, patient_city,
		       authored_on, last_modified
		FROM tasks
		ORDER BY authored_on ASC
	`
	rows, err := m.tx.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []erx.Task
	for rows.Next() {
		var (
			task    erx.Task
			patient erx.Patient
		)
		if err := rows.Scan(
			&task.ID, &task.AccessCode, &task.Status, &task.FlowType,
			&task.Source, &task.Medication,
			&patient.Name, &patient.BirthDate, &patient.Phone,
			&patient.InsuranceID, &patient.Street, &patient.Zip, &patient.City,
			&task.AuthoredOn, &task.LastModified,
		); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		if patient.Name != "" || patient.InsuranceID != "" {
			task.Patient = &patient
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (m *modelTx) DeleteAllAuditEvents(ctx context.Context) error {
	if _, err := m.tx.Exec(ctx, `DELETE FROM audit_events`); err != nil {
		return fmt.Errorf("deleting audit events: %w", err)
	}
	return nil
}

func (m *modelTx) SaveProfiles(ctx context.Context, profiles []erx.Profile) error {
	for _, p := range profiles {
		_, err := m.tx.Exec(ctx, `
			INSERT INTO profiles (identifier, name, insurance_id, created_at)
			VALUES ($1, $2, $3, $4)
		`, p.Identifier, p.Name, p.InsuranceID, p.Created)
		if err != nil {
			return fmt.Errorf("saving profile %s: %w", p.Identifier, err)
		}
		if len(p.TaskIDs) == 0 {
			continue
		}
		_, err = m.tx.Exec(ctx, `
			UPDATE tasks SET profile_id = $1 WHERE id = ANY($2)
		`, p.Identifier, p.TaskIDs)
		if err != nil {
			return fmt.Errorf("attaching tasks to profile %s: %w", p.Identifier, err)
		}
	}
	return nil
}

func (m *modelTx) ResetTaskMetadata(ctx context.Context, taskIDs []string) error {
	_, err := m.tx.Exec(ctx, `
		UPDATE tasks
		SET last_modified = NULL, patient_insurance_id = ''
		WHERE id = ANY($1)
	`, taskIDs)
	if err != nil {
		return fmt.Errorf("resetting task metadata: %w", err)
	}
	return nil
}

// SettingsStore persists app-level settings such as the selected profile.
type SettingsStore struct {
	pool *pgxpool.Pool
}

// NewSettingsStore creates a settings store.
func NewSettingsStore(pool *pgxpool.Pool) *SettingsStore {
	return &SettingsStore{pool: pool}
}

// SetSelectedProfile implements migration.SettingsStore.
func (s *SettingsStore) SetSelectedProfile(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ('selected_profile', $1, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, id.String())
	if err != nil {
		return fmt.Errorf("setting selected profile: %w", err)
	}
	return nil
}

// SelectedProfile returns the selected profile id, or uuid.Nil when none is
// set yet.
func (s *SettingsStore) SelectedProfile(ctx context.Context) (uuid.UUID, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = 'selected_profile'`).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading selected profile: %w", err)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parsing selected profile id: %w", err)
	}
	return id, nil
}

// VersionStore persists the schema version marker.
type VersionStore struct {
	pool *pgxpool.Pool
}

// NewVersionStore creates a version store.
func NewVersionStore(pool *pgxpool.Pool) *VersionStore {
	return &VersionStore{pool: pool}
}

// CurrentModelVersion implements migration.VersionStore. A missing marker
// means the store predates versioning and starts at the flat task layout.
func (s *VersionStore) CurrentModelVersion(ctx context.Context) (migration.ModelVersion, error) {
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM model_version ORDER BY migrated_at DESC LIMIT 1`).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return migration.VersionFlatTasks, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading model version: %w", err)
	}
	return migration.ModelVersion(version), nil
}

// SetModelVersion implements migration.VersionStore.
func (s *VersionStore) SetModelVersion(ctx context.Context, v migration.ModelVersion) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_version (version, migrated_at) VALUES ($1, $2)
	`, int(v), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording model version %s: %w", v, err)
	}
	return nil
}
