package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
)

// Tx exposes the bulk store primitives a migration step runs against. All
// calls of one step happen inside the same store transaction.
type Tx interface {
	ListAllTasks(ctx context.Context) ([]erx.Task, error)
	DeleteAllAuditEvents(ctx context.Context) error
	SaveProfiles(ctx context.Context, profiles []erx.Profile) error
	// ResetTaskMetadata clears cached per-task fields (last modified,
	// patient insurance id) so they are fetched fresh after migration.
	ResetTaskMetadata(ctx context.Context, taskIDs []string) error
}

// Store opens one transaction per migration step. When fn returns an error
// the transaction rolls back and the version marker must not advance.
type Store interface {
	InTransaction(ctx context.Context, fn func(tx Tx) error) error
}

// SettingsStore persists app-level selections touched by migrations.
type SettingsStore interface {
	SetSelectedProfile(ctx context.Context, id uuid.UUID) error
}

// Manager steps the schema version forward, one version per call. Steps are
// strictly sequential and version-gated; re-running a completed step against
// the same data is not safe and prevented by the version marker alone.
type Manager struct {
	store              Store
	settings           SettingsStore
	defaultProfileName string
	logger             *zap.Logger

	now         func() time.Time
	newID       func() uuid.UUID
	nameCounter int
}

// NewManager creates a migration manager. defaultProfileName names the
// fallback profile created when no task carries a patient name.
func NewManager(store Store, settings SettingsStore, defaultProfileName string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultProfileName == "" {
		defaultProfileName = "Profil 1"
	}
	return &Manager{
		store:              store,
		settings:           settings,
		defaultProfileName: defaultProfileName,
		logger:             logger,
		now:                time.Now,
		newID:              uuid.New,
	}
}

// StartModelMigration advances the schema by exactly one version and
// returns the version reached. Callers invoke it repeatedly, feeding the
// returned version back in, until ErrIsLatestVersion is returned.
func (m *Manager) StartModelMigration(ctx context.Context, current ModelVersion) (ModelVersion, error) {
	next, ok := current.Next()
	if !ok {
		return current, ErrIsLatestVersion
	}

	m.logger.Info("migrating model version",
		zap.Stringer("from", current),
		zap.Stringer("to", next))

	var err error
	switch next {
	case VersionProfiles:
		err = m.migrateToProfiles(ctx)
	case VersionAuditEventsInProfile:
		err = m.migrateToAuditEventsInProfile(ctx)
	case VersionTaskStatus:
		// The marker advances, nothing to transform.
	default:
		err = fmt.Errorf("no migration defined for version %s", next)
	}
	if err != nil {
		return current, err
	}
	return next, nil
}

// migrateToProfiles groups the flat task list into one profile per distinct
// patient name. Tasks without a patient name are scanned tasks; they attach
// to the first created profile, or to a fresh fallback profile when no
// named profile exists. The whole step is one transaction.
func (m *Manager) migrateToProfiles(ctx context.Context) error {
	var selected uuid.UUID

	err := m.store.InTransaction(ctx, func(tx Tx) error {
		if err := tx.DeleteAllAuditEvents(ctx); err != nil {
			return deleteErr(err)
		}

		tasks, err := tx.ListAllTasks(ctx)
		if err != nil {
			return readErr(err)
		}

		profiles, taskIDs := m.groupIntoProfiles(tasks)
		if len(profiles) == 0 {
			return ErrMissingProfile
		}
		selected = profiles[0].Identifier

		if err := tx.SaveProfiles(ctx, profiles); err != nil {
			return writeErr(err)
		}
		if len(taskIDs) > 0 {
			if err := tx.ResetTaskMetadata(ctx, taskIDs); err != nil {
				return writeErr(err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.settings.SetSelectedProfile(ctx, selected); err != nil {
		return writeErr(err)
	}
	return nil
}

// groupIntoProfiles clusters tasks by patient name, first-seen order. The
// returned task id list covers every grouped task for the metadata reset.
func (m *Manager) groupIntoProfiles(tasks []erx.Task) ([]erx.Profile, []string) {
	var (
		order    []string
		byName   = make(map[string][]string)
		scanned  []string
		allTasks []string
	)
	for _, task := range tasks {
		allTasks = append(allTasks, task.ID)
		if task.IsScanned() {
			scanned = append(scanned, task.ID)
			continue
		}
		name := task.Patient.Name
		if _, seen := byName[name]; !seen {
			order = append(order, name)
		}
		byName[name] = append(byName[name], task.ID)
	}

	profiles := make([]erx.Profile, 0, len(order))
	for _, name := range order {
		profiles = append(profiles, erx.Profile{
			Identifier: m.newID(),
			Name:       name,
			Created:    m.now().UTC(),
			TaskIDs:    byName[name],
		})
	}

	if len(profiles) == 0 {
		// No named tasks at all: a single fallback profile owns whatever
		// scanned tasks exist.
		return []erx.Profile{{
			Identifier: m.newID(),
			Name:       m.fallbackName(),
			Created:    m.now().UTC(),
			TaskIDs:    scanned,
		}}, allTasks
	}

	profiles[0].TaskIDs = append(profiles[0].TaskIDs, scanned...)
	return profiles, allTasks
}

func (m *Manager) fallbackName() string {
	m.nameCounter++
	if m.nameCounter == 1 {
		return m.defaultProfileName
	}
	return fmt.Sprintf("%s %d", m.defaultProfileName, m.nameCounter)
}

// migrateToAuditEventsInProfile drops all audit events of the obsolete flat
// format. They are re-fetched per profile after migration.
func (m *Manager) migrateToAuditEventsInProfile(ctx context.Context) error {
	return m.store.InTransaction(ctx, func(tx Tx) error {
		if err := tx.DeleteAllAuditEvents(ctx); err != nil {
			return deleteErr(err)
		}
		return nil
	})
}

// VersionStore persists the version marker between migration runs.
type VersionStore interface {
	CurrentModelVersion(ctx context.Context) (ModelVersion, error)
	SetModelVersion(ctx context.Context, v ModelVersion) error
}

// Run drives the manager from the stored version to the latest, persisting
// the marker after every committed step. Data access by the rest of the app
// must wait until Run returns.
func Run(ctx context.Context, mgr *Manager, versions VersionStore, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	current, err := versions.CurrentModelVersion(ctx)
	if err != nil {
		return &StoreError{Kind: KindInitialization, Err: err}
	}
	for {
		next, err := mgr.StartModelMigration(ctx, current)
		if err == ErrIsLatestVersion {
			logger.Info("schema up to date", zap.Stringer("version", current))
			return nil
		}
		if err != nil {
			return err
		}
		if err := versions.SetModelVersion(ctx, next); err != nil {
			return writeErr(err)
		}
		current = next
	}
}
