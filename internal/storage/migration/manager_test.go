package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/apomesh/erx-redeem/internal/domain/erx"
)

type fakeStore struct {
	tasks    []erx.Task
	profiles []erx.Profile
	reset    []string

	auditEventsDeleted int

	listErr   error
	saveErr   error
	deleteErr error
	resetErr  error
}

func (s *fakeStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	snapshot := *s
	if err := fn(s); err != nil {
		// Roll back any writes fn performed.
		*s = snapshot
		return err
	}
	return nil
}

func (s *fakeStore) ListAllTasks(ctx context.Context) ([]erx.Task, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.tasks, nil
}

func (s *fakeStore) DeleteAllAuditEvents(ctx context.Context) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.auditEventsDeleted++
	return nil
}

func (s *fakeStore) SaveProfiles(ctx context.Context, profiles []erx.Profile) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.profiles = profiles
	return nil
}

func (s *fakeStore) ResetTaskMetadata(ctx context.Context, taskIDs []string) error {
	if s.resetErr != nil {
		return s.resetErr
	}
	s.reset = append(s.reset, taskIDs...)
	return nil
}

type fakeSettings struct {
	selected uuid.UUID
	err      error
	calls    int
}

func (s *fakeSettings) SetSelectedProfile(ctx context.Context, id uuid.UUID) error {
	s.calls++
	if s.err != nil {
		return s.err
	}
	s.selected = id
	return nil
}

func serverTask(id, patientName string) erx.Task {
	modified := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return erx.Task{
		ID:           id,
		Source:       erx.TaskSourceServer,
		Patient:      &erx.Patient{Name: patientName, InsuranceID: "X110406067"},
		LastModified: &modified,
	}
}

func scannedTask(id string) erx.Task {
	return erx.Task{ID: id, Source: erx.TaskSourceScanned}
}

func newTestManager(store Store, settings SettingsStore) *Manager {
	return NewManager(store, settings, "Profil 1", nil)
}

func TestStartModelMigrationVersionChain(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{serverTask("t1", "Anna Vetter")}}
	mgr := newTestManager(store, &fakeSettings{})

	current := VersionFlatTasks
	want := []ModelVersion{VersionProfiles, VersionAuditEventsInProfile, VersionTaskStatus}
	for _, expected := range want {
		next, err := mgr.StartModelMigration(context.Background(), current)
		if err != nil {
			t.Fatalf("migrating from %s: %v", current, err)
		}
		if next != expected {
			t.Fatalf("migrating from %s: got %s, want %s", current, next, expected)
		}
		current = next
	}

	if _, err := mgr.StartModelMigration(context.Background(), current); !errors.Is(err, ErrIsLatestVersion) {
		t.Fatalf("expected ErrIsLatestVersion at %s, got %v", current, err)
	}
}

func TestMigrateToProfilesGroupsByPatientName(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{
		serverTask("t1", "Anna Vetter"),
		serverTask("t2", "Ludger Königsstein"),
		serverTask("t3", "Anna Vetter"),
	}}
	settings := &fakeSettings{}
	mgr := newTestManager(store, settings)

	next, err := mgr.StartModelMigration(context.Background(), VersionFlatTasks)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != VersionProfiles {
		t.Fatalf("got version %s, want %s", next, VersionProfiles)
	}

	if len(store.profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(store.profiles))
	}
	if store.profiles[0].Name != "Anna Vetter" || store.profiles[1].Name != "Ludger Königsstein" {
		t.Fatalf("profile order not first-seen: %q, %q", store.profiles[0].Name, store.profiles[1].Name)
	}
	if got := store.profiles[0].TaskIDs; len(got) != 2 || got[0] != "t1" || got[1] != "t3" {
		t.Fatalf("first profile tasks = %v, want [t1 t3]", got)
	}
	if got := store.profiles[1].TaskIDs; len(got) != 1 || got[0] != "t2" {
		t.Fatalf("second profile tasks = %v, want [t2]", got)
	}
	if store.profiles[0].Identifier == store.profiles[1].Identifier {
		t.Fatal("profiles share an identifier")
	}
	if settings.selected != store.profiles[0].Identifier {
		t.Fatal("first profile was not selected")
	}
	if len(store.reset) != 3 {
		t.Fatalf("reset %d tasks, want 3", len(store.reset))
	}
	if store.auditEventsDeleted != 1 {
		t.Fatalf("audit events deleted %d times, want 1", store.auditEventsDeleted)
	}
}

func TestMigrateToProfilesScannedTasksJoinFirstProfile(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{
		serverTask("t1", "Anna Vetter"),
		scannedTask("s1"),
		scannedTask("s2"),
	}}
	mgr := newTestManager(store, &fakeSettings{})

	if _, err := mgr.StartModelMigration(context.Background(), VersionFlatTasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.profiles) != 1 {
		t.Fatalf("got %d profiles, want 1", len(store.profiles))
	}
	got := store.profiles[0].TaskIDs
	if len(got) != 3 || got[0] != "t1" || got[1] != "s1" || got[2] != "s2" {
		t.Fatalf("profile tasks = %v, want [t1 s1 s2]", got)
	}
}

func TestMigrateToProfilesScannedOnlyCreatesFallbackProfile(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{scannedTask("s1")}}
	mgr := newTestManager(store, &fakeSettings{})

	if _, err := mgr.StartModelMigration(context.Background(), VersionFlatTasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.profiles) != 1 {
		t.Fatalf("got %d profiles, want 1", len(store.profiles))
	}
	if store.profiles[0].Name != "Profil 1" {
		t.Fatalf("fallback profile name = %q, want %q", store.profiles[0].Name, "Profil 1")
	}
	if got := store.profiles[0].TaskIDs; len(got) != 1 || got[0] != "s1" {
		t.Fatalf("fallback profile tasks = %v, want [s1]", got)
	}
}

func TestMigrateToProfilesEmptyStoreStillCreatesProfile(t *testing.T) {
	store := &fakeStore{}
	settings := &fakeSettings{}
	mgr := newTestManager(store, settings)

	if _, err := mgr.StartModelMigration(context.Background(), VersionFlatTasks); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.profiles) != 1 {
		t.Fatalf("got %d profiles, want 1", len(store.profiles))
	}
	if store.profiles[0].Name != "Profil 1" {
		t.Fatalf("fallback profile name = %q", store.profiles[0].Name)
	}
	if len(store.profiles[0].TaskIDs) != 0 {
		t.Fatalf("fallback profile tasks = %v, want none", store.profiles[0].TaskIDs)
	}
	if settings.calls != 1 {
		t.Fatal("selected profile was not set")
	}
}

func TestMigrateToProfilesStoreErrors(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name  string
		store *fakeStore
		kind  StoreErrorKind
	}{
		{"list fails", &fakeStore{listErr: cause}, KindRead},
		{"save fails", &fakeStore{tasks: []erx.Task{serverTask("t1", "Anna Vetter")}, saveErr: cause}, KindWrite},
		{"delete fails", &fakeStore{deleteErr: cause}, KindDelete},
		{"reset fails", &fakeStore{tasks: []erx.Task{serverTask("t1", "Anna Vetter")}, resetErr: cause}, KindWrite},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			settings := &fakeSettings{}
			mgr := newTestManager(tt.store, settings)

			_, err := mgr.StartModelMigration(context.Background(), VersionFlatTasks)
			var storeErr *StoreError
			if !errors.As(err, &storeErr) {
				t.Fatalf("expected StoreError, got %v", err)
			}
			if storeErr.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", storeErr.Kind, tt.kind)
			}
			if !errors.Is(err, cause) {
				t.Fatal("cause not preserved")
			}
			if len(tt.store.profiles) != 0 {
				t.Fatal("profiles written despite failed step")
			}
			if settings.calls != 0 {
				t.Fatal("selected profile set despite failed step")
			}
		})
	}
}

func TestMigrateToAuditEventsInProfileDeletesEvents(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{serverTask("t1", "Anna Vetter")}}
	mgr := newTestManager(store, &fakeSettings{})

	next, err := mgr.StartModelMigration(context.Background(), VersionProfiles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != VersionAuditEventsInProfile {
		t.Fatalf("got version %s, want %s", next, VersionAuditEventsInProfile)
	}
	if store.auditEventsDeleted != 1 {
		t.Fatalf("audit events deleted %d times, want 1", store.auditEventsDeleted)
	}
	if len(store.profiles) != 0 {
		t.Fatal("profiles must not change in this step")
	}
}

func TestMigrateToTaskStatusAdvancesMarkerOnly(t *testing.T) {
	store := &fakeStore{}
	mgr := newTestManager(store, &fakeSettings{})

	next, err := mgr.StartModelMigration(context.Background(), VersionAuditEventsInProfile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next != VersionTaskStatus {
		t.Fatalf("got version %s, want %s", next, VersionTaskStatus)
	}
	if store.auditEventsDeleted != 0 || len(store.profiles) != 0 || len(store.reset) != 0 {
		t.Fatal("task status step must not touch stored data")
	}
}

type fakeVersionStore struct {
	version ModelVersion
	err     error
}

func (s *fakeVersionStore) CurrentModelVersion(ctx context.Context) (ModelVersion, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.version, nil
}

func (s *fakeVersionStore) SetModelVersion(ctx context.Context, v ModelVersion) error {
	s.version = v
	return nil
}

func TestRunMigratesToLatest(t *testing.T) {
	store := &fakeStore{tasks: []erx.Task{serverTask("t1", "Anna Vetter")}}
	versions := &fakeVersionStore{version: VersionFlatTasks}
	mgr := newTestManager(store, &fakeSettings{})

	if err := Run(context.Background(), mgr, versions, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if versions.version != VersionTaskStatus {
		t.Fatalf("stored version = %s, want %s", versions.version, VersionTaskStatus)
	}
}

func TestRunFailsWhenVersionUnreadable(t *testing.T) {
	versions := &fakeVersionStore{err: errors.New("corrupt marker")}
	mgr := newTestManager(&fakeStore{}, &fakeSettings{})

	err := Run(context.Background(), mgr, versions, nil)
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Kind != KindInitialization {
		t.Fatalf("expected initialization StoreError, got %v", err)
	}
}
