// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/registry"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockCoordinator records pause/resume traffic and can be told to fail.
type mockCoordinator struct {
	mu         sync.Mutex
	calls      []string
	pauseErr   map[string]error
	reconciles int
}

func (c *mockCoordinator) PauseForBackup(_ context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "pause "+service)
	if err := c.pauseErr[service]; err != nil {
		return err
	}
	return nil
}

func (c *mockCoordinator) ResumeFromBackup(_ context.Context, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "resume "+service)
	return nil
}

func (c *mockCoordinator) ForceReconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconciles++
}

func (c *mockCoordinator) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// newTestManager builds a manager over a throwaway registry with one
// volume-backed service.
func newTestManager(t *testing.T, specs map[string]config.ServiceSpec) (*Manager, *registry.Registry, *mockCoordinator) {
	t.Helper()
	store, err := registry.OpenStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	reg, err := registry.NewRegistry(store, discard())
	require.NoError(t, err)
	reg.SetCatalog(specs)

	coord := &mockCoordinator{pauseErr: map[string]error{}}
	mgr := NewManager(Options{
		Registry:    reg,
		Coordinator: coord,
		Config:      config.BackupConfig{Dir: t.TempDir()},
		Logger:      discard(),
	})
	return mgr, reg, coord
}

func volumeSpec(t *testing.T, name string, files map[string]string) (config.ServiceSpec, string) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	}
	return config.ServiceSpec{
		Name:    name,
		Image:   "postgres:16",
		Volumes: []string{root + ":/data"},
	}, root
}

func TestBackupPausesSnapshotsResumes(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"pg/base.dat": "v1"})
	mgr, _, coord := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	rec, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	assert.Equal(t, []string{"pause db", "resume db"}, coord.recorded())
	assert.Equal(t, []string{"db"}, rec.Services)
	assert.True(t, rec.Verified)
	assert.Empty(t, rec.BaseID)
	assert.Greater(t, rec.PayloadBytes, int64(0))
	assert.FileExists(t, rec.ArchivePath)
	assert.Contains(t, rec.Manifest, "volumes/db/0/pg/base.dat")
	assert.Contains(t, rec.Manifest, "services/db/spec.yaml")
}

func TestSecondBackupWithoutWritesIsNearEmpty(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{
		"pg/base.dat": "v1",
		"pg/wal.dat":  "wal-segment-contents",
	})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	first, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)
	second, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.BaseID)
	assert.Zero(t, second.PayloadBytes)
	assert.Equal(t, first.Manifest["volumes/db/0/pg/base.dat"],
		second.Manifest["volumes/db/0/pg/base.dat"])
}

func TestIncrementalBackupCarriesOnlyChanges(t *testing.T) {
	spec, root := volumeSpec(t, "db", map[string]string{
		"base.dat": "unchanged",
		"wal.dat":  "old",
	})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	first, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "wal.dat"), []byte("new-segment"), 0o640))
	second, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	assert.Equal(t, int64(len("new-segment")), second.PayloadBytes)
	assert.NotEqual(t, first.Manifest["volumes/db/0/wal.dat"],
		second.Manifest["volumes/db/0/wal.dat"])
	assert.Equal(t, first.Manifest["volumes/db/0/base.dat"],
		second.Manifest["volumes/db/0/base.dat"])
}

func TestBackupFailureResumesEverything(t *testing.T) {
	dbSpec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	webSpec, _ := volumeSpec(t, "web", map[string]string{"b": "2"})
	mgr, reg, coord := newTestManager(t, map[string]config.ServiceSpec{
		"db": dbSpec, "web": webSpec,
	})
	coord.pauseErr["web"] = errors.New("engine timeout")

	_, err := mgr.Backup(context.Background(), []string{"db", "web"})
	require.Error(t, err)

	// db was paused before web failed; compensation resumed it.
	calls := coord.recorded()
	assert.Contains(t, calls, "pause db")
	assert.Contains(t, calls, "resume db")

	recs, err := reg.Backups()
	require.NoError(t, err)
	assert.Empty(t, recs, "failed backup must not leave a record")
}

func TestBackupCancellationStillResumes(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, reg, coord := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mgr.Backup(ctx, []string{"db"})
	require.Error(t, err)
	assert.NotContains(t, coord.recorded(), "pause db")

	recs, err := reg.Backups()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBackupUnknownServiceRejected(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	_, err := mgr.Backup(context.Background(), []string{"ghost"})
	require.ErrorIs(t, err, registry.ErrUnknownService)
}

func TestBackupEmptySetCoversEnabledServices(t *testing.T) {
	enabled, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	off := false
	disabled, _ := volumeSpec(t, "web", map[string]string{"b": "2"})
	disabled.Enabled = &off
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{
		"db": enabled, "web": disabled,
	})

	rec, err := mgr.Backup(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"db"}, rec.Services)
}

func TestRestoreRoundTrip(t *testing.T) {
	spec, root := volumeSpec(t, "db", map[string]string{
		"pg/base.dat": "original",
		"pg/conf":     "shared_buffers=128MB",
	})
	mgr, _, coord := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	rec, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	// Corrupt and add junk after the snapshot.
	require.NoError(t, os.WriteFile(filepath.Join(root, "pg/base.dat"), []byte("corrupted"), 0o640))
	require.NoError(t, os.WriteFile(filepath.Join(root, "junk"), []byte("x"), 0o640))

	require.NoError(t, mgr.Restore(context.Background(), rec.ID, nil))

	got, err := os.ReadFile(filepath.Join(root, "pg/base.dat"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
	got, err = os.ReadFile(filepath.Join(root, "pg/conf"))
	require.NoError(t, err)
	assert.Equal(t, "shared_buffers=128MB", string(got))
	assert.NoFileExists(t, filepath.Join(root, "junk"))

	coord.mu.Lock()
	reconciles := coord.reconciles
	coord.mu.Unlock()
	assert.Equal(t, 1, reconciles)
}

func TestRestoreWalksIncrementalChain(t *testing.T) {
	spec, root := volumeSpec(t, "db", map[string]string{
		"base.dat": "kept-from-full",
		"wal.dat":  "old",
	})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	_, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "wal.dat"), []byte("new"), 0o640))
	second, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(root))
	require.NoError(t, mgr.Restore(context.Background(), second.ID, nil))

	// base.dat only exists in the full archive, wal.dat in the delta.
	got, err := os.ReadFile(filepath.Join(root, "base.dat"))
	require.NoError(t, err)
	assert.Equal(t, "kept-from-full", string(got))
	got, err = os.ReadFile(filepath.Join(root, "wal.dat"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestRestoreRejectsUncoveredService(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	rec, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	err = mgr.Restore(context.Background(), rec.ID, []string{"web"})
	require.ErrorIs(t, err, ErrNotCovered)
}

func TestRestoreUnknownRecord(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, _, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})

	err := mgr.Restore(context.Background(), "nope", nil)
	require.ErrorIs(t, err, registry.ErrBackupNotFound)
}

func TestCleanOldKeepsChainBases(t *testing.T) {
	spec, root := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, reg, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})
	mgr.retention = time.Hour

	full, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("2"), 0o640))
	delta, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	// Age the full backup past retention. The delta still builds on it,
	// so it must survive cleanup.
	aged := full
	aged.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, reg.DeleteBackup(full.ID))
	require.NoError(t, reg.AppendBackup(aged))

	removed, err := mgr.CleanOld(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	_, err = reg.Backup(full.ID)
	require.NoError(t, err)
	_, err = reg.Backup(delta.ID)
	require.NoError(t, err)
}

func TestCleanOldRemovesExpiredLeaves(t *testing.T) {
	spec, _ := volumeSpec(t, "db", map[string]string{"a": "1"})
	mgr, reg, _ := newTestManager(t, map[string]config.ServiceSpec{"db": spec})
	mgr.retention = time.Hour

	rec, err := mgr.Backup(context.Background(), []string{"db"})
	require.NoError(t, err)

	aged := rec
	aged.CreatedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, reg.DeleteBackup(rec.ID))
	require.NoError(t, reg.AppendBackup(aged))

	removed, err := mgr.CleanOld(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, rec.ArchivePath)
	_, err = reg.Backup(rec.ID)
	require.ErrorIs(t, err, registry.ErrBackupNotFound)
}
