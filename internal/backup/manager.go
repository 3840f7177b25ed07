// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package backup produces and restores point-in-time snapshots of
service volumes and configuration.

# Description

A backup pauses each covered service, snapshots its volume contents
and spec into one tar.gz archive, and resumes everything. The run is
all-or-nothing: any failure compensates by resuming every paused
service and discarding the partial archive, so no record ever points
at an inconsistent snapshot. Resume also runs when the caller cancels
mid-backup.

Snapshots are incremental. Each record carries a content manifest
(archive path to SHA-256 digest); files whose digest already appears
in the base record are listed in the manifest but not re-archived, and
restore walks the record chain newest-first to materialize the full
set.

# Thread Safety

Safe for concurrent use; Backup, Restore, and CleanOld serialize on
one mutex.
*/
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/homie-os/orchestrator/internal/config"
	"github.com/homie-os/orchestrator/internal/registry"
	"github.com/homie-os/orchestrator/internal/resilience"
)

var (
	// ErrNoServices means the backup resolved to an empty service set.
	ErrNoServices = errors.New("no services to back up")

	// ErrNotCovered means a restore asked for a service the record does
	// not contain.
	ErrNotCovered = errors.New("service not covered by backup")
)

// maxChainDepth bounds the base-record chain walked during restore.
const maxChainDepth = 64

// Coordinator is the pause/resume contract the supervisor exposes
// around snapshotting.
type Coordinator interface {
	PauseForBackup(ctx context.Context, service string) error
	ResumeFromBackup(ctx context.Context, service string) error
	ForceReconcile()
}

// Recorder receives backup measurements.
type Recorder interface {
	ObserveBackup(sizeBytes, payloadBytes int64, duration time.Duration, err error)
}

// NopRecorder discards measurements.
type NopRecorder struct{}

func (NopRecorder) ObserveBackup(int64, int64, time.Duration, error) {}

// Options wires a Manager.
type Options struct {
	Registry    *registry.Registry
	Coordinator Coordinator
	Config      config.BackupConfig
	Logger      *slog.Logger
	Recorder    Recorder
}

// Manager owns backup creation, restore, and retention.
type Manager struct {
	reg       *registry.Registry
	coord     Coordinator
	dir       string
	retention time.Duration
	log       *slog.Logger
	rec       Recorder

	mu sync.Mutex
}

// NewManager builds a backup manager. Config defaults are expected to
// be filled by the loader; zero retention falls back to 30 days.
func NewManager(opts Options) *Manager {
	retention := opts.Config.Retention.Std()
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	return &Manager{
		reg:       opts.Registry,
		coord:     opts.Coordinator,
		dir:       opts.Config.Dir,
		retention: retention,
		log:       opts.Logger,
		rec:       opts.Recorder,
	}
}

// =============================================================================
// Backup
// =============================================================================

// Backup snapshots the named services, or every enabled service when
// names is empty, and appends one record covering the whole set.
func (m *Manager) Backup(ctx context.Context, names []string) (registry.BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	rec, err := m.backup(ctx, names)
	m.rec.ObserveBackup(rec.SizeBytes, rec.PayloadBytes, time.Since(start), err)
	return rec, err
}

func (m *Manager) backup(ctx context.Context, names []string) (registry.BackupRecord, error) {
	names, specs, err := m.resolve(names)
	if err != nil {
		return registry.BackupRecord{}, err
	}

	id := uuid.New().String()[:13]
	archivePath := filepath.Join(m.dir, id+".tar.gz")
	base := m.latestBase(names)

	var rec registry.BackupRecord
	saga := resilience.NewSaga(resilience.SagaConfig{Logger: m.log})
	for _, name := range names {
		name := name
		saga.AddStep(resilience.SagaStep{
			Name:       "pause " + name,
			Execute:    func(ctx context.Context) error { return m.coord.PauseForBackup(ctx, name) },
			Compensate: func(ctx context.Context) error { return m.coord.ResumeFromBackup(ctx, name) },
		})
	}
	saga.AddStep(resilience.SagaStep{
		Name:    "snapshot",
		Timeout: 15 * time.Minute,
		Execute: func(ctx context.Context) error {
			var err error
			rec, err = m.snapshot(ctx, id, archivePath, names, specs, base)
			return err
		},
		Compensate: func(context.Context) error {
			return ignoreNotExist(os.Remove(archivePath))
		},
	})
	for _, name := range names {
		name := name
		saga.AddStep(resilience.SagaStep{
			Name:    "resume " + name,
			Execute: func(ctx context.Context) error { return m.coord.ResumeFromBackup(ctx, name) },
		})
	}

	if err := saga.Execute(ctx); err != nil {
		for _, cerr := range saga.CompensationErrors() {
			m.log.Error("backup compensation failed", "id", id, "error", cerr)
		}
		return registry.BackupRecord{}, fmt.Errorf("backup %s: %w", id, err)
	}

	if err := m.reg.AppendBackup(rec); err != nil {
		_ = ignoreNotExist(os.Remove(archivePath))
		return registry.BackupRecord{}, fmt.Errorf("record backup %s: %w", id, err)
	}
	m.log.Info("backup completed", "id", id, "services", names,
		"size_bytes", rec.SizeBytes, "payload_bytes", rec.PayloadBytes, "base", rec.BaseID)
	return rec, nil
}

// snapshot writes the archive and builds the record. ctx aborts the
// walk between files.
func (m *Manager) snapshot(ctx context.Context, id, archivePath string, names []string,
	specs map[string]config.ServiceSpec, base *registry.BackupRecord) (registry.BackupRecord, error) {

	w, err := newArchiveWriter(archivePath)
	if err != nil {
		return registry.BackupRecord{}, err
	}
	closed := false
	defer func() {
		if !closed {
			w.Close()
		}
	}()

	manifest := make(map[string]string)
	var payload int64

	for _, name := range names {
		spec := specs[name]

		raw, err := yaml.Marshal(spec)
		if err != nil {
			return registry.BackupRecord{}, fmt.Errorf("marshal spec %s: %w", name, err)
		}
		entry := "services/" + name + "/spec.yaml"
		digest, err := w.addBytes(entry, raw)
		if err != nil {
			return registry.BackupRecord{}, err
		}
		manifest[entry] = digest

		for i, vol := range spec.Volumes {
			root := hostPath(vol)
			if _, err := os.Stat(root); err != nil {
				if os.IsNotExist(err) {
					// The container has not written anything yet.
					continue
				}
				return registry.BackupRecord{}, fmt.Errorf("volume %s: %w", root, err)
			}

			prefix := fmt.Sprintf("volumes/%s/%d/", name, i)
			err := walkFiles(root, func(rel, abs string) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				entry := prefix + rel

				if base != nil {
					_, digest, err := hashFile(abs)
					if err != nil {
						return err
					}
					if base.Manifest[entry] == digest {
						manifest[entry] = digest
						return nil
					}
				}
				n, digest, err := w.addFile(entry, abs)
				if err != nil {
					return err
				}
				manifest[entry] = digest
				payload += n
				return nil
			})
			if err != nil {
				return registry.BackupRecord{}, fmt.Errorf("snapshot %s: %w", name, err)
			}
		}
	}

	closed = true
	if err := w.Close(); err != nil {
		return registry.BackupRecord{}, err
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return registry.BackupRecord{}, err
	}

	rec := registry.BackupRecord{
		ID:           id,
		Services:     names,
		ArchivePath:  archivePath,
		SizeBytes:    info.Size(),
		PayloadBytes: payload,
		CreatedAt:    time.Now(),
		Manifest:     manifest,
	}
	if base != nil {
		rec.BaseID = base.ID
	}
	if err := verifyArchive(archivePath, manifest); err != nil {
		return registry.BackupRecord{}, fmt.Errorf("verify %s: %w", id, err)
	}
	rec.Verified = true
	return rec, nil
}

// latestBase finds the newest verified record covering every requested
// service. Nil means the snapshot is taken in full.
func (m *Manager) latestBase(names []string) *registry.BackupRecord {
	recs, err := m.reg.Backups()
	if err != nil {
		m.log.Warn("listing backups failed, taking full snapshot", "error", err)
		return nil
	}
	for i := range recs {
		if recs[i].Verified && covers(recs[i].Services, names) {
			return &recs[i]
		}
	}
	return nil
}

// =============================================================================
// Restore
// =============================================================================

// Restore replaces the volume contents of the named services, or every
// service the record covers when names is empty, then forces a
// reconciliation pass so the restored containers are recreated against
// the restored data.
func (m *Manager) Restore(ctx context.Context, backupID string, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.reg.Backup(backupID)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		names = rec.Services
	}
	for _, name := range names {
		if !covers(rec.Services, []string{name}) {
			return fmt.Errorf("%w: %s not in backup %s", ErrNotCovered, name, backupID)
		}
		if _, ok := m.reg.Spec(name); !ok {
			return fmt.Errorf("%w: %s", registry.ErrUnknownService, name)
		}
	}

	chain, err := m.chain(rec)
	if err != nil {
		return err
	}
	want, roots, err := m.restoreTargets(rec, names)
	if err != nil {
		return err
	}

	saga := resilience.NewSaga(resilience.SagaConfig{Logger: m.log})
	for _, name := range names {
		name := name
		saga.AddStep(resilience.SagaStep{
			Name:       "pause " + name,
			Execute:    func(ctx context.Context) error { return m.coord.PauseForBackup(ctx, name) },
			Compensate: func(ctx context.Context) error { return m.coord.ResumeFromBackup(ctx, name) },
		})
	}
	saga.AddStep(resilience.SagaStep{
		Name:    "replace volumes",
		Timeout: 15 * time.Minute,
		Execute: func(ctx context.Context) error {
			for _, root := range roots {
				if err := os.RemoveAll(root); err != nil {
					return err
				}
				if err := os.MkdirAll(root, 0o750); err != nil {
					return err
				}
			}
			for _, archive := range chain {
				if len(want) == 0 {
					break
				}
				if err := extractMatching(archive, want); err != nil {
					return err
				}
			}
			if len(want) > 0 {
				missing := make([]string, 0, len(want))
				for entry := range want {
					missing = append(missing, entry)
				}
				sort.Strings(missing)
				return fmt.Errorf("archive chain missing %d entries, first %s",
					len(missing), missing[0])
			}
			return nil
		},
	})
	for _, name := range names {
		name := name
		saga.AddStep(resilience.SagaStep{
			Name:    "resume " + name,
			Execute: func(ctx context.Context) error { return m.coord.ResumeFromBackup(ctx, name) },
		})
	}

	if err := saga.Execute(ctx); err != nil {
		for _, cerr := range saga.CompensationErrors() {
			m.log.Error("restore compensation failed", "backup", backupID, "error", cerr)
		}
		return fmt.Errorf("restore %s: %w", backupID, err)
	}

	m.coord.ForceReconcile()
	m.log.Info("restore completed", "backup", backupID, "services", names)
	return nil
}

// restoreTargets maps the record's volume entries onto the current
// catalog's host paths. Entries whose volume index no longer exists in
// the spec are skipped with a warning.
func (m *Manager) restoreTargets(rec registry.BackupRecord, names []string) (map[string]string, []string, error) {
	want := make(map[string]string)
	rootSet := make(map[string]struct{})

	for entry := range rec.Manifest {
		name, idx, rel, ok := parseVolumeEntry(entry)
		if !ok || !covers(names, []string{name}) {
			continue
		}
		spec, _ := m.reg.Spec(name)
		if idx >= len(spec.Volumes) {
			m.log.Warn("backup entry has no current volume, skipping",
				"service", name, "entry", entry)
			continue
		}
		root := hostPath(spec.Volumes[idx])
		want[entry] = filepath.Join(root, filepath.FromSlash(rel))
		rootSet[root] = struct{}{}
	}

	roots := make([]string, 0, len(rootSet))
	for root := range rootSet {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return want, roots, nil
}

// chain returns the archive paths from the record back through its
// bases, newest first.
func (m *Manager) chain(rec registry.BackupRecord) ([]string, error) {
	paths := []string{rec.ArchivePath}
	for depth := 0; rec.BaseID != ""; depth++ {
		if depth >= maxChainDepth {
			return nil, fmt.Errorf("backup %s: base chain too deep", rec.ID)
		}
		base, err := m.reg.Backup(rec.BaseID)
		if err != nil {
			return nil, fmt.Errorf("backup %s: base %s: %w", rec.ID, rec.BaseID, err)
		}
		paths = append(paths, base.ArchivePath)
		rec = base
	}
	return paths, nil
}

// =============================================================================
// Retention
// =============================================================================

// CleanOld removes records and archives older than the retention
// window. A record that newer records build on is kept regardless of
// age so incremental chains stay restorable. Returns the number of
// records removed.
func (m *Manager) CleanOld(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.reg.Backups()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-m.retention)

	keep := make(map[string]bool)
	byID := make(map[string]registry.BackupRecord, len(recs))
	for _, rec := range recs {
		byID[rec.ID] = rec
	}
	for _, rec := range recs {
		if !rec.CreatedAt.Before(cutoff) {
			keep[rec.ID] = true
			for base := rec.BaseID; base != "" && !keep[base]; {
				keep[base] = true
				b, ok := byID[base]
				if !ok {
					break
				}
				base = b.BaseID
			}
		}
	}

	removed := 0
	for _, rec := range recs {
		if keep[rec.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := m.reg.DeleteBackup(rec.ID); err != nil {
			return removed, err
		}
		if err := ignoreNotExist(os.Remove(rec.ArchivePath)); err != nil {
			m.log.Warn("removing backup archive failed", "id", rec.ID, "error", err)
		}
		removed++
		m.log.Info("backup expired", "id", rec.ID, "created_at", rec.CreatedAt)
	}
	return removed, nil
}

// =============================================================================
// Helpers
// =============================================================================

// resolve expands an empty name set to every enabled service and
// returns the sorted names with their specs.
func (m *Manager) resolve(names []string) ([]string, map[string]config.ServiceSpec, error) {
	specs := make(map[string]config.ServiceSpec)
	if len(names) == 0 {
		for name, spec := range m.reg.Specs() {
			if spec.IsEnabled() {
				names = append(names, name)
				specs[name] = spec
			}
		}
	} else {
		for _, name := range names {
			spec, ok := m.reg.Spec(name)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", registry.ErrUnknownService, name)
			}
			specs[name] = spec
		}
	}
	if len(names) == 0 {
		return nil, nil, ErrNoServices
	}
	sort.Strings(names)
	return names, specs, nil
}

// covers reports whether set contains every wanted name.
func covers(set, wanted []string) bool {
	for _, w := range wanted {
		found := false
		for _, s := range set {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// parseVolumeEntry splits "volumes/<service>/<idx>/<rel>".
func parseVolumeEntry(entry string) (name string, idx int, rel string, ok bool) {
	parts := strings.SplitN(entry, "/", 4)
	if len(parts) != 4 || parts[0] != "volumes" {
		return "", 0, "", false
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, "", false
	}
	return parts[1], idx, parts[3], true
}

func ignoreNotExist(err error) error {
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
