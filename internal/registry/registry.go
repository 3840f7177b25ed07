// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/homie-os/orchestrator/internal/config"
)

var (
	// ErrUnknownService means the name is in neither the catalog nor
	// the persisted state set.
	ErrUnknownService = errors.New("unknown service")
)

// Registry holds the service catalog and the per-service states.
//
// # Description
//
// The catalog is swapped wholesale on configuration load or reload.
// States are created lazily, survive catalog swaps (a removed spec
// keeps its state until the supervisor finishes tearing the container
// down), and are persisted through the Store on every Update.
//
// # Thread Safety
//
// Safe for concurrent use. Update serializes writers of one service
// behind a per-service lock and publishes each new state as a fresh
// pointer swap under the registry lock. Published states are never
// mutated in place, so readers cloning under the read lock cannot
// observe a partial write.
type Registry struct {
	store Store
	log   *slog.Logger

	mu      sync.RWMutex
	catalog map[string]config.ServiceSpec
	states  map[string]*ServiceState
	locks   map[string]*sync.Mutex
}

// NewRegistry builds a registry and loads any persisted states.
func NewRegistry(store Store, log *slog.Logger) (*Registry, error) {
	r := &Registry{
		store:   store,
		log:     log,
		catalog: map[string]config.ServiceSpec{},
		states:  map[string]*ServiceState{},
		locks:   map[string]*sync.Mutex{},
	}

	persisted, err := store.LoadStates()
	if err != nil {
		return nil, fmt.Errorf("load persisted states: %w", err)
	}
	for i := range persisted {
		st := persisted[i]
		r.states[st.Name] = &st
		r.locks[st.Name] = &sync.Mutex{}
	}
	if len(persisted) > 0 {
		log.Info("recovered service states", "count", len(persisted))
	}
	return r, nil
}

// SetCatalog replaces the declared catalog. New services get a pending
// state; states of removed specs are kept so reconciliation can tear
// their containers down.
func (r *Registry) SetCatalog(specs map[string]config.ServiceSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.catalog = make(map[string]config.ServiceSpec, len(specs))
	for name, spec := range specs {
		r.catalog[name] = spec
		if _, ok := r.states[name]; !ok {
			r.states[name] = &ServiceState{Name: name, Phase: PhasePending}
			r.locks[name] = &sync.Mutex{}
		}
	}
}

// Spec returns the declared spec for a service.
func (r *Registry) Spec(name string) (config.ServiceSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.catalog[name]
	return spec, ok
}

// Specs returns a copy of the current catalog.
func (r *Registry) Specs() map[string]config.ServiceSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]config.ServiceSpec, len(r.catalog))
	for name, spec := range r.catalog {
		out[name] = spec
	}
	return out
}

// Names returns every known service name, declared or only persisted,
// sorted for deterministic iteration.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.catalog)+len(r.states))
	for name := range r.catalog {
		seen[name] = struct{}{}
	}
	for name := range r.states {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a copy of one service's state.
func (r *Registry) Get(name string) (ServiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return ServiceState{}, false
	}
	return st.Clone(), true
}

// List returns copies of all states, sorted by name.
func (r *Registry) List() []ServiceState {
	r.mu.RLock()
	out := make([]ServiceState, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update runs fn against a copy of one service's state, then publishes
// and persists the copy. The state is created in phase pending if it
// does not exist yet. fn returning an error discards the copy; nothing
// changes. A publish always precedes the persistence attempt, so a
// store failure leaves memory ahead of disk, never behind it.
func (r *Registry) Update(name string, fn func(*ServiceState) error) error {
	lock := r.lockFor(name)

	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	st, ok := r.states[name]
	if !ok {
		st = &ServiceState{Name: name, Phase: PhasePending}
		r.states[name] = st
	}
	r.mu.Unlock()

	next := st.Clone()
	if err := fn(&next); err != nil {
		return err
	}

	r.mu.Lock()
	r.states[name] = &next
	r.mu.Unlock()

	if err := r.store.SaveState(next.Clone()); err != nil {
		return fmt.Errorf("persist state for %s: %w", name, err)
	}
	return nil
}

// lockFor fetches or creates the update lock for a name. The per-name
// lock serializes Update callers; the published *ServiceState is only
// ever swapped, never mutated, so readers need no part of it.
func (r *Registry) lockFor(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	return lock
}

// Forget drops a service's state after its container is gone and its
// spec removed. No-op for unknown names.
func (r *Registry) Forget(name string) error {
	r.mu.Lock()
	delete(r.states, name)
	delete(r.locks, name)
	r.mu.Unlock()

	if err := r.store.DeleteState(name); err != nil {
		return fmt.Errorf("delete state for %s: %w", name, err)
	}
	return nil
}

// =============================================================================
// Backup Records
// =============================================================================

// AppendBackup persists one new backup record.
func (r *Registry) AppendBackup(rec BackupRecord) error {
	return r.store.AppendBackup(rec)
}

// Backups returns all records, newest first.
func (r *Registry) Backups() ([]BackupRecord, error) {
	recs, err := r.store.ListBackups()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	return recs, nil
}

// Backup returns one record by id.
func (r *Registry) Backup(id string) (BackupRecord, error) {
	return r.store.GetBackup(id)
}

// DeleteBackup removes a record. The record's archive is the backup
// manager's problem; only the metadata is deleted here.
func (r *Registry) DeleteBackup(id string) error {
	return r.store.DeleteBackup(id)
}
