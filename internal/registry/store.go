// Copyright (C) 2025 Homie OS Project
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrBackupNotFound means no record exists with the given id.
	ErrBackupNotFound = errors.New("backup record not found")
)

// Store persists ServiceState and BackupRecord across process restarts.
type Store interface {
	SaveState(st ServiceState) error
	LoadStates() ([]ServiceState, error)
	DeleteState(name string) error

	AppendBackup(rec BackupRecord) error
	ListBackups() ([]BackupRecord, error)
	GetBackup(id string) (BackupRecord, error)
	DeleteBackup(id string) error

	Close() error
}

// Key layout. States are replaced in place; backup records are
// append-only (AppendBackup refuses to overwrite).
const (
	statePrefix  = "state/"
	backupPrefix = "backup/"
)

// StoreConfig configures the embedded database.
type StoreConfig struct {
	// Dir is the database directory. Created if missing. Ignored when
	// InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites trades write latency for durability. On by default in
	// production; the supervisor writes a few records per second at
	// most, so the cost is negligible.
	SyncWrites bool

	Logger *slog.Logger
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// # Description
//
// One database holds both keyspaces, state/<name> and backup/<id>,
// values JSON-encoded. Badger gives crash-safe local persistence with
// sub-millisecond access, which is all a single-host supervisor needs;
// there is no server to run and nothing to configure beyond a
// directory.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	log    *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// badgerLogger adapts slog to badger's logger interface.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// OpenStore opens (or creates) the embedded database.
func OpenStore(cfg StoreConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("store directory is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		log:    cfg.Logger,
		stopGC: make(chan struct{}),
		doneGC: make(chan struct{}),
	}
	if cfg.InMemory {
		close(s.doneGC)
	} else {
		go s.runGC()
	}
	return s, nil
}

// OpenStoreInMemory opens a throwaway in-memory store for tests.
func OpenStoreInMemory() (*BadgerStore, error) {
	return OpenStore(StoreConfig{InMemory: true})
}

// runGC runs value-log garbage collection until Close.
func (s *BadgerStore) runGC() {
	defer close(s.doneGC)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.log != nil {
				s.log.Warn("store GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	select {
	case <-s.stopGC:
	default:
		close(s.stopGC)
	}
	<-s.doneGC
	return s.db.Close()
}

// SaveState persists one service state, replacing any previous value.
func (s *BadgerStore) SaveState(st ServiceState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", st.Name, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statePrefix+st.Name), data)
	})
}

// LoadStates returns every persisted service state.
func (s *BadgerStore) LoadStates() ([]ServiceState, error) {
	var out []ServiceState
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(statePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var st ServiceState
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &st)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

// DeleteState removes one service state. Deleting a missing key is not
// an error.
func (s *BadgerStore) DeleteState(name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(statePrefix + name))
	})
}

// AppendBackup persists a new record. Overwriting an existing id is
// refused; records are append-only.
func (s *BadgerStore) AppendBackup(rec BackupRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode backup record %s: %w", rec.ID, err)
	}
	key := []byte(backupPrefix + rec.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("backup record %s already exists", rec.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// ListBackups returns every backup record, unordered.
func (s *BadgerStore) ListBackups() ([]BackupRecord, error) {
	var out []BackupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(backupPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec BackupRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// GetBackup returns one record by id.
func (s *BadgerStore) GetBackup(id string) (BackupRecord, error) {
	var rec BackupRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(backupPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// DeleteBackup removes one record's metadata.
func (s *BadgerStore) DeleteBackup(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(backupPrefix + id))
	})
}

var _ Store = (*BadgerStore)(nil)
