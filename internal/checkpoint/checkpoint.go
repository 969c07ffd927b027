// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

// Package checkpoint persists the stream manager's ConnectionState so
// a process restart resumes with accurate counters and respects the
// reconnect-attempt ceiling.
//
// Writes are synchronous with respect to the state transition that
// caused them: Save returns only after the record is durable, so a
// crash cannot fall between a transition and its checkpoint.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/smartahc/receiptflow/internal/models"
)

// ErrNotFound is returned by Load when no checkpoint exists yet for
// the instance (first run).
var ErrNotFound = errors.New("checkpoint: no state recorded")

// Store is the durable get/set surface the stream manager needs.
// No cross-key transactions: one instance owns exactly one record.
type Store interface {
	// Load reads the persisted state. Returns ErrNotFound on first run.
	Load(ctx context.Context) (*models.ConnectionState, error)
	// Save durably writes the state before returning.
	Save(ctx context.Context, state *models.ConnectionState) error
	Close() error
}

const keyPrefix = "connstate:"

// BadgerStore keeps the checkpoint in an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	key    []byte
	ownsDB bool
}

// NewBadgerStore opens (or creates) the Badger database at path and
// scopes all reads/writes to the given instance name.
func NewBadgerStore(path, instanceName string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for a single-key store
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db at %s: %w", path, err)
	}
	return &BadgerStore{
		db:     db,
		key:    []byte(keyPrefix + instanceName),
		ownsDB: true,
	}, nil
}

// NewBadgerStoreWithDB wraps an existing Badger handle. The caller
// keeps ownership of the database lifecycle.
func NewBadgerStoreWithDB(db *badger.DB, instanceName string) *BadgerStore {
	return &BadgerStore{db: db, key: []byte(keyPrefix + instanceName)}
}

// Load implements Store.
func (s *BadgerStore) Load(_ context.Context) (*models.ConnectionState, error) {
	var state models.ConnectionState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get checkpoint: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Save implements Store. Badger commits are durable once Update
// returns (value log sync), which is the synchronous-write guarantee
// the stream manager relies on.
func (s *BadgerStore) Save(_ context.Context, state *models.ConnectionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Close releases the database if this store opened it.
func (s *BadgerStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// MemoryStore is an in-memory Store for tests and the dry-run mode.
type MemoryStore struct {
	mu    sync.Mutex
	state *models.ConnectionState
	// Saves counts Save calls so tests can assert synchronous
	// persistence per transition.
	saves int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context) (*models.ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, ErrNotFound
	}
	cp := *s.state
	return &cp, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, state *models.ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	s.state = &cp
	s.saves++
	return nil
}

// Saves returns the number of Save calls made.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
