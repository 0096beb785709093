// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package downloads implements the durable download tracker backing
// the --db-path flag: a record per in-progress or completed model
// download. No pure-Go SQLite driver fit the dependency set already on
// hand, so this is built on the embedded KV store, badger, instead.
//
// badgerstore.go is the general-purpose managed-DB wrapper (open,
// transaction helpers, garbage collection); tracker.go builds the
// download-record domain logic on top of it.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config controls how a DB is opened.
type Config struct {
	InMemory          bool
	Path              string
	SyncWrites        bool
	NumVersionsToKeep int
	GCInterval        time.Duration
	GCDiscardRatio    float64
}

// DefaultConfig is tuned for a durable on-disk store: synchronous
// writes, single-version keys, and periodic value-log GC.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		NumVersionsToKeep: 1,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
	}
}

// InMemoryConfig is for tests: no sync, no GC (nothing to reclaim).
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
		GCInterval: 0,
	}
}

// DB wraps a *badger.DB with context-aware transaction helpers.
type DB struct {
	bdb *badger.DB
}

// Open opens a DB per cfg. Persistent mode requires a non-empty Path.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("downloads: path is required for a persistent database")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts = opts.WithInMemory(cfg.InMemory)
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(nil)
	if cfg.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(cfg.NumVersionsToKeep)
	}

	return badger.Open(opts)
}

// OpenInMemory opens a throwaway in-memory database, for tests.
func OpenInMemory() (*badger.DB, error) {
	return Open(InMemoryConfig())
}

// OpenWithPath opens a persistent database at dir with default tuning.
func OpenWithPath(dir string) (*badger.DB, error) {
	cfg := DefaultConfig()
	cfg.Path = dir
	return Open(cfg)
}

// OpenDB opens a DB per cfg and wraps it with the managed transaction
// helpers. Callers wanting periodic GC start one explicitly with
// NewGCRunner against cfg.GCInterval/GCDiscardRatio.
func OpenDB(cfg Config) (*DB, error) {
	bdb, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	db := &DB{bdb: bdb}
	return db, nil
}

// Close closes the underlying badger database.
func (d *DB) Close() error { return d.bdb.Close() }

// Raw exposes the underlying *badger.DB for callers needing direct
// transaction access (e.g. the GC runner).
func (d *DB) Raw() *badger.DB { return d.bdb }

// WithTxn runs fn inside a read-write transaction, honoring ctx
// cancellation before starting the transaction.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("downloads: context cancelled: %w", err)
	}
	return d.bdb.Update(fn)
}

// WithReadTxn runs fn inside a read-only transaction, honoring ctx
// cancellation before starting the transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("downloads: context cancelled: %w", err)
	}
	return d.bdb.View(fn)
}

// GCRunner periodically reclaims badger value-log space.
type GCRunner struct {
	db           *DB
	interval     time.Duration
	discardRatio float64
	onError      func(error)

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewGCRunner validates its arguments and builds a stopped GCRunner;
// call Start to begin the periodic loop.
func NewGCRunner(db *DB, interval time.Duration, discardRatio float64, onError func(error)) (*GCRunner, error) {
	if db == nil {
		return nil, errors.New("downloads: db must not be nil")
	}
	if interval <= 0 {
		return nil, errors.New("downloads: interval must be positive")
	}
	if discardRatio <= 0 || discardRatio > 1 {
		return nil, errors.New("downloads: ratio must be between 0 and 1")
	}
	return &GCRunner{db: db, interval: interval, discardRatio: discardRatio, onError: onError}, nil
}

// Start launches the GC loop in the background.
func (g *GCRunner) Start() {
	g.stop = make(chan struct{})
	g.done = make(chan struct{})
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				err := g.db.Raw().RunValueLogGC(g.discardRatio)
				if err != nil && !errors.Is(err, badger.ErrNoRewrite) && g.onError != nil {
					g.onError(err)
				}
			}
		}
	}()
}

// Stop ends the GC loop and waits for it to exit. Safe to call once;
// a second call is a no-op.
func (g *GCRunner) Stop() {
	g.once.Do(func() {
		if g.stop != nil {
			close(g.stop)
		}
		if g.done != nil {
			<-g.done
		}
	})
}

// TempDir creates a fresh temp directory with the given prefix, for
// use as a persistent badger path in tests.
func TempDir(prefix string) (string, error) {
	return os.MkdirTemp("", prefix)
}

// CleanupDir removes dir and everything under it. A no-op on an empty
// path so defer CleanupDir(dir) is always safe to write.
func CleanupDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
