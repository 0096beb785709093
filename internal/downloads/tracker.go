// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package downloads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Status is a download's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record tracks one HuggingFace Hub model file download, grounded on
// the original hub_downloads table: a model id, a destination file,
// a byte-progress checkpoint, and a completion marker so a restarted
// server can resume or skip already-fetched files.
type Record struct {
	ID              int64     `json:"id"`
	ModelID         string    `json:"model_id"`
	Filename        string    `json:"filename"`
	DestPath        string    `json:"dest_path"`
	FileSize        int64     `json:"file_size"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	Status          Status    `json:"status"`
	ETag            string    `json:"etag,omitempty"`
	DownloadedAt    time.Time `json:"downloaded_at"`
}

// Tracker persists download records in a badger DB.
type Tracker struct {
	db *DB
}

// NewTracker wraps an already-open DB with the download-record
// domain operations.
func NewTracker(db *DB) *Tracker {
	return &Tracker{db: db}
}

const (
	seqKey        = "downloads:seq"
	recordPrefix  = "downloads:record:"
	pendingPrefix = "downloads:pending:"
)

func recordKey(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recordPrefix, id))
}

func pendingKey(modelID, filename, destPath string) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%s\x00%s", pendingPrefix, modelID, filename, destPath))
}

// Start records a new in-progress download, replacing any earlier
// in-progress record for the same model/filename/destination (mirrors
// the original's INSERT OR REPLACE on starting a download). Completed
// records for the same triple are kept.
func (t *Tracker) Start(ctx context.Context, modelID, filename, destPath string, fileSize int64, etag string) (*Record, error) {
	var rec Record
	err := t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if item, err := txn.Get(pendingKey(modelID, filename, destPath)); err == nil {
			oldKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(oldKey); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		id, err := nextSeq(txn)
		if err != nil {
			return err
		}
		rec = Record{
			ID:           id,
			ModelID:      modelID,
			Filename:     filename,
			DestPath:     destPath,
			FileSize:     fileSize,
			Status:       StatusPending,
			ETag:         etag,
			DownloadedAt: time.Now(),
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return txn.Set(pendingKey(modelID, filename, destPath), recordKey(id))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateProgress updates the byte checkpoint for an in-progress download.
func (t *Tracker) UpdateProgress(ctx context.Context, id int64, bytesDownloaded int64) error {
	return t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.BytesDownloaded = bytesDownloaded
		return putRecord(txn, *rec)
	})
}

// Complete marks a download finished, recording the final file size.
func (t *Tracker) Complete(ctx context.Context, id int64, fileSize int64) error {
	return t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Status = StatusCompleted
		rec.FileSize = fileSize
		rec.BytesDownloaded = fileSize
		rec.DownloadedAt = time.Now()
		if err := putRecord(txn, *rec); err != nil {
			return err
		}
		return txn.Delete(pendingKey(rec.ModelID, rec.Filename, rec.DestPath))
	})
}

// FindPending looks up an in-progress download for the given
// model/filename/destination triple, returning (nil, nil) if none.
func (t *Tracker) FindPending(ctx context.Context, modelID, filename, destPath string) (*Record, error) {
	var rec *Record
	err := t.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(pendingKey(modelID, filename, destPath))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		recItem, err := txn.Get(key)
		if err != nil {
			return err
		}
		return recItem.Value(func(val []byte) error {
			var r Record
			if err := json.Unmarshal(val, &r); err != nil {
				return err
			}
			rec = &r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns every download record, newest first.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	var records []Record
	err := t.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			if err := item.Value(func(val []byte) error {
				var r Record
				if err := json.Unmarshal(val, &r); err != nil {
					return err
				}
				records = append(records, r)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].DownloadedAt.Equal(records[j].DownloadedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].DownloadedAt.After(records[j].DownloadedAt)
	})
	return records, nil
}

// DeleteByIDs removes the named download records.
func (t *Tracker) DeleteByIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := txn.Delete(recordKey(id)); err != nil {
				return err
			}
			if rec.Status == StatusPending {
				if err := txn.Delete(pendingKey(rec.ModelID, rec.Filename, rec.DestPath)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putRecord(txn *badger.Txn, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(rec.ID), b)
}

func getRecord(txn *badger.Txn, id int64) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if err != nil {
		return nil, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nextSeq(txn *badger.Txn) (int64, error) {
	var next int64 = 1
	item, err := txn.Get([]byte(seqKey))
	if err == nil {
		if err := item.Value(func(val []byte) error {
			var cur int64
			if err := json.Unmarshal(val, &cur); err != nil {
				return err
			}
			next = cur + 1
			return nil
		}); err != nil {
			return 0, err
		}
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return 0, err
	}
	if err := txn.Set([]byte(seqKey), b); err != nil {
		return 0, err
	}
	return next, nil
}
