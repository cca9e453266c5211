// Copyright © 2025 the task-spooler authors.
//
//  This file is part of task-spooler.
//
//  task-spooler is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  task-spooler is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.

// Package store persists the engine's job tables to disk with bbolt, the
// same embedded-database approach the teacher's Server describes ("we need
// to persist stuff to disk, and we do so using boltdb") even though the
// retrieved subset of that server doesn't carry the DB glue itself. It
// implements engine.Store directly: two top-level buckets, "Jobs" and
// "Finished", each keyed by an 8-byte big-endian job id.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/kylincaster/task-spooler/engine"
)

// DB wraps a bbolt database opened against a single file, exposing the
// engine.Store surface the engine mirrors every structural change to.
type DB struct {
	bolt *bolt.DB
}

// Open creates (if needed) the parent directory and opens path, creating the
// Jobs and Finished buckets on first use.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating directory: %w", err)
		}
	}
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db := &DB{bolt: b}
	if err := db.bolt.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{engine.TableJobs, engine.TableFinished} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("store: creating buckets: %w", err)
	}
	return db, nil
}

// Close releases the underlying bbolt file handle.
func (d *DB) Close() error { return d.bolt.Close() }

func idKey(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// Insert writes a new record. bbolt's Put is already an upsert, so Insert
// and InsertOrReplace share an implementation; the two names exist on
// engine.Store to mirror the distinct jobs.c call sites (a brand new job vs.
// a state-machine rewrite of an existing one).
func (d *DB) Insert(table string, id int64, data []byte) error {
	return d.put(table, id, data)
}

// InsertOrReplace overwrites an existing record (or creates one).
func (d *DB) InsertOrReplace(table string, id int64, data []byte) error {
	return d.put(table, id, data)
}

func (d *DB) put(table string, id int64, data []byte) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", table)
		}
		return b.Put(idKey(id), data)
	})
}

// Delete removes a record; deleting an absent key is not an error, matching
// bolt.Bucket.Delete's own semantics.
func (d *DB) Delete(table string, id int64) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", table)
		}
		return b.Delete(idKey(id))
	})
}

// ReadAllIDs returns every key in table, in ascending id order (bbolt
// iterates keys in byte order, which matches numeric order for big-endian
// encoded ids).
func (d *DB) ReadAllIDs(table string) ([]int64, error) {
	var ids []int64
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", table)
		}
		return b.ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return nil
			}
			ids = append(ids, int64(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return ids, err
}

// ReadByID returns the raw record for id, or nil if absent.
func (d *DB) ReadByID(table string, id int64) ([]byte, error) {
	var data []byte
	err := d.bolt.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", table)
		}
		if v := b.Get(idKey(id)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	return data, err
}

var _ engine.Store = (*DB)(nil)
