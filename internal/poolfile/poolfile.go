// Copyright (c) 2026 the ltfsdmd authors. All rights reserved.
// SPDX-License-Identifier: MIT

// Package poolfile persists pool/cartridge membership to a plain text
// file, rewritten atomically on every change so pool membership survives a
// daemon restart without needing a database migration.
package poolfile

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"

	"github.com/ltfsdm/ltfsdmd/internal/core"
	"github.com/ltfsdm/ltfsdmd/internal/inventory"
)

// Load reads pool/tape pairs from path ("pool\ttape" per line) into inv.
// A missing file is not an error: a fresh daemon starts with no pools.
// Load is safe to call against an inventory that already has some or all
// of this membership (e.g. a "retrieve" reload): a pool or membership
// already present is left as-is rather than reported as an error.
func Load(path string, inv *inventory.Inventory) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "poolfile: open")
	}
	defer f.Close()

	pools := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		pool := parts[0]
		if !pools[pool] {
			if err := inv.PoolCreate(pool); err != nil && err != core.ErrPoolExists {
				return errors.Wrapf(err, "poolfile: creating pool %q", pool)
			}
			pools[pool] = true
		}
		if len(parts) == 2 && parts[1] != "" {
			if err := inv.PoolAdd(pool, parts[1]); err != nil && err != core.ErrTapeExistsInPool {
				return errors.Wrapf(err, "poolfile: adding %q to %q", parts[1], pool)
			}
		}
	}
	return sc.Err()
}

// Save rewrites path with inv's current pool membership (via
// Inventory.WritePools), writing to a temp file and renaming over path so a
// crash mid-write never corrupts it.
func Save(path string, inv *inventory.Inventory) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "poolfile: create temp")
	}

	w := bufio.NewWriter(f)
	if err := inv.WritePools(w); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "poolfile: write")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrap(err, "poolfile: flush")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "poolfile: close")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "poolfile: rename")
	}
	return nil
}

// Dir ensures the directory containing path exists.
func Dir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

var poolsBucket = []byte("pools")

// Cache is a boltdb-backed mirror of pool membership. The plain text file
// written by Save remains the source of truth; Cache only exists so a
// rescan can recover "which pool is this tape in" without re-parsing and
// re-tokenizing the whole text file on every inventorize pass. It is
// rebuilt from the in-memory inventory at startup and kept in sync with
// PoolCreate/PoolAdd/PoolRemove as the daemon runs.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the boltdb file at path.
func OpenCache(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "poolfile: opening cache")
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(poolsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "poolfile: creating cache bucket")
	}
	return &Cache{db: db}, nil
}

// Rebuild discards whatever the cache currently holds and repopulates it
// from inv, one entry per pool (tape IDs joined with "\n").
func (c *Cache) Rebuild(inv *inventory.Inventory) error {
	pools := inv.Pools()
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(poolsBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucket(poolsBucket)
		if err != nil {
			return err
		}
		for _, pool := range pools {
			tapes, err := inv.PoolTapes(pool)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(pool), []byte(strings.Join(tapes, "\n"))); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tapes returns the cached tape list for pool, and whether pool is known
// to the cache at all.
func (c *Cache) Tapes(pool string) (tapes []string, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(poolsBucket).Get([]byte(pool))
		if v == nil {
			return nil
		}
		ok = true
		if len(bytes.TrimSpace(v)) == 0 {
			return nil
		}
		tapes = strings.Split(string(v), "\n")
		return nil
	})
	return tapes, ok, err
}

// Close releases the underlying boltdb file.
func (c *Cache) Close() error {
	return c.db.Close()
}
