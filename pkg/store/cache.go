/*
 * Copyright (c) 2021. Ant Financial. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store caches resolved layout.Probe results, keyed by the
// kernel release and build-id a dump reports. Probing a kernel's struct
// layout means trying a sequence of member lookups against the debug
// info, some of which legitimately fail before the right variant is
// found; caching the resolved Probe lets repeat runs against the same
// kernel build skip that whole sequence.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/layout"
)

const cacheFileName = "probes.db"

var probesBucket = []byte("probes")

// probeKey identifies one probed kernel build.
func probeKey(release, buildID string) string {
	if buildID == "" {
		return release
	}
	return release + "/" + buildID
}

// ProbeCache persists layout.Probe results across invocations so repeat
// runs against the same kernel build skip re-probing its debug info.
type ProbeCache struct {
	db *bolt.DB
}

// Open creates or opens the cache database under dir.
func Open(dir string) (*ProbeCache, error) {
	if err := ensureDirectory(dir); err != nil {
		return nil, err
	}

	f := filepath.Join(dir, cacheFileName)
	db, err := bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second * 4})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", f)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(probesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize probes bucket")
	}

	return &ProbeCache{db: db}, nil
}

func ensureDirectory(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0700)
	}
	return nil
}

// Close releases the underlying database file.
func (c *ProbeCache) Close() error {
	return errors.Wrap(c.db.Close(), "close probe cache")
}

// Get returns the cached Probe for a kernel release/build-id, or
// errdefs.ErrNotFound if nothing is cached for it yet.
func (c *ProbeCache) Get(release, buildID string) (*layout.Probe, error) {
	var p layout.Probe
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(probesBucket)
		value := bucket.Get([]byte(probeKey(release, buildID)))
		if value == nil {
			return errdefs.ErrNotFound
		}
		return json.Unmarshal(value, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Put stores a resolved Probe for later reuse, overwriting any prior
// entry for the same kernel release/build-id.
func (c *ProbeCache) Put(release, buildID string, p *layout.Probe) error {
	value, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal probe")
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(probesBucket)
		return bucket.Put([]byte(probeKey(release, buildID)), value)
	})
}
