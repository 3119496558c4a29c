// Copyright 2026 The boothelperd Authors
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Package state persists per-volume bookkeeping across a daemon
// restart: each volume's consecutive failure count, which the watcher
// reads and writes, and a flag for whether owners are disabled on
// unlock, which the lock arbiter does not use (it keeps its lock
// bookkeeping in memory). It plays
// the role an LMDB-backed store would, rebuilt atop bbolt (see
// DESIGN.md for why).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DBName is the bbolt file created under a configured state directory.
const DBName = "boothelperd.db"

var bucketName = []byte("volumes")

// VolumeState is the per-volume record persisted across restarts.
type VolumeState struct {
	ErrCount              int  `json:"errCount"`
	DisableOwnersOnUnlock bool `json:"disableOwnersOnUnlock"`
}

// Store is a small bbolt-backed key-value store keyed by volume UUID.
type Store struct {
	db *bolt.DB
}

// Open creates (if needed) dir and opens the bbolt database inside it,
// creating the volumes bucket on first use.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "state: creating %s", dir)
	}
	db, err := bolt.Open(filepath.Join(dir, DBName), 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "state: opening database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "state: creating bucket")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return errors.Wrap(s.db.Close(), "state: closing database")
}

// Get returns the record for volumeUUID, or the zero VolumeState if
// there isn't one yet.
func (s *Store) Get(volumeUUID string) (VolumeState, error) {
	var st VolumeState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName).Get([]byte(volumeUUID))
		if b == nil {
			return nil
		}
		return json.Unmarshal(b, &st)
	})
	if err != nil {
		return VolumeState{}, errors.Wrapf(err, "state: reading %s", volumeUUID)
	}
	return st, nil
}

// Put replaces the record for volumeUUID.
func (s *Store) Put(volumeUUID string, st VolumeState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "state: encoding record")
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(volumeUUID), body)
	})
	return errors.Wrapf(err, "state: writing %s", volumeUUID)
}

// Delete removes volumeUUID's record, e.g. once its volume is no
// longer watched.
func (s *Store) Delete(volumeUUID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(volumeUUID))
	})
	return errors.Wrapf(err, "state: deleting %s", volumeUUID)
}
