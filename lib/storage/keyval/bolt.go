/*
Copyright 2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keyval

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/defaults"
	"github.com/ky-rafaels/chainguard-nodes-k8s/lib/storage"

	"github.com/boltdb/bolt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// NewBolt returns new BoltDB-backed engine
func NewBolt(cfg BoltConfig) (storage.Backend, error) {
	err := cfg.CheckAndSetDefaults()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	engine, err := newBolt(cfg, &jsonCodec{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &backend{
		Clock:    clock,
		kvengine: engine,
	}, nil
}

// BoltConfig is a BoltDB configuration
type BoltConfig struct {
	// Path is a path to DB file
	Path string `json:"path"`
	// Clock is a clock interface, used in tests
	Clock clockwork.Clock `json:"-"`
	// Readonly sets bolt to read only mode
	Readonly bool `json:"readonly"`
	// Timeout is the time to wait to obtain the file lock.
	// When left unspecified, it will block for maximum of defaults.DBOpenTimeout
	Timeout time.Duration
}

// CheckAndSetDefaults validates this configuration and sets defaults
func (b *BoltConfig) CheckAndSetDefaults() error {
	if b.Path == "" {
		return trace.BadParameter("missing Path parameter")
	}
	path, err := filepath.Abs(b.Path)
	if err != nil {
		return trace.Wrap(err, "expected a valid path")
	}
	dir := filepath.Dir(path)
	s, err := os.Stat(dir)
	if err != nil {
		return trace.Wrap(err)
	}
	if !s.IsDir() {
		return trace.BadParameter("path '%v' should be a valid directory", dir)
	}
	if b.Timeout == 0 {
		b.Timeout = defaults.DBOpenTimeout
	}
	return nil
}

// blt is a BoltDB-backend engine
type blt struct {
	sync.Mutex
	logrus.FieldLogger

	codec Codec
	db    *bolt.DB
	clock clockwork.Clock
	path  string
}

// newBolt returns a new instance of BoltDB backend
func newBolt(cfg BoltConfig, codec Codec) (*blt, error) {
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	b := &blt{
		clock: cfg.Clock,
		codec: codec,
		path:  path,
		FieldLogger: logrus.WithFields(logrus.Fields{
			trace.Component: "boltdb",
			"path":          path,
		}),
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}

	err = b.open(cfg.Readonly, cfg.Timeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return b, nil
}

func (b *blt) open(readonly bool, timeout time.Duration) error {
	b.Lock()
	defer b.Unlock()
	if b.db != nil {
		return trace.AlreadyExists("database %v is already open", b.path)
	}
	db, err := bolt.Open(b.path, defaults.PrivateFileMask, &bolt.Options{
		Timeout:  timeout,
		ReadOnly: readonly,
	})
	if err != nil {
		if err == bolt.ErrTimeout {
			return trace.ConnectionProblem(err,
				"database %v is locked, is another instance running?", b.path)
		}
		return trace.Wrap(err)
	}
	b.db = db
	return nil
}

func (b *blt) Close() error {
	b.Lock()
	defer b.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return trace.Wrap(err)
}

func (b *blt) key(prefix string, keys ...string) key {
	return append([]string{"root", prefix}, keys...)
}

func (b *blt) split(key key) ([]string, string) {
	return key[:len(key)-1], key[len(key)-1]
}

func upsertBucket(tx *bolt.Tx, buckets []string) (*bolt.Bucket, error) {
	bkt, err := tx.CreateBucketIfNotExists([]byte(buckets[0]))
	if err != nil {
		return nil, trace.Wrap(boltErr(err))
	}
	for _, key := range buckets[1:] {
		bkt, err = bkt.CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return nil, trace.Wrap(boltErr(err))
		}
	}
	return bkt, nil
}

func getBucket(tx *bolt.Tx, buckets []string) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(buckets[0]))
	if bkt == nil {
		return nil, trace.NotFound("bucket %v not found", buckets[0])
	}
	for _, key := range buckets[1:] {
		bkt = bkt.Bucket([]byte(key))
		if bkt == nil {
			return nil, trace.NotFound("bucket %v not found", key)
		}
	}
	return bkt, nil
}

func (b *blt) createVal(k key, val interface{}) error {
	encoded, err := b.codec.EncodeToBytes(val)
	if err != nil {
		return trace.Wrap(err)
	}
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := upsertBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		val := bkt.Get([]byte(key))
		if val != nil {
			return trace.AlreadyExists("'%v' already exists", key)
		}
		return bkt.Put([]byte(key), encoded)
	})
}

func (b *blt) upsertVal(k key, val interface{}) error {
	encoded, err := b.codec.EncodeToBytes(val)
	if err != nil {
		return trace.Wrap(err)
	}
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := upsertBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		return bkt.Put([]byte(key), encoded)
	})
}

func (b *blt) compareAndSwap(k key, val interface{}, prevVal interface{}) error {
	encoded, err := b.codec.EncodeToBytes(val)
	if err != nil {
		return trace.Wrap(err)
	}
	var prevEncoded []byte
	if prevVal != nil {
		prevEncoded, err = b.codec.EncodeToBytes(prevVal)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := upsertBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		currentVal := bkt.Get([]byte(key))
		if prevEncoded == nil { // we don't expect the value to exist
			if currentVal != nil {
				return trace.AlreadyExists("key %q already exists", key)
			}
			return trace.Wrap(bkt.Put([]byte(key), encoded))
		}
		if currentVal == nil {
			return trace.NotFound("key %q not found", key)
		}
		if !bytes.Equal(currentVal, prevEncoded) {
			return trace.CompareFailed("expected %q got %q",
				string(prevEncoded), string(currentVal))
		}
		return trace.Wrap(bkt.Put([]byte(key), encoded))
	})
}

func (b *blt) getVal(k key, outVal interface{}) error {
	buckets, key := b.split(k)
	return b.db.View(func(tx *bolt.Tx) error {
		bkt, err := getBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		bytes := bkt.Get([]byte(key))
		if bytes == nil {
			_, err := getBucket(tx, append(buckets, key))
			if err == nil {
				return trace.BadParameter("key %q is a bucket", key)
			}
			return trace.NotFound("%v %v not found", buckets, key)
		}
		return b.codec.DecodeFromBytes(bytes, outVal)
	})
}

func (b *blt) deleteKey(k key) error {
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := getBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		if bkt.Get([]byte(key)) == nil {
			return trace.NotFound("%v is not found", key)
		}
		return bkt.Delete([]byte(key))
	})
}

// lockRecord is the value stored for an advisory lock
type lockRecord struct {
	// Expires is the time past which the lock is considered stale
	// and can be grabbed by another holder
	Expires time.Time `json:"expires"`
}

func (b *blt) tryAcquireLock(k key, ttl time.Duration) error {
	record, err := b.codec.EncodeToBytes(lockRecord{
		Expires: b.clock.Now().UTC().Add(ttl),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := upsertBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		if existing := bkt.Get([]byte(key)); existing != nil {
			var current lockRecord
			err := b.codec.DecodeFromBytes(existing, &current)
			if err != nil {
				return trace.Wrap(err)
			}
			if b.clock.Now().UTC().Before(current.Expires) {
				return trace.AlreadyExists("lock %q is already held", key)
			}
			b.Warnf("Grabbing stale lock %q expired at %v.", key, current.Expires)
		}
		return trace.Wrap(bkt.Put([]byte(key), record))
	})
}

func (b *blt) releaseLock(k key) error {
	buckets, key := b.split(k)
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := getBucket(tx, buckets)
		if err != nil {
			return trace.Wrap(err)
		}
		if bkt.Get([]byte(key)) == nil {
			return trace.NotFound("lock %q is not held", key)
		}
		return bkt.Delete([]byte(key))
	})
}

func (b *blt) getKeys(key key) ([]string, error) {
	out := []string{}
	buckets := key
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt, err := getBucket(tx, buckets)
		if err != nil {
			if trace.IsNotFound(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sort.Strings(out)
	return out, nil
}

func boltErr(err error) error {
	if err == bolt.ErrBucketNotFound {
		return trace.NotFound(err.Error())
	}
	if err == bolt.ErrBucketExists {
		return trace.AlreadyExists(err.Error())
	}
	return err
}
