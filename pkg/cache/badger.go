// Copyright 2024 Nokia
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/openconfig/gnmi/proto/gnmi"
	log "github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

const snapshotPrefix = "snapshot/"

type badgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens, or creates, the badger database in dir.
func NewBadgerCache(dir string) (Client, error) {
	if dir == "" {
		return nil, errors.New("badger cache needs a directory")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	log.Infof("startup store opened in %s", dir)
	return &badgerCache{db: db}, nil
}

func (c *badgerCache) Read(_ context.Context, name string) (*gnmi.Notification, error) {
	var b []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + name))
		if err != nil {
			return err
		}
		b, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n := new(gnmi.Notification)
	if err := proto.Unmarshal(b, n); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", name, err)
	}
	return n, nil
}

func (c *badgerCache) Write(_ context.Context, name string, n *gnmi.Notification) error {
	b, err := proto.Marshal(n)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+name), b)
	})
}

func (c *badgerCache) Delete(_ context.Context, name string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotPrefix + name))
	})
}

func (c *badgerCache) List(_ context.Context) ([]string, error) {
	var names []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(snapshotPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), snapshotPrefix))
		}
		return nil
	})
	return names, err
}

func (c *badgerCache) Close() error {
	return c.db.Close()
}

// badgerLogger routes badger's logging into logrus, its info chatter at
// debug level.
type badgerLogger struct {
	*log.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
