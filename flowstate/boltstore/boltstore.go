// Package boltstore is a file-backed flowstate.Backend on bbolt. Flow state
// written by one process is visible to the next, which is what lets a CLI
// resume a flow after the browser redirect in a separate invocation.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
	"go.etcd.io/bbolt"
)

const FlowStateBucket = "flowstate"

type Backend struct {
	db *bbolt.DB
}

var _ flowstate.Backend = (*Backend)(nil)

// Open creates or opens the database at path, creating parent directories.
func Open(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open flow state database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(FlowStateBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create flow state bucket: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(FlowStateBucket)).Get([]byte(key))
		if data == nil {
			return flowstate.ErrNotFound
		}
		// bbolt memory is only valid inside the transaction
		value = bytes.Clone(data)
		return nil
	})
	return value, err
}

func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(FlowStateBucket)).Put([]byte(key), bytes.Clone(value))
	})
}

func (b *Backend) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(FlowStateBucket)).Delete([]byte(key))
	})
}

func (b *Backend) Keys(_ context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(FlowStateBucket)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}
