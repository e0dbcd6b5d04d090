package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ledgerBucket = []byte("ledger")

// BoltLedger 基于 bbolt 文件的台账，默认后端
type BoltLedger struct {
	db *bolt.DB
}

// NewBoltLedger 打开或创建台账文件
func NewBoltLedger(path string) (*BoltLedger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ledgerBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger bucket: %w", err)
	}
	return &BoltLedger{db: db}, nil
}

func (b *BoltLedger) Get(ctx context.Context, sourceID string) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(ledgerBucket).Get([]byte(sourceID))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger entry %s: %w", sourceID, err)
	}
	return entry, found, nil
}

// Update 在单个写事务内读改写
func (b *BoltLedger) Update(ctx context.Context, sourceID string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(ledgerBucket)
		var prev Entry
		raw := bucket.Get([]byte(sourceID))
		if raw != nil {
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", sourceID, err)
			}
		}
		next, err := fn(prev, raw != nil)
		if err != nil {
			return err
		}
		next.SourceID = sourceID
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(sourceID), data)
	})
}

func (b *BoltLedger) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(ledgerBucket).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", k, err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (b *BoltLedger) Close() error {
	return b.db.Close()
}
