package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"swapline/agent/internal/models"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketTransfers = []byte("transfers")

	ErrTransferNotFound = errors.New("transfer not found")
	ErrVersionConflict  = errors.New("version conflict")
	ErrRequestConflict  = errors.New("idempotency key exists with a different request")
	ErrTerminalRecord   = errors.New("record is terminal")
)

type TransferStore interface {
	Create(ctx context.Context, rec *models.TransferRecord) (*models.TransferRecord, error)
	Get(ctx context.Context, key string) (*models.TransferRecord, error)
	CompareAndSwap(ctx context.Context, rec *models.TransferRecord) error
	Scan(ctx context.Context, visit func(*models.TransferRecord) error) error
}

type LocalTransferStore struct {
	db  *bolt.DB
	now func() time.Time
}

func NewLocalTransferStore(path string) (*LocalTransferStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketTransfers); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LocalTransferStore{db: db, now: time.Now}, nil
}

// Create inserts a new record. Resubmitting the same request returns the
// record already stored; reusing a key for a different request is a
// conflict.
func (s *LocalTransferStore) Create(ctx context.Context, rec *models.TransferRecord) (*models.TransferRecord, error) {
	var out *models.TransferRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		if v := b.Get([]byte(rec.Key)); v != nil {
			var existing models.TransferRecord
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.Request.Canonical() != rec.Request.Canonical() {
				return ErrRequestConflict
			}
			out = &existing
			return nil
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(rec.Key), blob); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalTransferStore) Get(ctx context.Context, key string) (*models.TransferRecord, error) {
	var out models.TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTransfers).Get([]byte(key))
		if v == nil {
			return ErrTransferNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CompareAndSwap persists rec if rec.Version still matches the stored
// version, bumping Version and UpdatedAt on rec as it writes. A record
// that has reached a terminal state never changes again.
func (s *LocalTransferStore) CompareAndSwap(ctx context.Context, rec *models.TransferRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransfers)
		v := b.Get([]byte(rec.Key))
		if v == nil {
			return ErrTransferNotFound
		}
		var stored models.TransferRecord
		if err := json.Unmarshal(v, &stored); err != nil {
			return err
		}
		if stored.State.Terminal() {
			return ErrTerminalRecord
		}
		if stored.Version != rec.Version {
			return ErrVersionConflict
		}

		rec.Version++
		rec.UpdatedAt = s.now()
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key), blob)
	})
}

// Scans all records in store
func (s *LocalTransferStore) Scan(ctx context.Context, visit func(*models.TransferRecord) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransfers).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec models.TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if err := visit(&rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *LocalTransferStore) Close() error {
	return s.db.Close()
}
