// Package store is the bbolt-backed local persistence layer: full records,
// the sync cursor, the offline outbox, the audit log, and a
// content-addressed cache of image payloads.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"

	"github.com/examsync/examsync/internal/models"
)

const (
	// storeDirPerm is the permission mode for the state directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	recordsBucket = []byte("records")
	syncBucket    = []byte("sync")
	outboxBucket  = []byte("outbox")
	auditBucket   = []byte("audit")
	blobsBucket   = []byte("blobs")

	syncStateKey = []byte("state")
)

// Store wraps a bbolt database holding all local persistent state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating it and all buckets
// if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, syncBucket, outboxBucket, auditBucket, blobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- records ---

// ListMetadata returns the listing form of every stored record, sorted by
// id for deterministic iteration.
func (s *Store) ListMetadata() ([]models.RecordMetadata, error) {
	var metas []models.RecordMetadata

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}

			metas = append(metas, rec.Metadata())

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].ID < metas[j].ID })

	return metas, nil
}

// Get returns the record with the given id, or nil if not found.
func (s *Store) Get(id string) (*models.Record, error) {
	var rec *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		rec = &models.Record{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// Save persists a record keyed by its id, preserving the caller-supplied
// id and timestamp exactly. Callers pulling from the remote rely on this:
// regenerating either field would break future timestamp comparisons.
func (s *Store) Save(rec *models.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(recordsBucket).Put([]byte(rec.ID), data)
	})
}

// Delete removes a record. Missing records are a no-op.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(id))
	})
}

// DeleteMany removes a set of records in one transaction.
func (s *Store) DeleteMany(ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(recordsBucket)
		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- sync state ---

// SyncState returns the persisted sync cursor, zero-valued if never set.
func (s *Store) SyncState() (models.SyncState, error) {
	var state models.SyncState

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(syncBucket).Get(syncStateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &state)
	})

	return state, err
}

// SetSyncState persists the sync cursor.
func (s *Store) SetSyncState(state models.SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}

		return tx.Bucket(syncBucket).Put(syncStateKey, data)
	})
}

// --- outbox ---

// Enqueue stores a pending action keyed by record id. A newer action for
// the same record replaces the older one, which is what gives the outbox
// its one-pending-action-per-record invariant.
func (s *Store) Enqueue(action models.PendingAction) error {
	if action.RecordID == "" {
		return fmt.Errorf("pending action record id is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(action)
		if err != nil {
			return err
		}

		return tx.Bucket(outboxBucket).Put([]byte(action.RecordID), data)
	})
}

// Outbox returns all pending actions, oldest queued timestamp first.
func (s *Store) Outbox() ([]models.PendingAction, error) {
	var actions []models.PendingAction

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(k, v []byte) error {
			var a models.PendingAction
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decoding pending action %s: %w", k, err)
			}

			actions = append(actions, a)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(actions, func(i, j int) bool { return actions[i].Timestamp < actions[j].Timestamp })

	return actions, nil
}

// RemovePending drops the pending action for a record id, if any.
func (s *Store) RemovePending(recordID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete([]byte(recordID))
	})
}

// OutboxDepth returns the number of queued actions.
func (s *Store) OutboxDepth() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(outboxBucket).Stats().KeyN
		return nil
	})

	return count, err
}

// --- audit log ---

// AppendAudit appends a sync attempt to the audit log under a
// monotonically increasing sequence key.
func (s *Store) AppendAudit(entry models.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(auditBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return b.Put([]byte(fmt.Sprintf("%020d", seq)), data)
	})
}

// AuditTail returns up to n most recent audit entries, newest last.
func (s *Store) AuditTail(n int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()

		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var e models.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decoding audit entry %s: %w", k, err)
			}

			entries = append(entries, e)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walks newest first; flip to chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

// --- blob cache ---

// PutBlob caches an image payload under its content hash, snappy
// compressed. Identical bytes always land on the same key, so re-putting
// is harmless.
func (s *Store) PutBlob(hash string, data []byte) error {
	if len(hash) != models.HashLen {
		return fmt.Errorf("invalid blob hash %q", hash)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobsBucket).Put([]byte(hash), snappy.Encode(nil, data))
	})
}

// GetBlob returns the cached payload for a hash, or nil if not cached.
func (s *Store) GetBlob(hash string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get([]byte(hash))
		if v == nil {
			return nil
		}

		decoded, err := snappy.Decode(nil, v)
		if err != nil {
			return fmt.Errorf("decompressing blob %s: %w", hash, err)
		}

		data = decoded

		return nil
	})

	return data, err
}
