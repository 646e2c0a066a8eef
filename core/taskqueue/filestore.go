package taskqueue

import (
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/common"
)

// StagePayload persists an ingestion payload (document batch, settings
// blob) under its own uuid key ahead of task commit, enforcing the
// configured size cap (spec.md §4.D "file_store", §7 PayloadTooLarge).
// Grounded on indexer/queue.go's slab-allocator idiom, here backed by a
// bbolt bucket rather than an in-memory ring since payloads must survive
// a restart before their owning task is processed.
func (s *Store) StagePayload(data []byte) (string, error) {
	maxBytes := s.cfg["taskqueue.payloadMaxBytes"].Int64()
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", common.NewError(common.CodePayloadTooLarge, common.UserError, common.WARN,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit", len(data), maxBytes), nil)
	}
	id := uuid.NewString()
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileStore).Put([]byte(id), data)
	}); err != nil {
		return "", err
	}
	return id, nil
}

// ReadPayload retrieves a previously staged payload by uuid.
func (s *Store) ReadPayload(id string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketFileStore).Get([]byte(id))
		if raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	return out, err
}

// DeletePayload removes a staged payload once its owning task has
// reached a terminal state and no longer needs the bytes.
func (s *Store) DeletePayload(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileStore).Delete([]byte(id))
	})
}
