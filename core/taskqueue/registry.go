package taskqueue

import (
	"go.etcd.io/bbolt"

	"github.com/scoutdb/scout/core/common"
	"github.com/scoutdb/scout/core/indexmap"
)

var bucketUIDRegistry = []byte("uid_registry")

func init() {
	allBuckets = append(allBuckets, bucketUIDRegistry)
}

// ResolveUUID implements spec.md §4.G's first step: uid -> uuid.
func (s *Store) ResolveUUID(uid string) (string, bool) {
	var out string
	var ok bool
	s.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(bucketUIDRegistry).Get([]byte(uid)); raw != nil {
			out, ok = string(raw), true
		}
		return nil
	})
	return out, ok
}

// AllUUIDs returns every registered index's backing uuid, the
// enumeration SnapshotCreate walks (spec.md §4.C).
func (s *Store) AllUUIDs() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUIDRegistry).ForEach(func(_, v []byte) error {
			out = append(out, string(v))
			return nil
		})
	})
	return out, err
}

// CreateUIDMapping assigns a fresh Index Map uuid to uid (spec.md §4.C
// IndexCreation). Returns common.ErrIndexAlreadyExists if uid is taken.
func (s *Store) CreateUIDMapping(uid string) (string, error) {
	if !common.ValidIndexUid(uid) {
		return "", common.NewError(common.CodeInvalidIndexUid, common.UserError, common.WARN,
			"invalid index uid `"+uid+"`", nil)
	}
	var uuid string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUIDRegistry)
		if b.Get([]byte(uid)) != nil {
			return common.ErrIndexAlreadyExists(uid)
		}
		uuid = indexmap.NewUUID()
		return b.Put([]byte(uid), []byte(uuid))
	})
	if err != nil {
		return "", err
	}
	return uuid, nil
}

// RenameUID implements IndexUpdate's uid-change path: the mapping moves,
// the uuid (and its open environment) is untouched.
func (s *Store) RenameUID(oldUID, newUID string) error {
	if !common.ValidIndexUid(newUID) {
		return common.NewError(common.CodeInvalidIndexUid, common.UserError, common.WARN,
			"invalid index uid `"+newUID+"`", nil)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUIDRegistry)
		if b.Get([]byte(newUID)) != nil {
			return common.ErrIndexAlreadyExists(newUID)
		}
		raw := b.Get([]byte(oldUID))
		if raw == nil {
			return common.ErrIndexNotFound(oldUID)
		}
		if err := b.Put([]byte(newUID), raw); err != nil {
			return err
		}
		return b.Delete([]byte(oldUID))
	})
}

// SwapUIDs atomically exchanges the uuids two uids point to (spec.md
// §4.C IndexSwap).
func (s *Store) SwapUIDs(uidA, uidB string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUIDRegistry)
		a := b.Get([]byte(uidA))
		bb := b.Get([]byte(uidB))
		if a == nil {
			return common.ErrIndexNotFound(uidA)
		}
		if bb == nil {
			return common.ErrIndexNotFound(uidB)
		}
		aCopy := append([]byte(nil), a...)
		bCopy := append([]byte(nil), bb...)
		if err := b.Put([]byte(uidA), bCopy); err != nil {
			return err
		}
		return b.Put([]byte(uidB), aCopy)
	})
}

// DeleteUIDMapping removes uid's entry entirely (spec.md §4.C
// IndexDeletion, after the Index Map's deletion protocol completes).
func (s *Store) DeleteUIDMapping(uid string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUIDRegistry).Delete([]byte(uid))
	})
}
