package metadb

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w (%v)", ErrUnavailable, err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketKV,
			bucketSets,
			bucketCounters,
			bucketQueue,
			bucketQueueByMember,
			bucketByExpiry,
			bucketExpiryByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// DB returns the underlying bbolt database.
func (b *BoltDB) DB() *bbolt.DB {
	return b.db
}

func (b *BoltDB) alive() error {
	if b.db == nil {
		return ErrUnavailable
	}
	return nil
}

// Put stores a record with TTL. A ttl of zero means no expiry.
func (b *BoltDB) Put(_ context.Context, namespace, key string, data []byte, ttl time.Duration) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		compound := makeKey(namespace, key)

		if err := tx.Bucket(bucketKV).Put(compound, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, kindKV, compound, expiresAt)
	})
}

// Get retrieves a record. Returns ErrNotFound when the record is absent or
// its TTL has elapsed, without distinguishing the two.
func (b *BoltDB) Get(_ context.Context, namespace, key string) ([]byte, error) {
	if err := b.alive(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		compound := makeKey(namespace, key)

		if b.expired(tx, kindKV, compound) {
			return ErrNotFound
		}

		val := tx.Bucket(bucketKV).Get(compound)
		if val == nil {
			return ErrNotFound
		}

		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	return data, err
}

// Delete removes a record. Deleting an absent record is not an error.
func (b *BoltDB) Delete(_ context.Context, namespace, key string) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		compound := makeKey(namespace, key)

		if err := b.updateExpiryIndex(tx, kindKV, compound, nil); err != nil {
			return err
		}
		return tx.Bucket(bucketKV).Delete(compound)
	})
}

// Expire resets the TTL on an existing, non-expired record.
func (b *BoltDB) Expire(_ context.Context, namespace, key string, ttl time.Duration) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		compound := makeKey(namespace, key)

		if b.expired(tx, kindKV, compound) || tx.Bucket(bucketKV).Get(compound) == nil {
			return ErrNotFound
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, kindKV, compound, expiresAt)
	})
}

// SetAdd inserts a member into a set and refreshes the set's TTL.
func (b *BoltDB) SetAdd(_ context.Context, namespace, key, member string, ttl time.Duration) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSets).Put(makeSetMemberKey(namespace, key, member), []byte{}); err != nil {
			return fmt.Errorf("putting set member: %w", err)
		}

		var expiresAt *time.Time
		if ttl > 0 {
			t := b.now().Add(ttl)
			expiresAt = &t
		}
		return b.updateExpiryIndex(tx, kindSet, makeKey(namespace, key), expiresAt)
	})
}

// SetMembers returns all members of a set. An absent or expired set yields
// an empty result, mirroring the semantics of a missing key.
func (b *BoltDB) SetMembers(_ context.Context, namespace, key string) ([]string, error) {
	if err := b.alive(); err != nil {
		return nil, err
	}
	var members []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		if b.expired(tx, kindSet, makeKey(namespace, key)) {
			return nil
		}

		prefix := setPrefix(namespace, key)
		cursor := tx.Bucket(bucketSets).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			members = append(members, string(k[len(prefix):]))
		}
		return nil
	})
	return members, err
}

// SetRemove removes a member from a set; idempotent.
func (b *BoltDB) SetRemove(_ context.Context, namespace, key, member string) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSets).Delete(makeSetMemberKey(namespace, key, member))
	})
}

// QueueAdd inserts a (due, member) entry into a time-ordered queue.
// Re-adding a member replaces its previous due time.
func (b *BoltDB) QueueAdd(_ context.Context, queue, member string, due time.Time) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		queueBucket := tx.Bucket(bucketQueue)
		reverseBucket := tx.Bucket(bucketQueueByMember)

		reverseKey := makeKey(queue, member)

		// Drop any existing entry for this member first
		if tsBytes := reverseBucket.Get(reverseKey); tsBytes != nil {
			oldDue := decodeTimestamp(tsBytes)
			if err := queueBucket.Delete(makeQueueEntryKey(queue, oldDue, member)); err != nil {
				return fmt.Errorf("deleting old queue entry: %w", err)
			}
		}

		if err := queueBucket.Put(makeQueueEntryKey(queue, due, member), []byte(member)); err != nil {
			return fmt.Errorf("putting queue entry: %w", err)
		}
		if err := reverseBucket.Put(reverseKey, encodeTimestamp(due)); err != nil {
			return fmt.Errorf("putting queue reverse index: %w", err)
		}
		return nil
	})
}

// QueueDueBefore returns members due at or before the given time, in
// ascending due order, without removing them. A limit of zero means no limit.
func (b *BoltDB) QueueDueBefore(_ context.Context, queue string, before time.Time, limit int) ([]string, error) {
	if err := b.alive(); err != nil {
		return nil, err
	}
	var members []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		prefix := queuePrefix(queue)
		cursor := tx.Bucket(bucketQueue).Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			// Keys are sorted by due time, so stop once past the cutoff
			if queueEntryDue(queue, k).After(before) {
				break
			}
			if limit > 0 && len(members) >= limit {
				break
			}
			members = append(members, string(v))
		}
		return nil
	})
	return members, err
}

// QueueRemove removes a member's entry from a queue; idempotent.
func (b *BoltDB) QueueRemove(_ context.Context, queue, member string) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		reverseBucket := tx.Bucket(bucketQueueByMember)
		reverseKey := makeKey(queue, member)

		tsBytes := reverseBucket.Get(reverseKey)
		if tsBytes == nil {
			return nil
		}

		due := decodeTimestamp(tsBytes)
		if err := tx.Bucket(bucketQueue).Delete(makeQueueEntryKey(queue, due, member)); err != nil {
			return fmt.Errorf("deleting queue entry: %w", err)
		}
		return reverseBucket.Delete(reverseKey)
	})
}

// Incr increments a counter, starting its TTL window on the first increment.
func (b *BoltDB) Incr(_ context.Context, namespace, key string, ttl time.Duration) (int64, error) {
	if err := b.alive(); err != nil {
		return 0, err
	}
	var count int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		counterBucket := tx.Bucket(bucketCounters)
		compound := makeKey(namespace, key)

		if b.expired(tx, kindCounter, compound) {
			// Window elapsed but not yet reaped - restart it
			if err := counterBucket.Delete(compound); err != nil {
				return fmt.Errorf("resetting counter: %w", err)
			}
		}

		if val := counterBucket.Get(compound); val != nil && len(val) == 8 {
			count = int64(binary.BigEndian.Uint64(val)) //nolint:gosec // counter fits in int64
		}
		count++

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(count)) //nolint:gosec // counter is non-negative
		if err := counterBucket.Put(compound, buf); err != nil {
			return fmt.Errorf("putting counter: %w", err)
		}

		if count == 1 && ttl > 0 {
			t := b.now().Add(ttl)
			return b.updateExpiryIndex(tx, kindCounter, compound, &t)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetExpired returns entries whose TTL elapsed before the given time.
func (b *BoltDB) GetExpired(_ context.Context, before time.Time, limit int) ([]ExpiredEntry, error) {
	if err := b.alive(); err != nil {
		return nil, err
	}
	var entries []ExpiredEntry
	beforeTs := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketByExpiry).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			// Keys are sorted by timestamp, so stop when past the cutoff
			if bytes.Compare(k[:8], beforeTs) >= 0 {
				break
			}
			if limit > 0 && len(entries) >= limit {
				break
			}

			expiresAt, kind, namespace, key := parseExpiryKey(k)
			entries = append(entries, ExpiredEntry{
				Kind:      kind,
				Namespace: namespace,
				Key:       key,
				ExpiresAt: expiresAt,
			})
		}
		return nil
	})
	return entries, err
}

// DeleteExpired physically removes expired entries and their index rows in a
// single transaction. Queue entries are never touched here - the sweep owns
// those.
func (b *BoltDB) DeleteExpired(_ context.Context, entries []ExpiredEntry) error {
	if err := b.alive(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, entry := range entries {
			compound := makeKey(entry.Namespace, entry.Key)

			switch entry.Kind {
			case kindKV:
				if err := tx.Bucket(bucketKV).Delete(compound); err != nil {
					return fmt.Errorf("deleting expired record: %w", err)
				}
			case kindSet:
				prefix := setPrefix(entry.Namespace, entry.Key)
				cursor := tx.Bucket(bucketSets).Cursor()
				for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
					if err := cursor.Delete(); err != nil {
						return fmt.Errorf("deleting expired set member: %w", err)
					}
				}
			case kindCounter:
				if err := tx.Bucket(bucketCounters).Delete(compound); err != nil {
					return fmt.Errorf("deleting expired counter: %w", err)
				}
			}

			_ = tx.Bucket(bucketByExpiry).Delete(makeExpiryKey(entry.ExpiresAt, entry.Kind, compound))
			_ = tx.Bucket(bucketExpiryByKey).Delete(makeTaggedKey(entry.Kind, compound))
		}
		return nil
	})
}

// expired reports whether the entry's TTL has elapsed, from within a
// transaction. Entries with no TTL never expire.
func (b *BoltDB) expired(tx *bbolt.Tx, kind byte, compound []byte) bool {
	tsBytes := tx.Bucket(bucketExpiryByKey).Get(makeTaggedKey(kind, compound))
	if tsBytes == nil {
		return false
	}
	return !decodeTimestamp(tsBytes).After(b.now())
}

// updateExpiryIndex updates the forward+reverse expiry indexes for an entry.
// If expiresAt is nil, only deletes existing index rows.
func (b *BoltDB) updateExpiryIndex(tx *bbolt.Tx, kind byte, compound []byte, expiresAt *time.Time) error {
	expiryBucket := tx.Bucket(bucketByExpiry)
	reverseBucket := tx.Bucket(bucketExpiryByKey)

	taggedKey := makeTaggedKey(kind, compound)

	// Delete old index rows via reverse lookup (O(1))
	if tsBytes := reverseBucket.Get(taggedKey); tsBytes != nil {
		oldExpiresAt := decodeTimestamp(tsBytes)
		if err := expiryBucket.Delete(makeExpiryKey(oldExpiresAt, kind, compound)); err != nil {
			return fmt.Errorf("deleting old expiry index: %w", err)
		}
		if err := reverseBucket.Delete(taggedKey); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}

	if expiresAt != nil {
		if err := expiryBucket.Put(makeExpiryKey(*expiresAt, kind, compound), taggedKey); err != nil {
			return fmt.Errorf("putting expiry index: %w", err)
		}
		if err := reverseBucket.Put(taggedKey, encodeTimestamp(*expiresAt)); err != nil {
			return fmt.Errorf("putting expiry reverse index: %w", err)
		}
	}

	return nil
}

// Compile-time interface check
var _ Store = (*BoltDB)(nil)
