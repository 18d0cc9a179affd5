package metadb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// Namespaced key/value records (sessions, jobs, cached values)
	bucketKV = []byte("kv")

	// Set membership - namespace\0key\0member -> nil
	bucketSets = []byte("sets")

	// Rate-limit style counters - namespace\0key -> 8-byte count
	bucketCounters = []byte("counters")

	// Deletion queue - queue\0[8-byte timestamp][member] -> member
	bucketQueue = []byte("queue")

	// Deletion queue reverse index - queue\0member -> 8-byte timestamp (O(1) remove)
	bucketQueueByMember = []byte("queue_by_member")

	// Shared TTL index - [8-byte timestamp][kind][namespace\0key] -> [kind][namespace\0key]
	bucketByExpiry = []byte("by_expiry")

	// TTL reverse index - [kind][namespace\0key] -> 8-byte timestamp (O(1) update/delete)
	bucketExpiryByKey = []byte("expiry_by_key")
)

// Entry kinds tagged into the shared expiry index so the reaper knows which
// bucket an expired key lives in.
const (
	kindKV      byte = 'k'
	kindSet     byte = 's'
	kindCounter byte = 'c'
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeKey creates a compound key for a namespaced record.
// Format: [namespace][separator][key]
func makeKey(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key))
	copy(result, namespace)
	result[len(namespace)] = 0 // null separator
	copy(result[len(namespace)+1:], key)
	return result
}

// parseKey extracts namespace and key from a compound key.
func parseKey(data []byte) (namespace, key string) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), string(data[i+1:])
		}
	}
	return string(data), ""
}

// makeTaggedKey prefixes a compound key with its entry kind for the expiry
// reverse index.
func makeTaggedKey(kind byte, compound []byte) []byte {
	result := make([]byte, 1+len(compound))
	result[0] = kind
	copy(result[1:], compound)
	return result
}

// makeExpiryKey creates a key for the by_expiry index.
// Format: [8-byte timestamp][kind][namespace][separator][key]
func makeExpiryKey(expiresAt time.Time, kind byte, compound []byte) []byte {
	ts := encodeTimestamp(expiresAt)
	result := make([]byte, 8+1+len(compound))
	copy(result[:8], ts)
	result[8] = kind
	copy(result[9:], compound)
	return result
}

// parseExpiryKey extracts the expiry time, kind, and key parts from a
// by_expiry index key.
func parseExpiryKey(data []byte) (expiresAt time.Time, kind byte, namespace, key string) {
	if len(data) < 10 {
		return time.Time{}, 0, "", ""
	}
	expiresAt = decodeTimestamp(data[:8])
	kind = data[8]
	namespace, key = parseKey(data[9:])
	return
}

// makeSetMemberKey creates a key for one member of a set.
// Format: [namespace][separator][key][separator][member]
func makeSetMemberKey(namespace, key, member string) []byte {
	prefix := setPrefix(namespace, key)
	result := make([]byte, len(prefix)+len(member))
	copy(result, prefix)
	copy(result[len(prefix):], member)
	return result
}

// setPrefix returns the cursor prefix covering all members of a set.
func setPrefix(namespace, key string) []byte {
	result := make([]byte, len(namespace)+1+len(key)+1)
	copy(result, namespace)
	result[len(namespace)] = 0
	copy(result[len(namespace)+1:], key)
	result[len(namespace)+1+len(key)] = 0
	return result
}

// makeQueueEntryKey creates a key for the deletion queue.
// Format: [queue][separator][8-byte timestamp][member]
func makeQueueEntryKey(queue string, due time.Time, member string) []byte {
	ts := encodeTimestamp(due)
	result := make([]byte, len(queue)+1+8+len(member))
	copy(result, queue)
	result[len(queue)] = 0
	copy(result[len(queue)+1:], ts)
	copy(result[len(queue)+1+8:], member)
	return result
}

// queuePrefix returns the cursor prefix covering all entries of a queue.
func queuePrefix(queue string) []byte {
	result := make([]byte, len(queue)+1)
	copy(result, queue)
	result[len(queue)] = 0
	return result
}

// queueEntryDue extracts the due timestamp from a queue entry key.
func queueEntryDue(queue string, entryKey []byte) time.Time {
	prefix := queuePrefix(queue)
	if len(entryKey) < len(prefix)+8 || !bytes.HasPrefix(entryKey, prefix) {
		return time.Time{}
	}
	return decodeTimestamp(entryKey[len(prefix) : len(prefix)+8])
}
