// Package envelope defines the data model shared by the producer and
// consumer sides of the replication engine: event envelopes, offsets, slice
// ranges, and projection identity.
package envelope

import (
	"strconv"
	"time"

	"github.com/twmb/murmur3"
)

// SliceCount is the fixed number of slices the keyspace is partitioned into.
// Entity events are assigned to exactly one slice, deterministically, for the
// life of the journal.
const SliceCount = 1024

// Any carries an opaque, pre-serialized application payload. The replication
// engine never interprets the bytes; it only compares TypeURL against the
// registry in pkg/typeregistry before emitting a full Event.
type Any struct {
	TypeURL string
	Bytes   []byte
}

// EventEnvelope is one journaled event together with its addressing and
// tagging metadata.
type EventEnvelope struct {
	PersistenceID string
	SeqNr         int64
	Slice         int32
	Offset        TimestampOffset
	Payload       Any
	Tags          []string
	Source        string
	Metadata      *Any

	// Backtracking marks a redelivery issued by the journal to repair a
	// previously-written envelope. Its Payload is empty; see the producer
	// emission rule for how these are handled.
	Backtracking bool
}

// TimestampOffset is a durable cursor: a timestamp plus the set of entity
// seq_nrs already seen at exactly that timestamp. Two envelopes sharing a
// timestamp are only both "past" the offset once each of their pids appears
// in Seen with a seq_nr at least as large as the envelope's.
type TimestampOffset struct {
	Timestamp time.Time
	Seen      map[string]int64
}

// NoOffset represents "from the beginning of the journal".
func NoOffset() TimestampOffset {
	return TimestampOffset{}
}

// IsEmpty reports whether this offset represents "from the beginning".
func (o TimestampOffset) IsEmpty() bool {
	return o.Timestamp.IsZero() && len(o.Seen) == 0
}

// Clone returns a deep copy, since TimestampOffset is mutated in place as
// envelopes are delivered and must never alias a caller's map.
func (o TimestampOffset) Clone() TimestampOffset {
	seen := make(map[string]int64, len(o.Seen))
	for k, v := range o.Seen {
		seen[k] = v
	}
	return TimestampOffset{Timestamp: o.Timestamp, Seen: seen}
}

// Advance returns the offset that results from delivering env, per the
// resumption contract in spec §4.1: envelopes sharing the current timestamp
// accumulate into Seen; an envelope with a strictly later timestamp resets
// Seen to just itself.
func (o TimestampOffset) Advance(env EventEnvelope) TimestampOffset {
	ts := env.Offset.Timestamp
	if ts.After(o.Timestamp) {
		return TimestampOffset{
			Timestamp: ts,
			Seen:      map[string]int64{env.PersistenceID: env.SeqNr},
		}
	}
	next := o.Clone()
	next.Timestamp = ts
	next.Seen[env.PersistenceID] = env.SeqNr
	return next
}

// IsPast reports whether the given (pid, seqNr, timestamp) has already been
// delivered under this offset: either the event's timestamp is strictly
// before the offset's timestamp, or it is equal and the pid's highest
// delivered seq_nr recorded in Seen is already >= seqNr.
func (o TimestampOffset) IsPast(pid string, seqNr int64, ts time.Time) bool {
	if ts.Before(o.Timestamp) {
		return true
	}
	if ts.After(o.Timestamp) {
		return false
	}
	seen, ok := o.Seen[pid]
	return ok && seen >= seqNr
}

// SliceRange is a contiguous, inclusive range of slices assigned to one
// projection worker.
type SliceRange struct {
	Min int32
	Max int32
}

// Contains reports whether slice s falls within the range.
func (r SliceRange) Contains(s int32) bool {
	return s >= r.Min && s <= r.Max
}

// SliceRanges partitions [0, SliceCount) into n contiguous, disjoint,
// covering ranges, as equal as possible. The last range absorbs the
// remainder (SliceCount mod n), per spec §4.6.
func SliceRanges(n int) []SliceRange {
	if n <= 0 {
		return nil
	}
	base := SliceCount / n
	remainder := SliceCount % n
	ranges := make([]SliceRange, 0, n)
	next := int32(0)
	for i := 0; i < n; i++ {
		size := base
		if i == n-1 {
			size += remainder
		}
		ranges = append(ranges, SliceRange{Min: next, Max: next + int32(size) - 1})
		next += int32(size)
	}
	return ranges
}

// Slice computes the slice assignment for a persistence ID. The hash must be
// platform-independent and match the journal writer's own assignment, or
// entity events land in the wrong slice; this implementation uses the 32-bit
// Murmur3 hash of the UTF-8 bytes of pid, the same family the upstream
// journal uses.
func Slice(pid string) int32 {
	h := murmur3.Sum32([]byte(pid))
	return int32(h % SliceCount)
}

// ProjectionID globally identifies one live projection instance's offset
// record. Two live instances sharing a ProjectionID corrupt each other's
// progress; see sharding.Supervisor for how uniqueness is enforced by
// construction.
type ProjectionID struct {
	Name string
	Key  string
}

// ProjectionKey derives the wire-level projection_key from a stream_id and
// slice range, per spec §6: "stream_id + "-" + slice_min + "-" + slice_max".
func ProjectionKey(streamID string, r SliceRange) string {
	return streamID + "-" + strconv.Itoa(int(r.Min)) + "-" + strconv.Itoa(int(r.Max))
}
