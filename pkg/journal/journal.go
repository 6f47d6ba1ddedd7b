// Package journal defines the external collaborator interface the sliced
// event source consumes: a query capability over the owning service's
// append-only journal. Storage and SQL schema are out of scope (spec §1);
// this package only specifies the shape the rest of the engine depends on,
// plus an in-memory implementation used by tests and local development.
package journal

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/repliq/repliq/pkg/envelope"
)

// Query is the capability the sliced event source wraps. One implementation
// exists per storage backend; production deployments supply their own
// backed by the owning service's actual journal table.
type Query interface {
	// EventsBySlices returns a channel of envelopes for entityType restricted
	// to [sliceMin, sliceMax], starting strictly after from. The channel is
	// closed when ctx is cancelled; until then it transparently catches up
	// to tail and follows live appends. Errors are delivered on errc and are
	// always followed by the channel closing.
	EventsBySlices(ctx context.Context, entityType string, sliceMin, sliceMax int32, from envelope.TimestampOffset) (<-chan envelope.EventEnvelope, <-chan error)

	// EventTimestamp serves the producer's auxiliary RPC of the same name.
	EventTimestamp(ctx context.Context, entityType, pid string, seqNr int64) (time.Time, error)

	// LoadEvent serves the producer's auxiliary RPC of the same name and the
	// replay path: it fetches one envelope by (pid, seq_nr) without
	// rescanning slices.
	LoadEvent(ctx context.Context, entityType, pid string, seqNr int64) (envelope.EventEnvelope, error)
}

// BehindCurrentTime is the default tail lag window (spec §4.1): live events
// are not emitted until wall clock >= event timestamp + this window, to
// tolerate in-flight inserts that commit with a lower timestamp later.
const BehindCurrentTime = 500 * time.Millisecond

// InMemory is a Query backed by a fixed, in-process slice of envelopes, per
// entity type. It is intended for tests and the local single-node
// deployment described in spec §5 ("single-node deployments collapse to an
// in-memory map"). It replays its current contents, then blocks until ctx
// is cancelled or Append is called, and delivers the new envelopes as soon
// as they are appended; it applies no BehindCurrentTime lag window.
type InMemory struct {
	mu       sync.Mutex
	byEntity map[string][]envelope.EventEnvelope
	notify   map[string][]chan struct{}
}

// NewInMemory returns an empty in-memory journal.
func NewInMemory() *InMemory {
	return &InMemory{
		byEntity: make(map[string][]envelope.EventEnvelope),
		notify:   make(map[string][]chan struct{}),
	}
}

// Append adds env to entityType's log and wakes any blocked readers. Callers
// must supply envelopes in per-pid seq_nr order; InMemory does not validate
// monotonicity (the journal is the source of truth for that invariant, not
// this test double).
func (m *InMemory) Append(entityType string, env envelope.EventEnvelope) {
	env.Slice = envelope.Slice(env.PersistenceID)
	m.mu.Lock()
	m.byEntity[entityType] = append(m.byEntity[entityType], env)
	waiters := m.notify[entityType]
	m.notify[entityType] = nil
	m.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (m *InMemory) snapshot(entityType string) []envelope.EventEnvelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope.EventEnvelope, len(m.byEntity[entityType]))
	copy(out, m.byEntity[entityType])
	return out
}

func (m *InMemory) wait(entityType string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.notify[entityType] = append(m.notify[entityType], ch)
	return ch
}

// EventsBySlices implements Query. It replays every envelope in
// [sliceMin, sliceMax] whose (timestamp, pid) is strictly after from per the
// resumption contract, in journal order, then blocks for new appends.
func (m *InMemory) EventsBySlices(ctx context.Context, entityType string, sliceMin, sliceMax int32, from envelope.TimestampOffset) (<-chan envelope.EventEnvelope, <-chan error) {
	out := make(chan envelope.EventEnvelope)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		cursor := from

		for {
			batch := m.snapshot(entityType)
			sort.SliceStable(batch, func(i, j int) bool {
				return batch[i].Offset.Timestamp.Before(batch[j].Offset.Timestamp)
			})

			delivered := false
			for _, env := range batch {
				if env.Slice < sliceMin || env.Slice > sliceMax {
					continue
				}
				if cursor.IsPast(env.PersistenceID, env.SeqNr, env.Offset.Timestamp) {
					continue
				}
				select {
				case out <- env:
					cursor = cursor.Advance(env)
					delivered = true
				case <-ctx.Done():
					return
				}
			}

			if !delivered {
				waiter := m.wait(entityType)
				select {
				case <-waiter:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, errc
}

// EventTimestamp implements Query by linear scan; fine for the in-memory
// test double, not representative of a production backend's index lookup.
func (m *InMemory) EventTimestamp(ctx context.Context, entityType, pid string, seqNr int64) (time.Time, error) {
	for _, env := range m.snapshot(entityType) {
		if env.PersistenceID == pid && env.SeqNr == seqNr {
			return env.Offset.Timestamp, nil
		}
	}
	return time.Time{}, ErrEventNotFound
}

// LoadEvent implements Query by linear scan.
func (m *InMemory) LoadEvent(ctx context.Context, entityType, pid string, seqNr int64) (envelope.EventEnvelope, error) {
	for _, env := range m.snapshot(entityType) {
		if env.PersistenceID == pid && env.SeqNr == seqNr {
			return env, nil
		}
	}
	return envelope.EventEnvelope{}, ErrEventNotFound
}
