// Package offsetstore defines the durable offset-store interface the
// projection runtime depends on, plus a Postgres-backed implementation
// (grounded on the wire layout in spec §6) and an in-memory implementation
// for tests.
package offsetstore

import (
	"context"
	"errors"
	"sync"

	"github.com/repliq/repliq/pkg/envelope"
)

// ErrConflict is returned when a write observes that the stored offset's
// version no longer matches what the caller last read: the signature of a
// ProjectionID collision (spec §7, "Consistency" errors) that the runtime
// must surface rather than silently overwrite.
var ErrConflict = errors.New("offsetstore: version conflict")

// Store is the durable offset-store capability the projection runtime
// depends on. One row exists per ProjectionID (spec §6's "Persisted offset
// layout"): a timestamp column plus an auxiliary seen-map keyed by pid,
// both updated together.
//
// Implementations MUST make Load+Save consistent after a cancelled save:
// spec §5 requires that a cancelled write be treated as possibly-completed,
// so on the next Load the caller must observe whichever value is actually
// persisted, never a torn write.
type Store interface {
	// Load returns the current offset for id, and a version token used by
	// the exactly-once delivery mode to detect concurrent writers. A never
	//-written ProjectionID returns envelope.NoOffset() with version 0.
	Load(ctx context.Context, id envelope.ProjectionID) (envelope.TimestampOffset, int64, error)

	// Save persists offset for id unconditionally (at-least-once delivery
	// modes use this; they tolerate a lost race against a stale writer).
	Save(ctx context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset) error

	// SaveIfVersion persists offset for id only if the stored version still
	// equals expectedVersion, atomically bumping the version on success.
	// Exactly-once delivery uses this so the handler's side effect and the
	// offset write can be reasoned about as one unit (spec §4.4). Returns
	// ErrConflict on mismatch.
	SaveIfVersion(ctx context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset, expectedVersion int64) error
}

// Row is one listed offset record, for operator tooling.
type Row struct {
	ID      envelope.ProjectionID
	Offset  envelope.TimestampOffset
	Version int64
}

// Lister is an optional capability a Store may implement to support
// operator inspection (cmd/repliqctl's "offsets list"); neither delivery
// mode depends on it.
type Lister interface {
	ListAll(ctx context.Context) ([]Row, error)
}

// InMemory is a Store backed by a process-local map, the single-node
// collapse of the durable store described in spec §5.
type InMemory struct {
	mu   sync.Mutex
	rows map[envelope.ProjectionID]envelope.TimestampOffset
	vers map[envelope.ProjectionID]int64
}

// NewInMemory returns an empty in-memory offset store.
func NewInMemory() *InMemory {
	return &InMemory{
		rows: make(map[envelope.ProjectionID]envelope.TimestampOffset),
		vers: make(map[envelope.ProjectionID]int64),
	}
}

func (m *InMemory) Load(_ context.Context, id envelope.ProjectionID) (envelope.TimestampOffset, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.rows[id]
	if !ok {
		return envelope.NoOffset(), 0, nil
	}
	return off.Clone(), m.vers[id], nil
}

func (m *InMemory) Save(_ context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = offset.Clone()
	m.vers[id]++
	return nil
}

func (m *InMemory) SaveIfVersion(_ context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vers[id] != expectedVersion {
		return ErrConflict
	}
	m.rows[id] = offset.Clone()
	m.vers[id]++
	return nil
}

// ListAll implements Lister.
func (m *InMemory) ListAll(_ context.Context) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, 0, len(m.rows))
	for id, off := range m.rows {
		out = append(out, Row{ID: id, Offset: off.Clone(), Version: m.vers[id]})
	}
	return out, nil
}
