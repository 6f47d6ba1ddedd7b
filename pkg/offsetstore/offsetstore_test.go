package offsetstore

import (
	"context"
	"testing"
	"time"

	"github.com/repliq/repliq/pkg/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLoadOfUnwrittenProjectionIsEmpty(t *testing.T) {
	s := NewInMemory()
	off, version, err := s.Load(context.Background(), envelope.ProjectionID{Name: "orders", Key: "orders-0-1023"})
	require.NoError(t, err)
	assert.True(t, off.IsEmpty())
	assert.Equal(t, int64(0), version)
}

func TestInMemorySaveAndLoad(t *testing.T) {
	s := NewInMemory()
	id := envelope.ProjectionID{Name: "orders", Key: "orders-0-1023"}
	want := envelope.TimestampOffset{Timestamp: time.Unix(3, 0), Seen: map[string]int64{"a": 3}}

	require.NoError(t, s.Save(context.Background(), id, want))

	got, version, err := s.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, want.Timestamp, got.Timestamp)
	assert.Equal(t, want.Seen, got.Seen)
	assert.Equal(t, int64(1), version)
}

func TestSaveIfVersionDetectsConflict(t *testing.T) {
	s := NewInMemory()
	id := envelope.ProjectionID{Name: "orders", Key: "orders-0-1023"}
	off := envelope.TimestampOffset{Timestamp: time.Unix(1, 0)}

	require.NoError(t, s.SaveIfVersion(context.Background(), id, off, 0))

	err := s.SaveIfVersion(context.Background(), id, off, 0)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.SaveIfVersion(context.Background(), id, off, 1))
}

func TestInMemoryListAllReturnsEveryRow(t *testing.T) {
	s := NewInMemory()
	a := envelope.ProjectionID{Name: "orders", Key: "orders-0-511"}
	b := envelope.ProjectionID{Name: "orders", Key: "orders-512-1023"}

	require.NoError(t, s.Save(context.Background(), a, envelope.TimestampOffset{Timestamp: time.Unix(1, 0)}))
	require.NoError(t, s.Save(context.Background(), b, envelope.TimestampOffset{Timestamp: time.Unix(2, 0)}))

	rows, err := s.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := make(map[string]Row, len(rows))
	for _, r := range rows {
		byKey[r.ID.Key] = r
	}
	assert.Equal(t, int64(1), byKey[a.Key].Version)
	assert.Equal(t, int64(1), byKey[b.Key].Version)
}
