package offsetstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/repliq/repliq/pkg/envelope"
)

// Postgres is a Store backed by the two-table layout spec §6 describes: one
// row per (projection_name, projection_key) carrying the timestamp, and an
// auxiliary table keyed (projection_name, projection_key, pid) carrying the
// seen map for that timestamp. Both tables are written in one transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already-configured pool. Schema migration is out of
// scope (spec §1): callers are expected to have already created the two
// tables this store reads and writes.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// DialPostgres parses dsn and opens a connection pool, for callers (the
// repliq-consumer binary) that only have a DSN string rather than an
// already-configured pool.
func DialPostgres(dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("offsetstore: dial postgres: %w", err)
	}
	return NewPostgres(pool), nil
}

const (
	selectOffsetSQL = `SELECT timestamp, version FROM projection_offsets WHERE projection_name = $1 AND projection_key = $2`
	selectSeenSQL   = `SELECT persistence_id, seq_nr FROM projection_offset_seen WHERE projection_name = $1 AND projection_key = $2`
	upsertOffsetSQL = `
		INSERT INTO projection_offsets (projection_name, projection_key, timestamp, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (projection_name, projection_key)
		DO UPDATE SET timestamp = EXCLUDED.timestamp, version = projection_offsets.version + 1`
	upsertOffsetIfVersionSQL = `
		UPDATE projection_offsets
		SET timestamp = $3, version = version + 1
		WHERE projection_name = $1 AND projection_key = $2 AND version = $4`
	insertOffsetIfAbsentSQL = `
		INSERT INTO projection_offsets (projection_name, projection_key, timestamp, version)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (projection_name, projection_key) DO NOTHING`
	deleteSeenSQL = `DELETE FROM projection_offset_seen WHERE projection_name = $1 AND projection_key = $2`
	insertSeenSQL = `INSERT INTO projection_offset_seen (projection_name, projection_key, persistence_id, seq_nr) VALUES ($1, $2, $3, $4)`
)

func (p *Postgres) Load(ctx context.Context, id envelope.ProjectionID) (envelope.TimestampOffset, int64, error) {
	var ts time.Time
	var version int64
	err := p.pool.QueryRow(ctx, selectOffsetSQL, id.Name, id.Key).Scan(&ts, &version)
	if err != nil {
		if isNoRows(err) {
			return envelope.NoOffset(), 0, nil
		}
		return envelope.TimestampOffset{}, 0, fmt.Errorf("offsetstore: load: %w", err)
	}

	seen := make(map[string]int64)
	rows, err := p.pool.Query(ctx, selectSeenSQL, id.Name, id.Key)
	if err != nil {
		return envelope.TimestampOffset{}, 0, fmt.Errorf("offsetstore: load seen: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		var seqNr int64
		if err := rows.Scan(&pid, &seqNr); err != nil {
			return envelope.TimestampOffset{}, 0, fmt.Errorf("offsetstore: scan seen: %w", err)
		}
		seen[pid] = seqNr
	}

	return envelope.TimestampOffset{Timestamp: ts, Seen: seen}, version, rows.Err()
}

func (p *Postgres) Save(ctx context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("offsetstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertOffsetSQL, id.Name, id.Key, offset.Timestamp); err != nil {
		return fmt.Errorf("offsetstore: upsert offset: %w", err)
	}
	if err := replaceSeen(ctx, tx, id, offset); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) SaveIfVersion(ctx context.Context, id envelope.ProjectionID, offset envelope.TimestampOffset, expectedVersion int64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("offsetstore: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx, insertOffsetIfAbsentSQL, id.Name, id.Key, offset.Timestamp)
	} else {
		tag, err = tx.Exec(ctx, upsertOffsetIfVersionSQL, id.Name, id.Key, offset.Timestamp, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("offsetstore: conditional write: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	if err := replaceSeen(ctx, tx, id, offset); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const listOffsetsSQL = `SELECT projection_name, projection_key, timestamp, version FROM projection_offsets ORDER BY projection_name, projection_key`

// ListAll implements Lister. It does not include per-row Seen maps, since
// operator listing only needs the timestamp/version at a glance; callers
// wanting the full Seen map can Load a specific id.
func (p *Postgres) ListAll(ctx context.Context) ([]Row, error) {
	rows, err := p.pool.Query(ctx, listOffsetsSQL)
	if err != nil {
		return nil, fmt.Errorf("offsetstore: list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var name, key string
		var ts time.Time
		var version int64
		if err := rows.Scan(&name, &key, &ts, &version); err != nil {
			return nil, fmt.Errorf("offsetstore: scan list row: %w", err)
		}
		out = append(out, Row{
			ID:      envelope.ProjectionID{Name: name, Key: key},
			Offset:  envelope.TimestampOffset{Timestamp: ts},
			Version: version,
		})
	}
	return out, rows.Err()
}

func replaceSeen(ctx context.Context, tx pgx.Tx, id envelope.ProjectionID, offset envelope.TimestampOffset) error {
	if _, err := tx.Exec(ctx, deleteSeenSQL, id.Name, id.Key); err != nil {
		return fmt.Errorf("offsetstore: clear seen: %w", err)
	}
	for pid, seqNr := range offset.Seen {
		if _, err := tx.Exec(ctx, insertSeenSQL, id.Name, id.Key, pid, seqNr); err != nil {
			return fmt.Errorf("offsetstore: insert seen: %w", err)
		}
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
