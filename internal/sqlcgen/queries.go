package sqlcgen

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX matches the minimal interface needed from pgxpool.Pool or pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgx.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const ensureViewSnapshots = `-- name: EnsureViewSnapshots :exec
CREATE TABLE IF NOT EXISTS view_snapshots (
  id           BIGSERIAL PRIMARY KEY,
  seq          BIGINT NOT NULL,
  epoch        BIGINT NOT NULL,
  mode         TEXT NOT NULL,
  record_count INTEGER NOT NULL,
  edge_count   INTEGER NOT NULL,
  payload      JSONB NOT NULL,
  last_error   TEXT,
  committed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS view_snapshots_committed_at_idx ON view_snapshots (committed_at DESC);
`

func (q *Queries) EnsureViewSnapshots(ctx context.Context) error {
	_, err := q.db.Exec(ctx, ensureViewSnapshots)
	return err
}

const insertViewSnapshot = `-- name: InsertViewSnapshot :exec
INSERT INTO view_snapshots (
  seq,
  epoch,
  mode,
  record_count,
  edge_count,
  payload,
  last_error,
  committed_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
`

type InsertViewSnapshotParams struct {
	Seq         int64
	Epoch       int64
	Mode        string
	RecordCount int32
	EdgeCount   int32
	Payload     []byte
	LastError   *string
	CommittedAt time.Time
}

func (q *Queries) InsertViewSnapshot(ctx context.Context, arg InsertViewSnapshotParams) error {
	_, err := q.db.Exec(ctx, insertViewSnapshot,
		arg.Seq,
		arg.Epoch,
		arg.Mode,
		arg.RecordCount,
		arg.EdgeCount,
		string(arg.Payload),
		arg.LastError,
		arg.CommittedAt,
	)
	return err
}

const listViewSnapshots = `-- name: ListViewSnapshots :many
SELECT id,
       seq,
       epoch,
       mode,
       record_count,
       edge_count,
       payload::text,
       last_error,
       committed_at
FROM view_snapshots
ORDER BY committed_at DESC, id DESC
LIMIT $1
`

func (q *Queries) ListViewSnapshots(ctx context.Context, limit int32) ([]ViewSnapshot, error) {
	rows, err := q.db.Query(ctx, listViewSnapshots, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []ViewSnapshot
	for rows.Next() {
		var i ViewSnapshot
		var payload string
		if err := rows.Scan(
			&i.ID,
			&i.Seq,
			&i.Epoch,
			&i.Mode,
			&i.RecordCount,
			&i.EdgeCount,
			&payload,
			&i.LastError,
			&i.CommittedAt,
		); err != nil {
			return nil, err
		}
		i.Payload = []byte(payload)
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const pruneViewSnapshots = `-- name: PruneViewSnapshots :execrows
DELETE FROM view_snapshots
WHERE committed_at < $1
`

func (q *Queries) PruneViewSnapshots(ctx context.Context, before time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, pruneViewSnapshots, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
