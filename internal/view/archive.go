package view

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"hivewatch/core-go/internal/sqlcgen"
)

// ErrArchiveUnavailable is returned by History when no database is configured.
var ErrArchiveUnavailable = errors.New("snapshot archive unavailable")

// ArchiveQueries is the minimal DB interface the archive needs.
// *sqlcgen.Queries satisfies it.
type ArchiveQueries interface {
	InsertViewSnapshot(ctx context.Context, arg sqlcgen.InsertViewSnapshotParams) error
	ListViewSnapshots(ctx context.Context, limit int32) ([]sqlcgen.ViewSnapshot, error)
	PruneViewSnapshots(ctx context.Context, before time.Time) (int64, error)
}

type ArchiveOptions struct {
	Buffer       int
	WriteTimeout time.Duration
	Retention    time.Duration
	PruneEvery   time.Duration
}

// Archive persists committed snapshots in the background. Record never
// blocks; when the queue is full the snapshot is dropped and logged.
type Archive struct {
	log          zerolog.Logger
	q            ArchiveQueries
	queue        chan Snapshot
	writeTimeout time.Duration
	retention    time.Duration
	pruneEvery   time.Duration
}

// HistoryEntry is one archived snapshot.
type HistoryEntry struct {
	Seq         uint64          `json:"seq"`
	Epoch       uint64          `json:"epoch"`
	Mode        string          `json:"mode"`
	Records     int             `json:"records"`
	Edges       int             `json:"edges"`
	Error       string          `json:"error,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

func NewArchive(log zerolog.Logger, q ArchiveQueries, opts ArchiveOptions) *Archive {
	buf := opts.Buffer
	if buf <= 0 {
		buf = 64
	}
	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = 5 * time.Second
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	pruneEvery := opts.PruneEvery
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	return &Archive{
		log:          log.With().Str("component", "view_archive").Logger(),
		q:            q,
		queue:        make(chan Snapshot, buf),
		writeTimeout: wt,
		retention:    retention,
		pruneEvery:   pruneEvery,
	}
}

// Record queues snap for persistence.
func (a *Archive) Record(snap Snapshot) {
	if a == nil || a.q == nil {
		return
	}
	select {
	case a.queue <- snap:
	default:
		a.log.Warn().Uint64("seq", snap.Seq).Msg("archive queue full; snapshot not persisted")
	}
}

// Run writes queued snapshots until ctx is done, pruning old rows
// periodically.
func (a *Archive) Run(ctx context.Context) {
	if a == nil || a.q == nil {
		return
	}

	ticker := time.NewTicker(a.pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.queue:
			if err := a.write(ctx, snap); err != nil {
				a.log.Error().Err(err).Uint64("seq", snap.Seq).Msg("failed to archive snapshot")
			}
		case <-ticker.C:
			a.prune(ctx)
		}
	}
}

func (a *Archive) write(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	var lastError *string
	if snap.Error != "" {
		msg := snap.Error
		lastError = &msg
	}

	wctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	return a.q.InsertViewSnapshot(wctx, sqlcgen.InsertViewSnapshotParams{
		Seq:         int64(snap.Seq),
		Epoch:       int64(snap.Epoch),
		Mode:        snap.Mode,
		RecordCount: int32(len(snap.Records)),
		EdgeCount:   int32(len(snap.Edges)),
		Payload:     payload,
		LastError:   lastError,
		CommittedAt: snap.UpdatedAt,
	})
}

func (a *Archive) prune(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, a.writeTimeout)
	defer cancel()
	n, err := a.q.PruneViewSnapshots(pctx, time.Now().Add(-a.retention))
	if err != nil {
		a.log.Error().Err(err).Msg("failed to prune archived snapshots")
		return
	}
	if n > 0 {
		a.log.Info().Int64("rows", n).Msg("pruned archived snapshots")
	}
}

// History returns up to limit archived snapshots, newest first.
func (a *Archive) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if a == nil || a.q == nil {
		return nil, ErrArchiveUnavailable
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := a.q.ListViewSnapshots(ctx, int32(limit))
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		e := HistoryEntry{
			Seq:         uint64(r.Seq),
			Epoch:       uint64(r.Epoch),
			Mode:        r.Mode,
			Records:     int(r.RecordCount),
			Edges:       int(r.EdgeCount),
			CommittedAt: r.CommittedAt,
			Snapshot:    json.RawMessage(r.Payload),
		}
		if r.LastError != nil {
			e.Error = *r.LastError
		}
		out = append(out, e)
	}
	return out, nil
}
