// Package cdc drains a change-log table that application triggers or writers fill with
// (type, record id) pairs, and mirrors the pending changes through bulk sync.
package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lychee-technology/esbind"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const DefaultTable = "esbind_change_log"

var flushedChanges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "esbind",
		Name:      "changelog_flushed_total",
		Help:      "Change-log rows marked flushed by tracked type",
	},
	[]string{"type"},
)

// DB is a single session. Advisory locks are session scoped, so callers pass one
// acquired connection rather than a pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Syncer is the part of esbind.Binder the flusher needs.
type Syncer interface {
	Registry() *esbind.TypeRegistry
	BulkSync(ctx context.Context, t esbind.TrackedType, ids []int64, mode esbind.SyncMode) (*esbind.BulkResult, error)
}

// Config controls when and how much of the change log is drained.
type Config struct {
	Table      string
	BatchSize  int
	MinRecords int64
	// MaxAge forces a flush once the oldest pending change is this old, even below MinRecords.
	MaxAge time.Duration
}

// TypeReport is the outcome of one pass for one tracked type.
type TypeReport struct {
	Type     string `json:"type"`
	Pending  int64  `json:"pending"`
	Upserted int    `json:"upserted"`
	Deleted  int    `json:"deleted"`
	Failed   int    `json:"failed"`
	Flushed  int64  `json:"flushed"`
	Skipped  string `json:"skipped,omitempty"`
}

// Report summarises a pass.
type Report struct {
	RunID string       `json:"runId"`
	Types []TypeReport `json:"types"`
}

// Flusher drains the change log into the write aliases of registered types.
type Flusher struct {
	db     DB
	syncer Syncer
	cfg    Config
	table  string
	now    func() time.Time
}

func NewFlusher(db DB, syncer Syncer, cfg Config) *Flusher {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Flusher{
		db:     db,
		syncer: syncer,
		cfg:    cfg,
		table:  pgx.Identifier{cfg.Table}.Sanitize(),
		now:    time.Now,
	}
}

// EnsureTable creates the change-log table when it is missing.
func (f *Flusher) EnsureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id BIGSERIAL PRIMARY KEY,
  type_name TEXT NOT NULL,
  record_id BIGINT NOT NULL,
  deleted BOOLEAN NOT NULL DEFAULT FALSE,
  changed_at BIGINT NOT NULL,
  flushed_at BIGINT NOT NULL DEFAULT 0
)`, f.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (type_name, flushed_at, changed_at)`,
			pgx.Identifier{f.cfg.Table + "_pending_idx"}.Sanitize(), f.table),
	}
	for _, s := range stmts {
		if _, err := f.db.Exec(ctx, s); err != nil {
			return fmt.Errorf("create change log table: %w", err)
		}
	}
	return nil
}

// Record appends a change for typeName. changed_at is the current time in milliseconds.
func (f *Flusher) Record(ctx context.Context, typeName string, id int64, deleted bool) error {
	_, err := f.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (type_name, record_id, deleted, changed_at) VALUES ($1, $2, $3, $4)`, f.table),
		typeName, id, deleted, f.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

// RunOnce performs one full pass over the types with pending changes. Failures of one type
// are logged and do not stop the others. With dryRun the changes are synced but the rows
// stay pending.
func (f *Flusher) RunOnce(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{RunID: uuid.Must(uuid.NewV7()).String()}
	log := zap.S().With("run", report.RunID)

	names, err := f.pendingTypes(ctx)
	if err != nil {
		return report, err
	}

	for _, name := range names {
		tr := TypeReport{Type: name}
		spec, err := f.syncer.Registry().ByName(name)
		if err != nil {
			log.Warnw("change log references an unregistered type", "type", name, "error", err)
			tr.Skipped = "not registered"
			report.Types = append(report.Types, tr)
			continue
		}

		locked, err := f.tryLock(ctx, name)
		if err != nil {
			log.Errorw("acquire lock failed", "type", name, "error", err)
			tr.Skipped = "lock failed"
			report.Types = append(report.Types, tr)
			continue
		}
		if !locked {
			log.Infow("lock not acquired, skipping", "type", name)
			tr.Skipped = "locked"
			report.Types = append(report.Types, tr)
			continue
		}

		if err := f.flushType(ctx, spec, &tr, dryRun); err != nil {
			log.Errorw("flush failed", "type", name, "error", err)
			if tr.Skipped == "" {
				tr.Skipped = "error"
			}
		}
		f.unlock(ctx, name)
		report.Types = append(report.Types, tr)
	}
	return report, nil
}

// Run calls RunOnce every interval until ctx is done.
func (f *Flusher) Run(ctx context.Context, interval time.Duration, dryRun bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := f.RunOnce(ctx, dryRun); err != nil {
			zap.S().Errorw("change log pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Flusher) flushType(ctx context.Context, spec *esbind.TypeSpec, tr *TypeReport, dryRun bool) error {
	name := tr.Type
	cnt, oldest, err := f.stats(ctx, name)
	if err != nil {
		return err
	}
	tr.Pending = cnt
	if cnt == 0 {
		tr.Skipped = "empty"
		return nil
	}
	age := f.now().UnixMilli() - oldest
	if cnt < f.cfg.MinRecords && (f.cfg.MaxAge <= 0 || age < f.cfg.MaxAge.Milliseconds()) {
		zap.S().Infow("skip flush: thresholds not met", "type", name, "pending", cnt, "oldestAgeMs", age)
		tr.Skipped = "below threshold"
		return nil
	}

	upserts, deletes, snapshot, err := f.selectBatch(ctx, name)
	if err != nil {
		return err
	}

	var done []int64
	if len(upserts) > 0 {
		result, err := f.syncer.BulkSync(ctx, spec.Type, upserts, esbind.SyncModeUpsert)
		if err != nil && !isPartial(err) {
			return err
		}
		done = append(done, result.Succeeded...)
		tr.Upserted = len(result.Succeeded)
		for _, failure := range result.Failed {
			// The row is gone from the table, so its document should be as well.
			if failure.Type == esbind.ErrCodeRecordNotFound {
				deletes = append(deletes, failure.ID)
				continue
			}
			tr.Failed++
		}
	}
	if len(deletes) > 0 {
		result, err := f.syncer.BulkSync(ctx, spec.Type, deletes, esbind.SyncModeDelete)
		if err != nil && !isPartial(err) {
			return err
		}
		done = append(done, result.Succeeded...)
		tr.Deleted = len(result.Succeeded)
		tr.Failed += len(result.Failed)
	}

	if dryRun || len(done) == 0 {
		return nil
	}
	tag, err := f.db.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET flushed_at = $1 WHERE type_name = $2 AND flushed_at = 0 AND changed_at <= $3 AND record_id = ANY($4)`, f.table),
		f.now().UnixMilli(), name, snapshot, done)
	if err != nil {
		return fmt.Errorf("mark flushed: %w", err)
	}
	tr.Flushed = tag.RowsAffected()
	flushedChanges.WithLabelValues(name).Add(float64(tr.Flushed))
	zap.S().Infow("flush completed", "type", name, "upserted", tr.Upserted, "deleted", tr.Deleted,
		"failed", tr.Failed, "rowsFlushed", tr.Flushed)
	return nil
}

func (f *Flusher) pendingTypes(ctx context.Context) ([]string, error) {
	rows, err := f.db.Query(ctx, fmt.Sprintf(`SELECT DISTINCT type_name FROM %s WHERE flushed_at = 0 ORDER BY type_name`, f.table))
	if err != nil {
		return nil, fmt.Errorf("query pending types: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan pending types: %w", err)
	}
	return names, nil
}

func (f *Flusher) stats(ctx context.Context, name string) (int64, int64, error) {
	var cnt, oldest int64
	err := f.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*), COALESCE(min(changed_at), 0) FROM %s WHERE type_name = $1 AND flushed_at = 0`, f.table),
		name).Scan(&cnt, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("change log stats: %w", err)
	}
	return cnt, oldest, nil
}

// selectBatch returns the oldest pending changes split by their latest operation, and the
// newest changed_at among them.
func (f *Flusher) selectBatch(ctx context.Context, name string) ([]int64, []int64, int64, error) {
	rows, err := f.db.Query(ctx,
		fmt.Sprintf(`SELECT record_id, deleted, changed_at FROM %s WHERE type_name = $1 AND flushed_at = 0 ORDER BY changed_at, id LIMIT $2`, f.table),
		name, f.cfg.BatchSize)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("select batch: %w", err)
	}
	defer rows.Close()

	var (
		order    []int64
		latest   = make(map[int64]bool)
		snapshot int64
	)
	for rows.Next() {
		var (
			id        int64
			deleted   bool
			changedAt int64
		)
		if err := rows.Scan(&id, &deleted, &changedAt); err != nil {
			return nil, nil, 0, fmt.Errorf("scan batch: %w", err)
		}
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = deleted
		snapshot = max(snapshot, changedAt)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, 0, fmt.Errorf("select batch: %w", err)
	}

	var upserts, deletes []int64
	for _, id := range order {
		if latest[id] {
			deletes = append(deletes, id)
		} else {
			upserts = append(upserts, id)
		}
	}
	return upserts, deletes, snapshot, nil
}

func (f *Flusher) tryLock(ctx context.Context, name string) (bool, error) {
	var locked bool
	err := f.db.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, lockKey(name)).Scan(&locked)
	return locked, err
}

func (f *Flusher) unlock(ctx context.Context, name string) {
	if _, err := f.db.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, lockKey(name)); err != nil {
		zap.S().Warnw("release lock failed", "type", name, "error", err)
	}
}

func lockKey(name string) string {
	return "esbind:changelog:" + name
}

func isPartial(err error) bool {
	var partial *esbind.BulkPartialFailure
	return errors.As(err, &partial)
}
