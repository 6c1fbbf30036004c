package incremental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nycdatalab/taxilake/pkg/metrics"
	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// Scope bounds one recomputation: a time window, a batch set, or both unset
// for a full recompute.
type Scope struct {
	Window  *Window
	Batches []string
}

// Model describes one derived table a strategy refreshes. The model supplies
// the recompute (via Rows); the strategy only decides scope and conflict
// handling.
type Model struct {
	Name   string
	Source postgres.Rel // lineage source consulted by change detection
	Target postgres.Rel

	Columns     []string
	EventColumn string // time-bucket column; required by the window strategy

	// ConflictColumns is the upsert key for the fingerprint-merge strategy.
	ConflictColumns []string

	// Rows recomputes the target rows for the given scope, in Columns order.
	Rows func(ctx context.Context, q postgres.Querier, scope Scope) ([][]any, error)
}

func (m *Model) validate() error {
	if m.Name == "" {
		return errors.New("model name is required")
	}
	if m.Target.Name == "" {
		return errors.New("model target is required")
	}
	if len(m.Columns) == 0 {
		return errors.New("model columns are required")
	}
	if m.Rows == nil {
		return errors.New("model rows function is required")
	}
	return nil
}

// Strategy is an interchangeable incremental refresh policy. Running a
// strategy twice with no intervening source changes leaves the target
// unchanged. Strategies are not safe for concurrent runs against the same
// target with overlapping scope; single-flight per target is the caller's
// responsibility.
type Strategy interface {
	Name() string
	Refresh(ctx context.Context, pool *pgxpool.Pool, m Model) error
}

// Run refreshes one model, recording run metrics.
func Run(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, s Strategy, m Model) error {
	start := time.Now()
	err := s.Refresh(ctx, pool, m)
	metrics.RecordMaterialization(m.Name, s.Name(), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to refresh %s with %s: %w", m.Name, s.Name(), err)
	}
	log.Info("incremental: refreshed model", "model", m.Name, "strategy", s.Name(), "duration", time.Since(start))
	return nil
}

// WindowDeleteInsert deletes the target rows inside the resolved window and
// reinserts the recomputed rows for that window, in one transaction.
type WindowDeleteInsert struct {
	log      *slog.Logger
	resolver *WindowResolver
}

func NewWindowDeleteInsert(log *slog.Logger, resolver *WindowResolver) (*WindowDeleteInsert, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if resolver == nil {
		return nil, errors.New("window resolver is required")
	}
	return &WindowDeleteInsert{log: log, resolver: resolver}, nil
}

func (s *WindowDeleteInsert) Name() string { return "window_delete_insert" }

func (s *WindowDeleteInsert) Refresh(ctx context.Context, pool *pgxpool.Pool, m Model) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.EventColumn == "" {
		return fmt.Errorf("model %s has no event column for the window strategy", m.Name)
	}

	w, err := s.resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	rows, err := m.Rows(ctx, pool, Scope{Window: &w})
	if err != nil {
		return fmt.Errorf("failed to recompute rows for %s: %w", m.Name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2",
		m.Target.SQL(), postgres.Ident(m.EventColumn), postgres.Ident(m.EventColumn))
	if _, err := tx.Exec(ctx, del, w.Start, w.End); err != nil {
		return fmt.Errorf("failed to delete window %s from %s: %w", w, m.Target, err)
	}

	if err := copyRows(ctx, tx, m, rows); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.log.Debug("incremental: window refresh applied", "model", m.Name, "window", w.String(), "rows", len(rows))
	return nil
}

// BatchDeleteInsert replaces whole ingestion batches: the explicit override
// set when provided, otherwise the change detector's result.
type BatchDeleteInsert struct {
	log      *slog.Logger
	override BatchList
}

func NewBatchDeleteInsert(log *slog.Logger, override BatchList) (*BatchDeleteInsert, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &BatchDeleteInsert{log: log, override: override}, nil
}

func (s *BatchDeleteInsert) Name() string { return "batch_delete_insert" }

func (s *BatchDeleteInsert) Refresh(ctx context.Context, pool *pgxpool.Pool, m Model) error {
	if err := m.validate(); err != nil {
		return err
	}

	batches, err := resolveBatches(ctx, pool, m, s.override)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		s.log.Debug("incremental: no changed batches, skipping", "model", m.Name)
		return nil
	}

	rows, err := m.Rows(ctx, pool, Scope{Batches: batches})
	if err != nil {
		return fmt.Errorf("failed to recompute rows for %s: %w", m.Name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	del := fmt.Sprintf("DELETE FROM %s WHERE batch_id = ANY($1)", m.Target.SQL())
	if _, err := tx.Exec(ctx, del, batches); err != nil {
		return fmt.Errorf("failed to delete batches from %s: %w", m.Target, err)
	}

	if err := copyRows(ctx, tx, m, rows); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.log.Debug("incremental: batch refresh applied", "model", m.Name, "batches", batches, "rows", len(rows))
	return nil
}

// FingerprintMerge upserts recomputed rows keyed by content fingerprint:
// rows already present are left alone, new fingerprints are inserted. Safe
// under row-level duplicate delivery across overlapping batch reprocessing.
type FingerprintMerge struct {
	log      *slog.Logger
	override BatchList
}

func NewFingerprintMerge(log *slog.Logger, override BatchList) (*FingerprintMerge, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &FingerprintMerge{log: log, override: override}, nil
}

func (s *FingerprintMerge) Name() string { return "fingerprint_merge" }

func (s *FingerprintMerge) Refresh(ctx context.Context, pool *pgxpool.Pool, m Model) error {
	if err := m.validate(); err != nil {
		return err
	}
	if len(m.ConflictColumns) == 0 {
		return fmt.Errorf("model %s has no conflict columns for the merge strategy", m.Name)
	}

	batches, err := resolveBatches(ctx, pool, m, s.override)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		s.log.Debug("incremental: no changed batches, skipping", "model", m.Name)
		return nil
	}

	rows, err := m.Rows(ctx, pool, Scope{Batches: batches})
	if err != nil {
		return fmt.Errorf("failed to recompute rows for %s: %w", m.Name, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// COPY into a session temp table, then merge into the target. The temp
	// table drops itself at commit.
	tmp := "merge_" + m.Target.Name
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		postgres.Ident(tmp), m.Target.SQL())
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create merge temp table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy rows into merge temp table: %w", err)
	}

	merge := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		m.Target.SQL(),
		postgres.IdentList(m.Columns),
		postgres.IdentList(m.Columns),
		postgres.Ident(tmp),
		postgres.IdentList(m.ConflictColumns))
	if _, err := tx.Exec(ctx, merge); err != nil {
		return fmt.Errorf("failed to merge rows into %s: %w", m.Target, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.log.Debug("incremental: fingerprint merge applied", "model", m.Name, "batches", batches, "rows", len(rows))
	return nil
}

// resolveBatches applies the override-wins rule shared by the batch-scoped
// strategies.
func resolveBatches(ctx context.Context, q postgres.Querier, m Model, override BatchList) ([]string, error) {
	if ids := override.Normalize(); len(ids) > 0 {
		return ids, nil
	}
	if m.Source.Name == "" {
		return nil, fmt.Errorf("model %s has no lineage source for change detection", m.Name)
	}
	return ChangedBatches(ctx, q, m.Source, m.Target)
}

// copyRows bulk-inserts recomputed rows through the transaction.
func copyRows(ctx context.Context, tx pgx.Tx, m Model, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	ident := pgx.Identifier{m.Target.Schema, m.Target.Name}
	if _, err := tx.CopyFrom(ctx, ident, m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy rows into %s: %w", m.Target, err)
	}
	return nil
}
