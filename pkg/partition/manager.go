// Package partition maintains the physical layout of the clean fact table:
// it converts a heap table into a monthly range-partitioned table without
// losing rows, creates month partitions on demand, and re-homes rows out of
// the default partition when a specific month partition appears.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/metrics"
	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// Shape is the physical state of the target relation.
type Shape string

const (
	ShapeAbsent      Shape = "absent"
	ShapeHeap        Shape = "heap"
	ShapePartitioned Shape = "partitioned"
)

// ErrUnexpectedRelKind is returned when the target relation exists but is
// neither a heap table nor a partitioned table (a view, foreign table, ...).
// The manager aborts without mutating anything.
var ErrUnexpectedRelKind = errors.New("target relation has unexpected kind")

// ManagerConfig configures a partition lifecycle Manager.
type ManagerConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	// Table is the logical parent table under management.
	Table postgres.Rel

	// Column is the range partition key. Defaults to pickup_ts.
	Column string

	// CreateColumnsSQL is the parenthesized column definition list used when
	// the table is absent and must be created partitioned from scratch.
	// Optional; without it the Absent state is a bootstrap error.
	CreateColumnsSQL string
}

func (c *ManagerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Table.Name == "" {
		return errors.New("table is required")
	}
	if c.Column == "" {
		c.Column = "pickup_ts"
	}
	return nil
}

// Manager drives the table shape state machine {Absent, Heap, Partitioned}.
type Manager struct {
	log *slog.Logger
	cfg ManagerConfig
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, cfg: cfg}, nil
}

// DefaultPartition returns the catch-all partition relation.
func (m *Manager) DefaultPartition() postgres.Rel {
	return m.cfg.Table.Sibling(m.cfg.Table.Name + "_pdefault")
}

// MonthPartition returns the partition relation for a month.
func (m *Manager) MonthPartition(month time.Time) postgres.Rel {
	return m.cfg.Table.Sibling(m.cfg.Table.Name + "_p" + month.Format("2006_01"))
}

// Shape reports the current physical state of the managed table.
func (m *Manager) Shape(ctx context.Context) (Shape, error) {
	return relShape(ctx, m.cfg.Pool, m.cfg.Table)
}

func relShape(ctx context.Context, q postgres.Querier, rel postgres.Rel) (Shape, error) {
	var kind string
	err := q.QueryRow(ctx, `
		SELECT c.relkind
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`,
		rel.Schema, rel.Name).Scan(&kind)
	if errors.Is(err, pgx.ErrNoRows) {
		return ShapeAbsent, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to inspect relation %s: %w", rel, err)
	}
	switch kind {
	case "r":
		return ShapeHeap, nil
	case "p":
		return ShapePartitioned, nil
	default:
		return "", fmt.Errorf("%w: %s has relkind %q", ErrUnexpectedRelKind, rel, kind)
	}
}

// EnsurePartitioned drives the managed table to the Partitioned state. It is
// idempotent and safe to invoke concurrently: the heap migration holds an
// exclusive lock for its duration and re-checks the shape after acquiring it,
// so a second caller observes Partitioned and returns without mutating.
func (m *Manager) EnsurePartitioned(ctx context.Context) error {
	shape, err := m.Shape(ctx)
	if err != nil {
		return err
	}

	switch shape {
	case ShapePartitioned:
		return nil
	case ShapeAbsent:
		return m.createPartitionedTable(ctx)
	case ShapeHeap:
		return m.migrateHeap(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedRelKind, shape)
	}
}

// createPartitionedTable handles Absent -> Partitioned. With no existing rows
// there is nothing to copy; the parent and its default partition are created
// in one transaction.
func (m *Manager) createPartitionedTable(ctx context.Context) error {
	if m.cfg.CreateColumnsSQL == "" {
		return fmt.Errorf("cannot create %s from scratch: run schema migrations first", m.cfg.Table)
	}

	m.log.Info("partition: creating partitioned table", "table", m.cfg.Table.String())

	tx, err := m.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	create := fmt.Sprintf("CREATE TABLE %s (%s) PARTITION BY RANGE (%s)",
		m.cfg.Table.SQL(), m.cfg.CreateColumnsSQL, postgres.Ident(m.cfg.Column))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create partitioned table %s: %w", m.cfg.Table, err)
	}

	if err := createDefaultPartition(ctx, tx, m.cfg.Table, m.DefaultPartition()); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// migrateHeap handles Heap -> Partitioned as an online migration: lock,
// re-check, build the partitioned twin, pre-create observed month partitions,
// copy, swap names. One transaction end to end, so a crash leaves either the
// heap or the fully migrated table.
func (m *Manager) migrateHeap(ctx context.Context) error {
	table := m.cfg.Table
	newTable := table.Sibling(table.Name + "__part_new")
	backup := table.Sibling(table.Name + "__heap_backup")

	m.log.Info("partition: migrating heap table to partitioned layout", "table", table.String())

	tx, err := m.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Blocks concurrent writers for the duration of the migration.
	if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE", table.SQL())); err != nil {
		return fmt.Errorf("failed to lock %s: %w", table, err)
	}

	// Another process may have migrated while we waited on the lock.
	shape, err := relShape(ctx, tx, table)
	if err != nil {
		return err
	}
	if shape == ShapePartitioned {
		m.log.Info("partition: table already migrated by a concurrent run", "table", table.String())
		return tx.Commit(ctx)
	}
	if shape != ShapeHeap {
		return fmt.Errorf("%w: expected heap during migration, found %s", ErrUnexpectedRelKind, shape)
	}

	create := fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL) PARTITION BY RANGE (%s)",
		newTable.SQL(), table.SQL(), postgres.Ident(m.cfg.Column))
	if _, err := tx.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create partitioned twin of %s: %w", table, err)
	}

	if err := createDefaultPartition(ctx, tx, newTable, m.DefaultPartition()); err != nil {
		return err
	}

	// Pre-create one partition per observed batch month so existing rows
	// route to real month partitions rather than piling into the default.
	months, err := observedBatchMonths(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, month := range months {
		part := m.MonthPartition(month)
		if err := createMonthPartition(ctx, tx, newTable, part, month); err != nil {
			return err
		}
	}

	copySQL := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", newTable.SQL(), table.SQL())
	if _, err := tx.Exec(ctx, copySQL); err != nil {
		return fmt.Errorf("failed to copy rows into partitioned table: %w", err)
	}

	renames := []string{
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", table.SQL(), postgres.Ident(backup.Name)),
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", newTable.SQL(), postgres.Ident(table.Name)),
		fmt.Sprintf("DROP TABLE %s", backup.SQL()),
	}
	for _, stmt := range renames {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to swap tables: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	m.log.Info("partition: heap migration complete", "table", table.String(), "monthPartitions", len(months))
	return nil
}

// EnsureDefaultPartition creates the catch-all partition if it does not
// exist. Always idempotent.
func (m *Manager) EnsureDefaultPartition(ctx context.Context) error {
	shape, err := m.Shape(ctx)
	if err != nil {
		return err
	}
	if shape != ShapePartitioned {
		return fmt.Errorf("cannot ensure default partition: %s is %s", m.cfg.Table, shape)
	}
	return createDefaultPartition(ctx, m.cfg.Pool, m.cfg.Table, m.DefaultPartition())
}

// EnsureMonthPartition creates the partition for the given month if absent,
// re-homing any rows for that month currently sitting in the default
// partition. Snapshot, delete, create and re-insert run in one transaction
// under an exclusive lock, so a crash mid-operation can neither lose nor
// duplicate rows.
func (m *Manager) EnsureMonthPartition(ctx context.Context, month time.Time) error {
	month = monthStart(month)
	part := m.MonthPartition(month)

	shape, err := m.Shape(ctx)
	if err != nil {
		return err
	}
	if shape != ShapePartitioned {
		return fmt.Errorf("cannot ensure month partition: %s is %s", m.cfg.Table, shape)
	}

	tx, err := m.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE", m.cfg.Table.SQL())); err != nil {
		return fmt.Errorf("failed to lock %s: %w", m.cfg.Table, err)
	}

	exists, err := relExists(ctx, tx, part)
	if err != nil {
		return err
	}
	if exists {
		return tx.Commit(ctx)
	}

	moved, err := m.rehome(ctx, tx, m.DefaultPartition(), part, month, month.AddDate(0, 1, 0))
	if err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit month partition: %w", err)
	}

	metrics.RecordPartitionCreated()
	if moved > 0 {
		metrics.RecordRowsRehomed(moved)
	}
	m.log.Info("partition: created month partition", "partition", part.String(), "rehomedRows", moved)
	return nil
}

// EnsureBatchMonths creates partitions for every parseable YYYY-MM batch id
// in the list. Non-conforming ids are skipped.
func (m *Manager) EnsureBatchMonths(ctx context.Context, batchIDs []string) error {
	for _, id := range batchIDs {
		month, ok := incremental.ParseBatchMonth(id)
		if !ok {
			m.log.Debug("partition: skipping non-month batch id", "batchID", id)
			continue
		}
		if err := m.EnsureMonthPartition(ctx, month); err != nil {
			return err
		}
	}
	return nil
}

// rehome moves the rows of [from, to) out of source and re-inserts them
// through the parent after destination exists, inside the caller's
// transaction. Returns the number of rows moved. The generalized form also
// serves partition rebalancing beyond the default-partition case.
func (m *Manager) rehome(ctx context.Context, tx pgx.Tx, source, destination postgres.Rel, from, to time.Time) (int64, error) {
	col := postgres.Ident(m.cfg.Column)

	snapshot := "rehome_" + destination.Name
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s) ON COMMIT DROP", postgres.Ident(snapshot), m.cfg.Table.SQL())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, fmt.Errorf("failed to create rehome snapshot table: %w", err)
	}

	fill := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE %s >= $1 AND %s < $2",
		postgres.Ident(snapshot), source.SQL(), col, col)
	if _, err := tx.Exec(ctx, fill, from, to); err != nil {
		return 0, fmt.Errorf("failed to snapshot rows from %s: %w", source, err)
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE %s >= $1 AND %s < $2", source.SQL(), col, col)
	tag, err := tx.Exec(ctx, del, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rows from %s: %w", source, err)
	}

	if err := createMonthPartition(ctx, tx, m.cfg.Table, destination, from); err != nil {
		return 0, err
	}

	// Insert through the parent so the engine routes rows to the new
	// partition.
	reinsert := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", m.cfg.Table.SQL(), postgres.Ident(snapshot))
	if _, err := tx.Exec(ctx, reinsert); err != nil {
		return 0, fmt.Errorf("failed to re-insert rehomed rows: %w", err)
	}

	return tag.RowsAffected(), nil
}

// Partitions lists the child partitions of the managed table.
func (m *Manager) Partitions(ctx context.Context) ([]string, error) {
	rows, err := m.cfg.Pool.Query(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		JOIN pg_namespace n ON n.oid = p.relnamespace
		WHERE n.nspname = $1 AND p.relname = $2
		ORDER BY c.relname`,
		m.cfg.Table.Schema, m.cfg.Table.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions of %s: %w", m.cfg.Table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan partition name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func createDefaultPartition(ctx context.Context, q postgres.Querier, parent, part postgres.Rel) error {
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s DEFAULT", part.SQL(), parent.SQL())
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create default partition %s: %w", part, err)
	}
	return nil
}

// createMonthPartition emits the range DDL for one calendar month. Bounds are
// rendered from time.Time values normalized by monthStart, never from caller
// strings.
func createMonthPartition(ctx context.Context, q postgres.Querier, parent, part postgres.Rel, month time.Time) error {
	month = monthStart(month)
	next := month.AddDate(0, 1, 0)
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')",
		part.SQL(), parent.SQL(), month.Format("2006-01-02"), next.Format("2006-01-02"))
	if _, err := q.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create month partition %s: %w", part, err)
	}
	return nil
}

func relExists(ctx context.Context, q postgres.Querier, rel postgres.Rel) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = $1 AND c.relname = $2
		)`, rel.Schema, rel.Name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check relation %s: %w", rel, err)
	}
	return exists, nil
}

// observedBatchMonths returns every calendar month between the minimum and
// maximum parseable batch month present in the table, inclusive.
func observedBatchMonths(ctx context.Context, q postgres.Querier, table postgres.Rel) ([]time.Time, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT batch_id FROM %s WHERE batch_id IS NOT NULL", table.SQL()))
	if err != nil {
		return nil, fmt.Errorf("failed to read batch ids from %s: %w", table, err)
	}
	defer rows.Close()

	var lo, hi time.Time
	var found bool
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan batch id: %w", err)
		}
		month, ok := incremental.ParseBatchMonth(id)
		if !ok {
			continue
		}
		if !found {
			lo, hi = month, month
			found = true
			continue
		}
		if month.Before(lo) {
			lo = month
		}
		if month.After(hi) {
			hi = month
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var months []time.Time
	for m := lo; !m.After(hi); m = m.AddDate(0, 1, 0) {
		months = append(months, m)
	}
	return months, nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
