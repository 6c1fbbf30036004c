package incremental

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nycdatalab/taxilake/pkg/logger"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	pgtesting "github.com/nycdatalab/taxilake/pkg/postgres/testing"
)

var (
	srcEvents = postgres.Rel{Schema: "public", Name: "src_events"}
	dstEvents = postgres.Rel{Schema: "public", Name: "dst_events"}
)

var eventColumns = []string{"batch_id", "event_ts", "payload", "fp", "ingested_at"}

// setupEventTables creates a minimal source/target pair shaped like the
// warehouse lineage tables: batch stamped, event timestamped, fingerprinted.
func setupEventTables(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	ctx := t.Context()

	for _, rel := range []postgres.Rel{srcEvents, dstEvents} {
		_, err := pool.Exec(ctx, fmt.Sprintf(`
			CREATE TABLE %s (
				batch_id    text        NOT NULL,
				event_ts    timestamptz NOT NULL,
				payload     text        NOT NULL,
				fp          text        NOT NULL,
				ingested_at timestamptz NOT NULL
			)`, rel.SQL()))
		require.NoError(t, err)
	}
	_, err := pool.Exec(ctx, fmt.Sprintf(
		"CREATE UNIQUE INDEX dst_events_fp_uq ON %s (fp)", dstEvents.SQL()))
	require.NoError(t, err)
}

func insertEvent(t *testing.T, pool *pgxpool.Pool, rel postgres.Rel, batchID, payload string, eventTS, ingestedAt time.Time) {
	t.Helper()
	_, err := pool.Exec(t.Context(), fmt.Sprintf(
		"INSERT INTO %s (batch_id, event_ts, payload, fp, ingested_at) VALUES ($1, $2, $3, $4, $5)", rel.SQL()),
		batchID, eventTS, payload, batchID+"/"+payload, ingestedAt)
	require.NoError(t, err)
}

// eventModel recomputes the target by copying the scoped source rows.
func eventModel() Model {
	return Model{
		Name:    "dst_events",
		Source:  srcEvents,
		Target:  dstEvents,
		Columns: eventColumns,

		EventColumn:     "event_ts",
		ConflictColumns: []string{"fp"},

		Rows: func(ctx context.Context, q postgres.Querier, scope Scope) ([][]any, error) {
			sql := fmt.Sprintf("SELECT batch_id, event_ts, payload, fp, ingested_at FROM %s", srcEvents.SQL())
			var args []any
			switch {
			case len(scope.Batches) > 0:
				sql += " WHERE batch_id = ANY($1)"
				args = append(args, scope.Batches)
			case scope.Window != nil:
				sql += " WHERE event_ts >= $1 AND event_ts < $2"
				args = append(args, scope.Window.Start, scope.Window.End)
			}
			rows, err := q.Query(ctx, sql+" ORDER BY fp", args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			var out [][]any
			for rows.Next() {
				vals, err := rows.Values()
				if err != nil {
					return nil, err
				}
				out = append(out, vals)
			}
			return out, rows.Err()
		},
	}
}

func countRows(t *testing.T, pool *pgxpool.Pool, rel postgres.Rel, where string, args ...any) int {
	t.Helper()
	sql := fmt.Sprintf("SELECT count(*) FROM %s", rel.SQL())
	if where != "" {
		sql += " WHERE " + where
	}
	var n int
	require.NoError(t, pool.QueryRow(t.Context(), sql, args...).Scan(&n))
	return n
}

func TestTaxiLake_Incremental_BatchDeleteInsert(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	setupEventTables(t, pool)
	ctx := t.Context()

	mar := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	apr := time.Date(2024, 4, 2, 16, 0, 0, 0, time.UTC)
	loaded := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	insertEvent(t, pool, srcEvents, "2024-03", "a", mar, loaded)
	insertEvent(t, pool, srcEvents, "2024-03", "b", mar.Add(time.Hour), loaded)
	insertEvent(t, pool, srcEvents, "2024-04", "c", apr, loaded)

	s, err := NewBatchDeleteInsert(log, BatchList{})
	require.NoError(t, err)

	t.Run("first run materializes every source batch", func(t *testing.T) {
		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 3, countRows(t, pool, dstEvents, ""))
		require.Equal(t, 2, countRows(t, pool, dstEvents, "batch_id = $1", "2024-03"))
	})

	t.Run("rerun without source changes is a no-op", func(t *testing.T) {
		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 3, countRows(t, pool, dstEvents, ""))
	})

	t.Run("only the newly ingested batch is recomputed", func(t *testing.T) {
		insertEvent(t, pool, srcEvents, "2024-04", "d", apr.Add(time.Hour), loaded.Add(time.Hour))

		changed, err := ChangedBatches(ctx, pool, srcEvents, dstEvents)
		require.NoError(t, err)
		require.Equal(t, []string{"2024-04"}, changed)

		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 4, countRows(t, pool, dstEvents, ""))
		require.Equal(t, 2, countRows(t, pool, dstEvents, "batch_id = $1", "2024-04"))

		changed, err = ChangedBatches(ctx, pool, srcEvents, dstEvents)
		require.NoError(t, err)
		require.Empty(t, changed)
	})

	t.Run("batch override wins over change detection", func(t *testing.T) {
		override, err := NewBatchDeleteInsert(log, BatchList{Text: "2024-03"})
		require.NoError(t, err)

		_, err = pool.Exec(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE batch_id = $1", dstEvents.SQL()), "2024-03")
		require.NoError(t, err)

		require.NoError(t, Run(ctx, log, pool, override, eventModel()))
		require.Equal(t, 2, countRows(t, pool, dstEvents, "batch_id = $1", "2024-03"))
	})
}

func TestTaxiLake_Incremental_WindowDeleteInsert(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	setupEventTables(t, pool)
	ctx := t.Context()

	jan := time.Date(2024, 1, 5, 8, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)
	loaded := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	// January is outside a one-month lookback anchored at March.
	insertEvent(t, pool, srcEvents, "2024-01", "old", jan, loaded)
	insertEvent(t, pool, srcEvents, "2024-03", "fresh", mar, loaded)

	// Pre-existing target state: a stale row inside the window and a settled
	// row outside it.
	insertEvent(t, pool, dstEvents, "2024-03", "stale", mar.Add(time.Hour), loaded)
	insertEvent(t, pool, dstEvents, "2024-01", "old", jan, loaded)

	resolver, err := NewWindowResolver(WindowResolverConfig{
		Logger:         log,
		Anchor:         SQLAnchorSource{Q: pool, Table: srcEvents},
		LookbackMonths: 1,
	})
	require.NoError(t, err)

	s, err := NewWindowDeleteInsert(log, resolver)
	require.NoError(t, err)
	require.NoError(t, Run(ctx, log, pool, s, eventModel()))

	require.Equal(t, 2, countRows(t, pool, dstEvents, ""))
	require.Equal(t, 0, countRows(t, pool, dstEvents, "payload = $1", "stale"))
	require.Equal(t, 1, countRows(t, pool, dstEvents, "payload = $1", "fresh"))
	require.Equal(t, 1, countRows(t, pool, dstEvents, "payload = $1", "old"))

	t.Run("rerun leaves the target unchanged", func(t *testing.T) {
		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 2, countRows(t, pool, dstEvents, ""))
	})

	t.Run("missing event column is rejected", func(t *testing.T) {
		m := eventModel()
		m.EventColumn = ""
		err := s.Refresh(ctx, pool, m)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no event column")
	})
}

func TestTaxiLake_Incremental_FingerprintMerge(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	setupEventTables(t, pool)
	ctx := t.Context()

	mar := time.Date(2024, 3, 11, 7, 0, 0, 0, time.UTC)
	loaded := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

	insertEvent(t, pool, srcEvents, "2024-03", "a", mar, loaded)
	insertEvent(t, pool, srcEvents, "2024-03", "b", mar.Add(time.Minute), loaded)

	s, err := NewFingerprintMerge(log, BatchList{Text: "2024-03"})
	require.NoError(t, err)

	require.NoError(t, Run(ctx, log, pool, s, eventModel()))
	require.Equal(t, 2, countRows(t, pool, dstEvents, ""))

	t.Run("duplicate delivery inserts nothing", func(t *testing.T) {
		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 2, countRows(t, pool, dstEvents, ""))
	})

	t.Run("new fingerprints merge alongside existing rows", func(t *testing.T) {
		insertEvent(t, pool, srcEvents, "2024-03", "c", mar.Add(2*time.Minute), loaded.Add(time.Hour))
		require.NoError(t, Run(ctx, log, pool, s, eventModel()))
		require.Equal(t, 3, countRows(t, pool, dstEvents, ""))
	})

	t.Run("missing conflict columns are rejected", func(t *testing.T) {
		m := eventModel()
		m.ConflictColumns = nil
		err := s.Refresh(ctx, pool, m)
		require.Error(t, err)
		require.Contains(t, err.Error(), "no conflict columns")
	})
}

func TestTaxiLake_Incremental_ModelValidation(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	s, err := NewBatchDeleteInsert(log, BatchList{})
	require.NoError(t, err)

	m := eventModel()
	m.Columns = nil
	err = s.Refresh(context.Background(), nil, m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "model columns are required")
}
