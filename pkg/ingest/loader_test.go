package ingest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nycdatalab/taxilake/pkg/logger"
	pgtesting "github.com/nycdatalab/taxilake/pkg/postgres/testing"
	"github.com/nycdatalab/taxilake/pkg/transform"
)

func feedSource(t *testing.T, rows ...string) *CSVSource {
	t.Helper()
	src, err := NewCSVSource(strings.NewReader(
		tripCSVHeader + "\n" + strings.Join(rows, "\n") + "\n"))
	require.NoError(t, err)
	return src
}

func feedRow(pickup string, total float64) string {
	return fmt.Sprintf("2,%s,%s,1.0,3.1,1,N,161,237,1,%.2f,0.5,0.5,3.0,0.0,1.0,%.2f,2.5,0.0",
		pickup, pickup, total-3, total)
}

func newLoader(t *testing.T, pool *pgxpool.Pool, replace bool, now time.Time) *Loader {
	t.Helper()
	l, err := NewLoader(LoaderConfig{
		Logger:  logger.NewTest(),
		Pool:    pool,
		Clock:   clockwork.NewFakeClockAt(now),
		Replace: replace,
	})
	require.NoError(t, err)
	return l
}

func rawCount(t *testing.T, pool *pgxpool.Pool, batchID string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(t.Context(), fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE batch_id = $1", transform.RawTrips.SQL()), batchID).Scan(&n))
	return n
}

func TestTaxiLake_Ingest_LoadBatch(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	now := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	loader := newLoader(t, pool, false, now)

	t.Run("first load copies every row", func(t *testing.T) {
		n, err := loader.LoadBatch(ctx, "2024-03",
			feedSource(t, feedRow("2024-03-15 08:05:00", 22), feedRow("2024-03-15 09:10:00", 30)))
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
		require.Equal(t, 2, rawCount(t, pool, "2024-03"))

		var ingestedAt time.Time
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT DISTINCT ingested_at FROM %s WHERE batch_id = $1",
			transform.RawTrips.SQL()), "2024-03").Scan(&ingestedAt))
		require.True(t, ingestedAt.Equal(now))
	})

	t.Run("reload of a present batch is skipped", func(t *testing.T) {
		n, err := loader.LoadBatch(ctx, "2024-03", feedSource(t, feedRow("2024-03-16 08:00:00", 99)))
		require.NoError(t, err)
		require.Zero(t, n)
		require.Equal(t, 2, rawCount(t, pool, "2024-03"))
	})

	t.Run("replace swaps the whole batch", func(t *testing.T) {
		replacer := newLoader(t, pool, true, now.Add(time.Hour))
		n, err := replacer.LoadBatch(ctx, "2024-03", feedSource(t, feedRow("2024-03-20 12:00:00", 44)))
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		require.Equal(t, 1, rawCount(t, pool, "2024-03"))
	})

	t.Run("empty batch id is rejected", func(t *testing.T) {
		_, err := loader.LoadBatch(ctx, "", feedSource(t, feedRow("2024-03-15 08:05:00", 22)))
		require.Error(t, err)
	})

	t.Run("source errors roll the batch back", func(t *testing.T) {
		src, err := NewCSVSource(strings.NewReader(
			"tpep_pickup_datetime,total_amount\n2024-05-01 08:00:00,20.0\nnot-a-time,30.0\n"))
		require.NoError(t, err)

		_, err = loader.LoadBatch(ctx, "2024-05", src)
		require.Error(t, err)
		require.Equal(t, 0, rawCount(t, pool, "2024-05"))
	})
}

func TestTaxiLake_Ingest_LoadZones(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	loader := newLoader(t, pool, false, time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC))

	require.NoError(t, loader.LoadZones(ctx, []Zone{
		{LocationID: 161, Borough: "Manhattan", Zone: "Midtown Center", ServiceZone: "Yellow Zone"},
		{LocationID: 237, Borough: "Manhattan", Zone: "Upper East Side North", ServiceZone: "Yellow Zone"},
	}))

	var n int
	require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s", transform.ZoneLookup.SQL())).Scan(&n))
	require.Equal(t, 2, n)

	t.Run("reload replaces the dimension wholesale", func(t *testing.T) {
		require.NoError(t, loader.LoadZones(ctx, []Zone{
			{LocationID: 1, Borough: "EWR", Zone: "Newark Airport", ServiceZone: "EWR"},
		}))

		var zone string
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT zone FROM %s", transform.ZoneLookup.SQL())).Scan(&zone))
		require.Equal(t, "Newark Airport", zone)
	})
}
