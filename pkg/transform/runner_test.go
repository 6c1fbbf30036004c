package transform

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/logger"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	pgtesting "github.com/nycdatalab/taxilake/pkg/postgres/testing"
)

type rawRow struct {
	batchID    string
	vendorID   *int
	pickupTS   *time.Time
	dropoffTS  *time.Time
	passengers *float64
	distance   *float64
	rateCode   *int
	puLocation *int
	doLocation *int
	payment    *int
	fare       *float64
	tip        *float64
	total      *float64
	ingestedAt time.Time
}

func insertRawRow(t *testing.T, pool *pgxpool.Pool, r rawRow) {
	t.Helper()
	_, err := pool.Exec(t.Context(), fmt.Sprintf(`
		INSERT INTO %s (
			batch_id, vendorid, tpep_pickup_datetime, tpep_dropoff_datetime,
			passenger_count, trip_distance, ratecodeid, pulocationid, dolocationid,
			payment_type, fare_amount, tip_amount, total_amount, ingested_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		RawTrips.SQL()),
		r.batchID, r.vendorID, r.pickupTS, r.dropoffTS,
		r.passengers, r.distance, r.rateCode, r.puLocation, r.doLocation,
		r.payment, r.fare, r.tip, r.total, r.ingestedAt)
	require.NoError(t, err)
}

func insertZone(t *testing.T, pool *pgxpool.Pool, locationID int, borough, zone string) {
	t.Helper()
	_, err := pool.Exec(t.Context(), fmt.Sprintf(
		"INSERT INTO %s (locationid, borough, zone, service_zone) VALUES ($1, $2, $3, $4)",
		ZoneLookup.SQL()),
		locationID, borough, zone, "Yellow Zone")
	require.NoError(t, err)
}

func validRawRow(batchID string, pickup time.Time, total float64, ingestedAt time.Time) rawRow {
	vendor, rate, pu, do, payment := 2, 1, 161, 237, 1
	passengers, distance, fare, tip := 1.0, 3.1, total - 3, 3.0
	dropoff := pickup.Add(30 * time.Minute)
	return rawRow{
		batchID:    batchID,
		vendorID:   &vendor,
		pickupTS:   &pickup,
		dropoffTS:  &dropoff,
		passengers: &passengers,
		distance:   &distance,
		rateCode:   &rate,
		puLocation: &pu,
		doLocation: &do,
		payment:    &payment,
		fare:       &fare,
		tip:        &tip,
		total:      &total,
		ingestedAt: ingestedAt,
	}
}

func relCount(t *testing.T, pool *pgxpool.Pool, rel postgres.Rel, where string, args ...any) int {
	t.Helper()
	sql := fmt.Sprintf("SELECT count(*) FROM %s", rel.SQL())
	if where != "" {
		sql += " WHERE " + where
	}
	var n int
	require.NoError(t, pool.QueryRow(t.Context(), sql, args...).Scan(&n))
	return n
}

func TestTaxiLake_Transform_Runner(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	insertZone(t, pool, 161, "Manhattan", "Midtown Center")
	insertZone(t, pool, 237, "Manhattan", "Upper East Side")

	loaded := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	tripDay := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	insertRawRow(t, pool, validRawRow("2024-03", tripDay.Add(8*time.Hour+5*time.Minute), 20, loaded))
	insertRawRow(t, pool, validRawRow("2024-03", tripDay.Add(9*time.Hour+10*time.Minute), 30, loaded))

	// A negative-distance trip and a trip with no dropoff timestamp must land
	// in quarantine, each with its cascade reason.
	badDistance := validRawRow("2024-03", tripDay.Add(10*time.Hour), 15, loaded)
	*badDistance.distance = -1
	insertRawRow(t, pool, badDistance)

	noDropoff := validRawRow("2024-03", tripDay.Add(11*time.Hour), 15, loaded)
	noDropoff.dropoffTS = nil
	insertRawRow(t, pool, noDropoff)

	runner, err := NewRunner(RunnerConfig{
		Logger: log,
		Pool:   pool,
		Clock:  clockwork.NewFakeClockAt(loaded),
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx))

	t.Run("staging carries every raw row", func(t *testing.T) {
		require.Equal(t, 4, relCount(t, pool, StagingTrips, ""))
		require.Equal(t, 4, relCount(t, pool, StagingTrips, "batch_id = $1", "2024-03"))
	})

	t.Run("clean keeps only accepted trips", func(t *testing.T) {
		require.Equal(t, 2, relCount(t, pool, CleanTrips, ""))
		require.Equal(t, 2, relCount(t, pool, CleanTrips, "row_fingerprint IS NOT NULL"))

		var duration int64
		var speed float64
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT trip_duration_sec, avg_speed_kmh FROM %s ORDER BY pickup_ts LIMIT 1",
			CleanTrips.SQL())).Scan(&duration, &speed))
		require.Equal(t, int64(1800), duration)
		require.InDelta(t, 3.1*1.609344*2, speed, 0.001)
	})

	t.Run("clean table is partitioned by batch month", func(t *testing.T) {
		var kind string
		require.NoError(t, pool.QueryRow(ctx, `
			SELECT c.relkind FROM pg_class c
			JOIN pg_namespace n ON n.oid = c.relnamespace
			WHERE n.nspname = 'clean' AND c.relname = 'clean_yellow_trips'`).Scan(&kind))
		require.Equal(t, "p", kind)
		require.Equal(t, 2, relCount(t, pool,
			postgres.Rel{Schema: "clean", Name: "clean_yellow_trips_p2024_03"}, ""))
	})

	t.Run("quarantine captures each rejection with its reason", func(t *testing.T) {
		require.Equal(t, 2, relCount(t, pool, QuarantineTrips, ""))
		require.Equal(t, 1, relCount(t, pool, QuarantineTrips, "reason_code = $1", "non_positive_distance"))
		require.Equal(t, 1, relCount(t, pool, QuarantineTrips, "reason_code = $1", "missing_timestamps"))
	})

	t.Run("daily revenue aggregates accepted trips", func(t *testing.T) {
		var trips int64
		var revenue float64
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT trips, revenue FROM %s WHERE trip_date = $1", DailyRevenue.SQL()),
			tripDay).Scan(&trips, &revenue))
		require.Equal(t, int64(2), trips)
		require.InDelta(t, 50.0, revenue, 0.001)
	})

	t.Run("hourly peak splits the day by pickup hour", func(t *testing.T) {
		require.Equal(t, 2, relCount(t, pool, HourlyPeak, ""))
		require.Equal(t, 1, relCount(t, pool, HourlyPeak, "trip_date = $1 AND hr = 8", tripDay))
		require.Equal(t, 1, relCount(t, pool, HourlyPeak, "trip_date = $1 AND hr = 9", tripDay))
	})

	t.Run("zone stats join the pickup zone dimension", func(t *testing.T) {
		var trips int64
		var avgTotal float64
		var borough, zone string
		require.NoError(t, pool.QueryRow(ctx, fmt.Sprintf(
			"SELECT borough, zone, trips, avg_total FROM %s WHERE batch_id = $1", ZoneStats.SQL()),
			"2024-03").Scan(&borough, &zone, &trips, &avgTotal))
		require.Equal(t, "Manhattan", borough)
		require.Equal(t, "Midtown Center", zone)
		require.Equal(t, int64(2), trips)
		require.InDelta(t, 25.0, avgTotal, 0.001)
	})

	t.Run("rerun without new data changes nothing", func(t *testing.T) {
		require.NoError(t, runner.Run(ctx))
		require.Equal(t, 4, relCount(t, pool, StagingTrips, ""))
		require.Equal(t, 2, relCount(t, pool, CleanTrips, ""))
		require.Equal(t, 2, relCount(t, pool, QuarantineTrips, ""))
		require.Equal(t, 1, relCount(t, pool, DailyRevenue, ""))
	})

	t.Run("new batch flows through incrementally", func(t *testing.T) {
		aprDay := time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)
		insertRawRow(t, pool, validRawRow("2024-04", aprDay.Add(7*time.Hour), 40, loaded.Add(time.Hour)))

		require.NoError(t, runner.Run(ctx))

		require.Equal(t, 3, relCount(t, pool, CleanTrips, ""))
		require.Equal(t, 1, relCount(t, pool, CleanTrips, "batch_id = $1", "2024-04"))
		require.Equal(t, 2, relCount(t, pool, DailyRevenue, ""))
		require.Equal(t, 1, relCount(t, pool, ZoneStats, "batch_id = $1", "2024-04"))

		// The March facts survive the April run untouched.
		require.Equal(t, 2, relCount(t, pool, CleanTrips, "batch_id = $1", "2024-03"))
		require.Equal(t, 1, relCount(t, pool, DailyRevenue, "trip_date = $1", tripDay))
	})
}

func TestTaxiLake_Transform_BatchOverride(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	loaded := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	insertRawRow(t, pool, validRawRow("2024-02", time.Date(2024, 2, 10, 9, 0, 0, 0, time.UTC), 18, loaded))
	insertRawRow(t, pool, validRawRow("2024-03", time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC), 22, loaded))

	runner, err := NewRunner(RunnerConfig{
		Logger:  log,
		Pool:    pool,
		Clock:   clockwork.NewFakeClockAt(loaded),
		Batches: incremental.BatchList{Text: "2024-03"},
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(ctx))

	require.Equal(t, 1, relCount(t, pool, StagingTrips, ""))
	require.Equal(t, 0, relCount(t, pool, StagingTrips, "batch_id = $1", "2024-02"))
	require.Equal(t, 1, relCount(t, pool, CleanTrips, "batch_id = $1", "2024-03"))
}
