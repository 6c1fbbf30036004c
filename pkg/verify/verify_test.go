package verify

import (
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/nycdatalab/taxilake/pkg/logger"
	pgtesting "github.com/nycdatalab/taxilake/pkg/postgres/testing"
	"github.com/nycdatalab/taxilake/pkg/transform"
)

// seedRawTrip inserts one raw feed row. Invalid rows get a negative distance
// so they fail validation deterministically.
func seedRawTrip(t *testing.T, pool *pgxpool.Pool, batchID string, pickup time.Time, total float64, valid bool) {
	t.Helper()
	distance := 3.1
	if !valid {
		distance = -1
	}
	dropoff := pickup.Add(25 * time.Minute)
	_, err := pool.Exec(t.Context(), fmt.Sprintf(`
		INSERT INTO %s (
			batch_id, vendorid, tpep_pickup_datetime, tpep_dropoff_datetime,
			passenger_count, trip_distance, ratecodeid, pulocationid, dolocationid,
			payment_type, fare_amount, tip_amount, total_amount, ingested_at
		) VALUES ($1, 2, $2, $3, 1.0, $4, 1, 161, 237, 1, $5, 2.0, $5, $6)`,
		transform.RawTrips.SQL()),
		batchID, pickup, dropoff, distance, total, pickup.AddDate(0, 0, 20))
	require.NoError(t, err)
}

func materialize(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	runner, err := transform.NewRunner(transform.RunnerConfig{
		Logger: logger.NewTest(),
		Pool:   pool,
		Clock:  clockwork.NewFakeClockAt(time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	require.NoError(t, runner.Run(t.Context()))
}

func newVerifier(t *testing.T, pool *pgxpool.Pool) *Verifier {
	t.Helper()
	v, err := NewVerifier(VerifierConfig{Logger: logger.NewTest(), Pool: pool})
	require.NoError(t, err)
	return v
}

func TestTaxiLake_Verify_Batch(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	mar := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)
	seedRawTrip(t, pool, "2024-03", mar, 21.5, true)
	seedRawTrip(t, pool, "2024-03", mar.Add(time.Hour), 34.0, true)
	seedRawTrip(t, pool, "2024-03", mar.Add(2*time.Hour), 12.0, false)
	materialize(t, pool)

	v := newVerifier(t, pool)

	t.Run("consistent batch passes", func(t *testing.T) {
		require.NoError(t, v.Batch(ctx, "2024-03"))
	})

	t.Run("empty batch id is rejected", func(t *testing.T) {
		require.Error(t, v.Batch(ctx, ""))
	})

	t.Run("unknown batch compares two empty sets", func(t *testing.T) {
		require.NoError(t, v.Batch(ctx, "2030-01"))
	})

	t.Run("missing clean row is reported", func(t *testing.T) {
		_, err := pool.Exec(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE batch_id = $1 AND total_amount = $2",
			transform.CleanTrips.SQL()), "2024-03", 34.0)
		require.NoError(t, err)

		err = v.Batch(ctx, "2024-03")
		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, "2024-03", mismatch.BatchID)
		require.Equal(t, 2, mismatch.Expected)
		require.Equal(t, 1, mismatch.Actual)
		require.Equal(t, 1, mismatch.Missing)
		require.Equal(t, 0, mismatch.Extra)
	})

	t.Run("tampered fingerprint counts as missing and extra", func(t *testing.T) {
		// One clean row remains after the previous subtest; corrupting its
		// fingerprint makes both expected fingerprints missing and the
		// corrupted one extra.
		_, err := pool.Exec(ctx, fmt.Sprintf(
			"UPDATE %s SET row_fingerprint = 'deadbeef' WHERE batch_id = $1",
			transform.CleanTrips.SQL()), "2024-03")
		require.NoError(t, err)

		err = v.Batch(ctx, "2024-03")
		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, 2, mismatch.Missing)
		require.Equal(t, 1, mismatch.Extra)
	})
}

func TestTaxiLake_Verify_Batches(t *testing.T) {
	t.Parallel()

	log := logger.NewTest()
	pool := pgtesting.Setup(t, log, testPgDB)
	ctx := t.Context()

	mar := time.Date(2024, 3, 8, 9, 0, 0, 0, time.UTC)
	apr := time.Date(2024, 4, 8, 9, 0, 0, 0, time.UTC)
	seedRawTrip(t, pool, "2024-03", mar, 21.5, true)
	seedRawTrip(t, pool, "2024-04", apr, 18.0, true)
	materialize(t, pool)

	v := newVerifier(t, pool)

	t.Run("requires at least one id", func(t *testing.T) {
		require.Error(t, v.Batches(ctx, nil))
	})

	t.Run("all consistent", func(t *testing.T) {
		require.NoError(t, v.Batches(ctx, []string{"2024-03", "2024-04"}))
		require.NoError(t, v.AllBatches(ctx))
	})

	t.Run("one divergent batch does not mask the rest", func(t *testing.T) {
		_, err := pool.Exec(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE batch_id = $1", transform.CleanTrips.SQL()), "2024-04")
		require.NoError(t, err)

		err = v.Batches(ctx, []string{"2024-03", "2024-04"})
		require.Error(t, err)

		var mismatch *MismatchError
		require.ErrorAs(t, err, &mismatch)
		require.Equal(t, "2024-04", mismatch.BatchID)
	})
}
