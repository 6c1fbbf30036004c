package transform

import (
	"context"
	"fmt"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/trip"
)

var (
	RawTrips        = postgres.Rel{Schema: "raw", Name: "yellow_trips"}
	ZoneLookup      = postgres.Rel{Schema: "raw", Name: "taxi_zone_lookup"}
	StagingTrips    = postgres.Rel{Schema: "stg", Name: "stg_yellow_trips"}
	CleanTrips      = postgres.Rel{Schema: "clean", Name: "clean_yellow_trips"}
	QuarantineTrips = postgres.Rel{Schema: "quarantine", Name: "quarantine_yellow_trips"}
	DailyRevenue    = postgres.Rel{Schema: "marts", Name: "marts_daily_revenue"}
	HourlyPeak      = postgres.Rel{Schema: "marts", Name: "marts_hourly_peak"}
	ZoneStats       = postgres.Rel{Schema: "marts", Name: "marts_zone_stats"}
)

// CleanColumnsSQL is the column list used when the partition manager has to
// create the clean table from scratch. It mirrors the schema migration.
const CleanColumnsSQL = `
	vendor_id        integer,
	pickup_ts        timestamp NOT NULL,
	dropoff_ts       timestamp NOT NULL,
	passenger_count  integer,
	trip_distance    double precision NOT NULL,
	rate_code_id     integer,
	pu_location_id   integer NOT NULL,
	do_location_id   integer NOT NULL,
	payment_type     integer,
	fare_amount      double precision,
	tip_amount       double precision,
	total_amount     double precision NOT NULL,
	trip_duration_sec bigint NOT NULL,
	avg_speed_kmh    double precision,
	row_fingerprint  text NOT NULL,
	batch_id         text NOT NULL,
	ingested_at      timestamptz NOT NULL`

var tripColumns = []string{
	"vendor_id", "pickup_ts", "dropoff_ts",
	"passenger_count", "trip_distance", "rate_code_id",
	"pu_location_id", "do_location_id", "payment_type",
	"fare_amount", "tip_amount", "total_amount",
}

// StagingModel casts raw feed rows into typed staging rows and computes the
// derived duration and speed columns. Scoped per source batch.
func StagingModel() incremental.Model {
	return incremental.Model{
		Name:   "stg_yellow_trips",
		Source: RawTrips,
		Target: StagingTrips,
		Columns: append(append([]string{}, tripColumns...),
			"trip_duration_sec", "avg_speed_kmh", "batch_id", "ingested_at"),
		Rows: func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
			trips, err := ReadRawTrips(ctx, q, RawTrips, scope)
			if err != nil {
				return nil, err
			}
			rows := make([][]any, 0, len(trips))
			for i := range trips {
				t := &trips[i]
				rows = append(rows, append(tripValues(t),
					t.DurationSec(), t.AvgSpeedKMH(), t.BatchID, t.IngestedAt))
			}
			return rows, nil
		},
	}
}

// CleanModel keeps the staged rows that pass the acceptance predicate and
// stamps each with its content fingerprint. Merged on the fingerprint so
// re-delivered batches cannot duplicate facts.
func CleanModel() incremental.Model {
	return incremental.Model{
		Name:   "clean_yellow_trips",
		Source: StagingTrips,
		Target: CleanTrips,
		Columns: append(append([]string{}, tripColumns...),
			"trip_duration_sec", "avg_speed_kmh", "row_fingerprint", "batch_id", "ingested_at"),
		ConflictColumns: []string{"row_fingerprint", "pickup_ts"},
		Rows: func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
			trips, err := ReadStagedTrips(ctx, q, StagingTrips, scope)
			if err != nil {
				return nil, err
			}
			var rows [][]any
			for i := range trips {
				t := &trips[i]
				if !trip.Validate(t).Accepted {
					continue
				}
				rows = append(rows, append(tripValues(t),
					t.DurationSec(), t.AvgSpeedKMH(), trip.Fingerprint(t), t.BatchID, t.IngestedAt))
			}
			return rows, nil
		},
	}
}

// QuarantineModel captures the staged rows the acceptance predicate rejects,
// tagged with the first failing reason code.
func QuarantineModel() incremental.Model {
	return incremental.Model{
		Name:   "quarantine_yellow_trips",
		Source: StagingTrips,
		Target: QuarantineTrips,
		Columns: append(append([]string{}, tripColumns...),
			"reason_code", "batch_id", "ingested_at"),
		Rows: func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
			trips, err := ReadStagedTrips(ctx, q, StagingTrips, scope)
			if err != nil {
				return nil, err
			}
			var rows [][]any
			for i := range trips {
				t := &trips[i]
				outcome := trip.Validate(t)
				if outcome.Accepted {
					continue
				}
				rows = append(rows, append(tripValues(t),
					string(outcome.Reason), t.BatchID, t.IngestedAt))
			}
			return rows, nil
		},
	}
}

// DailyRevenueModel aggregates accepted trips into per-day totals. Refreshed
// over the resolved recompute window.
func DailyRevenueModel() incremental.Model {
	return incremental.Model{
		Name:        "marts_daily_revenue",
		Source:      CleanTrips,
		Target:      DailyRevenue,
		Columns:     []string{"trip_date", "trips", "revenue"},
		EventColumn: "trip_date",
		Rows:        aggregateRows(`
			SELECT pickup_ts::date AS trip_date, count(*), sum(total_amount)
			FROM ` + CleanTrips.SQL() + `
			WHERE pickup_ts >= $1 AND pickup_ts < $2
			GROUP BY 1`),
	}
}

// HourlyPeakModel aggregates accepted trips into per-day-per-hour counts.
func HourlyPeakModel() incremental.Model {
	return incremental.Model{
		Name:        "marts_hourly_peak",
		Source:      CleanTrips,
		Target:      HourlyPeak,
		Columns:     []string{"trip_date", "hr", "trips"},
		EventColumn: "trip_date",
		Rows:        aggregateRows(`
			SELECT pickup_ts::date AS trip_date, extract(hour FROM pickup_ts)::int AS hr, count(*)
			FROM ` + CleanTrips.SQL() + `
			WHERE pickup_ts >= $1 AND pickup_ts < $2
			GROUP BY 1, 2`),
	}
}

// ZoneStatsModel aggregates accepted trips by pickup zone, joined against the
// zone lookup dimension. Scoped per batch.
func ZoneStatsModel() incremental.Model {
	return incremental.Model{
		Name:    "marts_zone_stats",
		Source:  CleanTrips,
		Target:  ZoneStats,
		Columns: []string{"batch_id", "borough", "zone", "trips", "avg_total", "ingested_at"},
		Rows: func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
			sql := `
				SELECT t.batch_id, z.borough, z.zone, count(*), avg(t.total_amount), max(t.ingested_at)
				FROM ` + CleanTrips.SQL() + ` t
				LEFT JOIN ` + ZoneLookup.SQL() + ` z ON z.locationid = t.pu_location_id
				WHERE t.batch_id = ANY($1)
				GROUP BY 1, 2, 3`
			return queryRows(ctx, q, sql, scope.Batches)
		},
	}
}

// Models returns every model in refresh order. Staging feeds clean and
// quarantine, which feed the marts.
func Models() []incremental.Model {
	return []incremental.Model{
		StagingModel(),
		CleanModel(),
		QuarantineModel(),
		DailyRevenueModel(),
		HourlyPeakModel(),
		ZoneStatsModel(),
	}
}

func tripValues(t *trip.Trip) []any {
	return []any{
		t.VendorID, t.PickupTS, t.DropoffTS,
		t.PassengerCount, t.TripDistance, t.RateCodeID,
		t.PULocationID, t.DOLocationID, t.PaymentType,
		t.FareAmount, t.TipAmount, t.TotalAmount,
	}
}

// aggregateRows builds a window-scoped row producer from an aggregate query
// with the window bounds as its two bind parameters.
func aggregateRows(sql string) func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
	return func(ctx context.Context, q postgres.Querier, scope incremental.Scope) ([][]any, error) {
		if scope.Window == nil {
			return nil, fmt.Errorf("aggregate model requires a recompute window")
		}
		return queryRows(ctx, q, sql, scope.Window.Start, scope.Window.End)
	}
}

func queryRows(ctx context.Context, q postgres.Querier, sql string, args ...any) ([][]any, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query model rows: %w", err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read model row: %w", err)
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}
