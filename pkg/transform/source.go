// Package transform defines the derived-table models of the pipeline (staging,
// clean, quarantine, marts) and the runner that refreshes them in dependency
// order.
package transform

import (
	"context"
	"fmt"
	"strings"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/trip"
)

// scopeFilter renders the WHERE clause for a recompute scope against the
// given timestamp column. Values are always bound parameters.
func scopeFilter(column string, scope incremental.Scope) (string, []any) {
	var conds []string
	var args []any

	if len(scope.Batches) > 0 {
		args = append(args, scope.Batches)
		conds = append(conds, fmt.Sprintf("batch_id = ANY($%d)", len(args)))
	}
	if scope.Window != nil {
		col := postgres.Ident(column)
		args = append(args, scope.Window.Start)
		conds = append(conds, fmt.Sprintf("%s >= $%d", col, len(args)))
		args = append(args, scope.Window.End)
		conds = append(conds, fmt.Sprintf("%s < $%d", col, len(args)))
	}
	if len(conds) == 0 {
		return "TRUE", nil
	}
	return strings.Join(conds, " AND "), args
}

// ReadRawTrips reads raw-layer rows for a scope and coerces them into typed
// trip records. Integer-coded columns arrive as doubles from the source feed
// and are truncated here, matching the staging cast.
func ReadRawTrips(ctx context.Context, q postgres.Querier, source postgres.Rel, scope incremental.Scope) ([]trip.Trip, error) {
	where, args := scopeFilter("tpep_pickup_datetime", scope)
	sql := fmt.Sprintf(`
		SELECT vendorid, tpep_pickup_datetime, tpep_dropoff_datetime,
		       passenger_count, trip_distance, ratecodeid,
		       pulocationid, dolocationid, payment_type,
		       fare_amount, tip_amount, total_amount,
		       batch_id, ingested_at
		FROM %s
		WHERE %s`, source.SQL(), where)

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw trips from %s: %w", source, err)
	}
	defer rows.Close()

	var trips []trip.Trip
	for rows.Next() {
		var (
			t              trip.Trip
			vendorID       *int64
			passengerCount *float64
			rateCodeID     *int64
			puLocationID   *int64
			doLocationID   *int64
			paymentType    *int64
		)
		if err := rows.Scan(
			&vendorID, &t.PickupTS, &t.DropoffTS,
			&passengerCount, &t.TripDistance, &rateCodeID,
			&puLocationID, &doLocationID, &paymentType,
			&t.FareAmount, &t.TipAmount, &t.TotalAmount,
			&t.BatchID, &t.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan raw trip: %w", err)
		}
		t.VendorID = intFrom64(vendorID)
		t.PassengerCount = intFromFloat(passengerCount)
		t.RateCodeID = intFrom64(rateCodeID)
		t.PULocationID = intFrom64(puLocationID)
		t.DOLocationID = intFrom64(doLocationID)
		t.PaymentType = intFrom64(paymentType)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// ReadStagedTrips reads staging-layer rows for a scope into typed trip
// records. Staging columns are already cast, so the mapping is direct.
func ReadStagedTrips(ctx context.Context, q postgres.Querier, source postgres.Rel, scope incremental.Scope) ([]trip.Trip, error) {
	where, args := scopeFilter("pickup_ts", scope)
	sql := fmt.Sprintf(`
		SELECT vendor_id, pickup_ts, dropoff_ts,
		       passenger_count, trip_distance, rate_code_id,
		       pu_location_id, do_location_id, payment_type,
		       fare_amount, tip_amount, total_amount,
		       batch_id, ingested_at
		FROM %s
		WHERE %s`, source.SQL(), where)

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read staged trips from %s: %w", source, err)
	}
	defer rows.Close()

	var trips []trip.Trip
	for rows.Next() {
		var t trip.Trip
		if err := rows.Scan(
			&t.VendorID, &t.PickupTS, &t.DropoffTS,
			&t.PassengerCount, &t.TripDistance, &t.RateCodeID,
			&t.PULocationID, &t.DOLocationID, &t.PaymentType,
			&t.FareAmount, &t.TipAmount, &t.TotalAmount,
			&t.BatchID, &t.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan staged trip: %w", err)
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

func intFrom64(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func intFromFloat(v *float64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
