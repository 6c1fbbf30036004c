// Package trip defines the trip record, the accept/reject validation cascade
// shared by the clean and quarantine pipelines, and the row fingerprint used
// as an identity surrogate.
package trip

import "time"

// Trip is one observed journey as read from the raw layer. Nullable source
// columns are pointers; BatchID and IngestedAt are lineage columns stamped at
// ingest time.
type Trip struct {
	VendorID       *int
	PickupTS       *time.Time
	DropoffTS      *time.Time
	PassengerCount *int
	TripDistance   *float64
	RateCodeID     *int
	PULocationID   *int
	DOLocationID   *int
	PaymentType    *int
	FareAmount     *float64
	TipAmount      *float64
	TotalAmount    *float64

	BatchID    string
	IngestedAt time.Time
}

// DurationSec returns dropoff minus pickup in whole seconds, or nil when
// either timestamp is missing. Negative durations are returned as-is; the
// validation cascade rejects them.
func (t *Trip) DurationSec() *int64 {
	if t.PickupTS == nil || t.DropoffTS == nil {
		return nil
	}
	d := int64(t.DropoffTS.Sub(*t.PickupTS) / time.Second)
	return &d
}

// AvgSpeedKMH returns distance over duration in km/h, or nil when distance is
// missing or duration is not positive.
func (t *Trip) AvgSpeedKMH() *float64 {
	dur := t.DurationSec()
	if dur == nil || *dur <= 0 || t.TripDistance == nil {
		return nil
	}
	// trip_distance is reported in miles by the source feed.
	kmh := (*t.TripDistance * 1.609344) / (float64(*dur) / 3600.0)
	return &kmh
}
