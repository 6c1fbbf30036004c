package trip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intP(v int) *int             { return &v }
func floatP(v float64) *float64   { return &v }
func timeP(v time.Time) *time.Time { return &v }

// validTrip returns a trip that passes every rule: 10 km/h over 30 minutes.
func validTrip() Trip {
	pickup := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	return Trip{
		VendorID:       intP(2),
		PickupTS:       timeP(pickup),
		DropoffTS:      timeP(pickup.Add(30 * time.Minute)),
		PassengerCount: intP(1),
		TripDistance:   floatP(3.1),
		RateCodeID:     intP(1),
		PULocationID:   intP(161),
		DOLocationID:   intP(237),
		PaymentType:    intP(1),
		FareAmount:     floatP(14.2),
		TipAmount:      floatP(2.0),
		TotalAmount:    floatP(18.7),
		BatchID:        "2024-03",
		IngestedAt:     time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTaxiLake_Trip_Validate(t *testing.T) {
	t.Parallel()

	t.Run("accepts a well formed trip", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		out := Validate(&trip)
		require.True(t, out.Accepted)
		require.Empty(t, out.Reason)
	})

	t.Run("rejects with the first failing reason", func(t *testing.T) {
		t.Parallel()

		pickup := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

		tests := []struct {
			name   string
			mutate func(*Trip)
			reason ReasonCode
		}{
			{"missing pickup timestamp", func(tr *Trip) { tr.PickupTS = nil }, ReasonMissingTimestamps},
			{"missing dropoff timestamp", func(tr *Trip) { tr.DropoffTS = nil }, ReasonMissingTimestamps},
			{"dropoff before pickup", func(tr *Trip) { tr.DropoffTS = timeP(pickup.Add(-time.Minute)) }, ReasonNegativeDuration},
			{"missing pickup location", func(tr *Trip) { tr.PULocationID = nil }, ReasonMissingLocation},
			{"missing dropoff location", func(tr *Trip) { tr.DOLocationID = nil }, ReasonMissingLocation},
			{"missing distance", func(tr *Trip) { tr.TripDistance = nil }, ReasonNonPositiveDistance},
			{"zero distance", func(tr *Trip) { tr.TripDistance = floatP(0) }, ReasonNonPositiveDistance},
			{"negative distance", func(tr *Trip) { tr.TripDistance = floatP(-1.5) }, ReasonNonPositiveDistance},
			{"missing total", func(tr *Trip) { tr.TotalAmount = nil }, ReasonNegativeTotal},
			{"negative total", func(tr *Trip) { tr.TotalAmount = floatP(-0.01) }, ReasonNegativeTotal},
			{"payment type zero", func(tr *Trip) { tr.PaymentType = intP(0) }, ReasonInvalidPaymentType},
			{"payment type out of range", func(tr *Trip) { tr.PaymentType = intP(7) }, ReasonInvalidPaymentType},
			{"rate code out of range", func(tr *Trip) { tr.RateCodeID = intP(42) }, ReasonInvalidRateCode},
			{"unrealistic speed", func(tr *Trip) {
				// 100 miles in 30 minutes is well past 200 km/h
				tr.TripDistance = floatP(100)
			}, ReasonUnrealisticSpeed},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				trip := validTrip()
				tt.mutate(&trip)
				out := Validate(&trip)
				require.False(t, out.Accepted)
				require.Equal(t, tt.reason, out.Reason)
			})
		}
	})

	t.Run("cascade order picks the earliest rule", func(t *testing.T) {
		t.Parallel()
		// both timestamps missing and distance negative: timestamps win
		trip := validTrip()
		trip.PickupTS = nil
		trip.TripDistance = floatP(-2)
		out := Validate(&trip)
		require.Equal(t, ReasonMissingTimestamps, out.Reason)
	})

	t.Run("nullable code columns are not rejected when absent", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.PaymentType = nil
		trip.RateCodeID = nil
		trip.VendorID = nil
		trip.PassengerCount = nil
		require.True(t, Validate(&trip).Accepted)
	})

	t.Run("rate code 99 is accepted", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.RateCodeID = intP(99)
		require.True(t, Validate(&trip).Accepted)
	})

	t.Run("zero duration trips skip the speed rule", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.DropoffTS = timeP(*trip.PickupTS)
		require.True(t, Validate(&trip).Accepted)
	})
}

func TestTaxiLake_Trip_Derived(t *testing.T) {
	t.Parallel()

	t.Run("duration in whole seconds", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		dur := trip.DurationSec()
		require.NotNil(t, dur)
		require.Equal(t, int64(1800), *dur)
	})

	t.Run("duration nil without timestamps", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.DropoffTS = nil
		require.Nil(t, trip.DurationSec())
	})

	t.Run("speed converts miles to km", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.TripDistance = floatP(10)
		trip.DropoffTS = timeP(trip.PickupTS.Add(time.Hour))
		speed := trip.AvgSpeedKMH()
		require.NotNil(t, speed)
		require.InDelta(t, 16.09344, *speed, 1e-9)
	})

	t.Run("speed nil for non positive duration", func(t *testing.T) {
		t.Parallel()
		trip := validTrip()
		trip.DropoffTS = timeP(*trip.PickupTS)
		require.Nil(t, trip.AvgSpeedKMH())
	})
}
