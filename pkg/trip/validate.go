package trip

// ReasonCode classifies why a trip was rejected. The cascade evaluates rules
// in a fixed priority order and the first failing rule wins, so every
// rejected trip carries exactly one reason.
type ReasonCode string

const (
	ReasonMissingTimestamps   ReasonCode = "missing_timestamps"
	ReasonNegativeDuration    ReasonCode = "negative_duration"
	ReasonMissingLocation     ReasonCode = "missing_location"
	ReasonNonPositiveDistance ReasonCode = "non_positive_distance"
	ReasonNegativeTotal       ReasonCode = "negative_total"
	ReasonInvalidPaymentType  ReasonCode = "invalid_payment_type"
	ReasonInvalidRateCode     ReasonCode = "invalid_rate_code"
	ReasonUnrealisticSpeed    ReasonCode = "unrealistic_speed"
)

// ReasonCodes lists all reason codes in cascade order.
var ReasonCodes = []ReasonCode{
	ReasonMissingTimestamps,
	ReasonNegativeDuration,
	ReasonMissingLocation,
	ReasonNonPositiveDistance,
	ReasonNegativeTotal,
	ReasonInvalidPaymentType,
	ReasonInvalidRateCode,
	ReasonUnrealisticSpeed,
}

// TLC payment type codes 1..6.
var validPaymentTypes = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true}

// TLC rate codes 1..6 plus 99 ("unknown" used by the source feed).
var validRateCodes = map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 99: true}

// maxRealisticSpeedKMH is the quarantine threshold for implausible trips.
const maxRealisticSpeedKMH = 200.0

// Outcome is the binary classification of one trip. Accepted and rejected
// sets partition the input; the quarantine predicate is the structural
// negation of the accept predicate, so a record can never land in both.
type Outcome struct {
	Accepted bool
	Reason   ReasonCode
}

func accepted() Outcome {
	return Outcome{Accepted: true}
}

func rejected(r ReasonCode) Outcome {
	return Outcome{Reason: r}
}

// Validate classifies a trip. Pure function over one record; no side effects.
func Validate(t *Trip) Outcome {
	if t.PickupTS == nil || t.DropoffTS == nil {
		return rejected(ReasonMissingTimestamps)
	}
	if t.DropoffTS.Before(*t.PickupTS) {
		return rejected(ReasonNegativeDuration)
	}
	if t.PULocationID == nil || t.DOLocationID == nil {
		return rejected(ReasonMissingLocation)
	}
	if t.TripDistance == nil || *t.TripDistance <= 0 {
		return rejected(ReasonNonPositiveDistance)
	}
	if t.TotalAmount == nil || *t.TotalAmount < 0 {
		return rejected(ReasonNegativeTotal)
	}
	if t.PaymentType != nil && !validPaymentTypes[*t.PaymentType] {
		return rejected(ReasonInvalidPaymentType)
	}
	if t.RateCodeID != nil && !validRateCodes[*t.RateCodeID] {
		return rejected(ReasonInvalidRateCode)
	}
	if speed := t.AvgSpeedKMH(); speed != nil && *speed > maxRealisticSpeedKMH {
		return rejected(ReasonUnrealisticSpeed)
	}
	return accepted()
}
