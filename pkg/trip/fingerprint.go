package trip

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// fingerprintTimeLayout is the canonical text form for timestamp fields, so
// representation differences upstream (zones, sub-second precision) never
// change the digest.
const fingerprintTimeLayout = "2006-01-02 15:04:05"

// Fingerprint computes the content hash identifying an accepted row: a fixed,
// order-sensitive concatenation of seven fields joined with "|", nil mapped
// to the empty string, hashed with xxh3-128 and hex encoded.
//
// Two trips with identical values in all seven fields share a fingerprint.
// That collision is the intended deduplication semantics; the source feed has
// no natural primary key.
func Fingerprint(t *Trip) string {
	fields := []string{
		intField(t.VendorID),
		timeField(t.PickupTS),
		timeField(t.DropoffTS),
		intField(t.PULocationID),
		intField(t.DOLocationID),
		floatField(t.TripDistance),
		floatField(t.TotalAmount),
	}
	sum := xxh3.Hash128([]byte(strings.Join(fields, "|")))
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

func intField(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func timeField(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.Format(fingerprintTimeLayout)
}
