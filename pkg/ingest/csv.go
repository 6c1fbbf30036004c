package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// feed timestamps come as "2021-01-01 00:30:10"; some exports use RFC 3339.
var csvTimeLayouts = []string{"2006-01-02 15:04:05", time.RFC3339}

// CSVSource reads feed records from a CSV export with a header row. Column
// names are matched case-insensitively, and columns absent from the header
// yield nil fields.
type CSVSource struct {
	r    *csv.Reader
	cols map[string]int
	line int
}

func NewCSVSource(r io.Reader) (*CSVSource, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return &CSVSource{r: cr, cols: cols, line: 1}, nil
}

// Next returns the next record, or io.EOF once the file is exhausted.
func (s *CSVSource) Next() (*Record, error) {
	row, err := s.r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read CSV row: %w", err)
	}
	s.line++

	p := rowParser{cols: s.cols, row: row}
	rec := &Record{
		VendorID:             p.intCol("vendorid"),
		PickupDatetime:       p.timeCol("tpep_pickup_datetime"),
		DropoffDatetime:      p.timeCol("tpep_dropoff_datetime"),
		PassengerCount:       p.floatCol("passenger_count"),
		TripDistance:         p.floatCol("trip_distance"),
		RateCodeID:           p.intCol("ratecodeid"),
		StoreAndFwdFlag:      p.textCol("store_and_fwd_flag"),
		PULocationID:         p.intCol("pulocationid"),
		DOLocationID:         p.intCol("dolocationid"),
		PaymentType:          p.intCol("payment_type"),
		FareAmount:           p.floatCol("fare_amount"),
		Extra:                p.floatCol("extra"),
		MTATax:               p.floatCol("mta_tax"),
		TipAmount:            p.floatCol("tip_amount"),
		TollsAmount:          p.floatCol("tolls_amount"),
		ImprovementSurcharge: p.floatCol("improvement_surcharge"),
		TotalAmount:          p.floatCol("total_amount"),
		CongestionSurcharge:  p.floatCol("congestion_surcharge"),
		AirportFee:           p.floatCol("airport_fee"),
	}
	if p.err != nil {
		return nil, fmt.Errorf("CSV line %d: %w", s.line, p.err)
	}
	return rec, nil
}

// rowParser accumulates the first parse error instead of returning one per
// field, keeping the record construction flat.
type rowParser struct {
	cols map[string]int
	row  []string
	err  error
}

func (p *rowParser) raw(name string) (string, bool) {
	i, ok := p.cols[name]
	if !ok || i >= len(p.row) {
		return "", false
	}
	v := strings.TrimSpace(p.row[i])
	if v == "" {
		return "", false
	}
	return v, true
}

func (p *rowParser) textCol(name string) *string {
	v, ok := p.raw(name)
	if !ok {
		return nil
	}
	return &v
}

func (p *rowParser) intCol(name string) *int {
	v, ok := p.raw(name)
	if !ok || p.err != nil {
		return nil
	}
	// integer-coded columns arrive as "1" or "1.0" depending on the export
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: %w", name, err)
		return nil
	}
	i := int(f)
	return &i
}

func (p *rowParser) floatCol(name string) *float64 {
	v, ok := p.raw(name)
	if !ok || p.err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.err = fmt.Errorf("column %s: %w", name, err)
		return nil
	}
	return &f
}

func (p *rowParser) timeCol(name string) *time.Time {
	v, ok := p.raw(name)
	if !ok || p.err != nil {
		return nil
	}
	for _, layout := range csvTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	p.err = fmt.Errorf("column %s: unrecognized timestamp %q", name, v)
	return nil
}

// ReadZoneCSV parses the zone lookup export. Rows without a numeric location
// id are skipped, matching the upstream file's trailing notes.
func ReadZoneCSV(r io.Reader) ([]Zone, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read zone CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var zones []Zone
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read zone CSV row: %w", err)
		}
		id, err := strconv.Atoi(field(row, "locationid"))
		if err != nil {
			continue
		}
		zones = append(zones, Zone{
			LocationID:  id,
			Borough:     field(row, "borough"),
			Zone:        field(row, "zone"),
			ServiceZone: field(row, "service_zone"),
		})
	}
	return zones, nil
}
