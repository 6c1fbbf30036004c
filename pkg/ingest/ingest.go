// Package ingest loads raw trip feeds and the zone lookup dimension into the
// warehouse. Loads are batch scoped: a batch already present is skipped unless
// the caller asks for replacement, and a replacement swaps the whole batch in
// one transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/nycdatalab/taxilake/pkg/metrics"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/transform"
)

// Record is one raw feed row, column for column. Pointer fields are nullable
// in the feed.
type Record struct {
	VendorID             *int
	PickupDatetime       *time.Time
	DropoffDatetime      *time.Time
	PassengerCount       *float64
	TripDistance         *float64
	RateCodeID           *int
	StoreAndFwdFlag      *string
	PULocationID         *int
	DOLocationID         *int
	PaymentType          *int
	FareAmount           *float64
	Extra                *float64
	MTATax               *float64
	TipAmount            *float64
	TollsAmount          *float64
	ImprovementSurcharge *float64
	TotalAmount          *float64
	CongestionSurcharge  *float64
	AirportFee           *float64
}

// RowSource yields feed records one at a time. Next returns io.EOF when the
// source is exhausted.
type RowSource interface {
	Next() (*Record, error)
}

var rawColumns = []string{
	"batch_id",
	"vendorid", "tpep_pickup_datetime", "tpep_dropoff_datetime",
	"passenger_count", "trip_distance", "ratecodeid", "store_and_fwd_flag",
	"pulocationid", "dolocationid", "payment_type",
	"fare_amount", "extra", "mta_tax", "tip_amount", "tolls_amount",
	"improvement_surcharge", "total_amount", "congestion_surcharge", "airport_fee",
	"ingested_at",
}

type LoaderConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// Table defaults to the raw trips table.
	Table postgres.Rel

	// Replace reloads a batch that is already present instead of skipping it.
	Replace bool
}

func (c *LoaderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Table == (postgres.Rel{}) {
		c.Table = transform.RawTrips
	}
	return nil
}

type Loader struct {
	log *slog.Logger
	cfg LoaderConfig
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger.With("component", "ingest"), cfg: cfg}, nil
}

// LoadBatch copies the source rows into the raw table under the given batch
// id. It returns the number of rows written, which is zero when the batch was
// already present and Replace is off.
func (l *Loader) LoadBatch(ctx context.Context, batchID string, src RowSource) (int64, error) {
	if batchID == "" {
		return 0, errors.New("batch id is required")
	}

	tx, err := l.cfg.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	gate := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE batch_id = $1)`, l.cfg.Table.SQL())
	if err := tx.QueryRow(ctx, gate, batchID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check batch presence: %w", err)
	}
	if exists {
		if !l.cfg.Replace {
			l.log.Info("ingest: batch already loaded, skipping", "batch_id", batchID)
			return 0, nil
		}
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE batch_id = $1`, l.cfg.Table.SQL()), batchID)
		if err != nil {
			return 0, fmt.Errorf("failed to delete batch %s: %w", batchID, err)
		}
		l.log.Info("ingest: replacing batch", "batch_id", batchID, "deleted", tag.RowsAffected())
	}

	copied, err := tx.CopyFrom(ctx,
		pgx.Identifier{l.cfg.Table.Schema, l.cfg.Table.Name},
		rawColumns,
		&recordCopySource{src: src, batchID: batchID, ingestedAt: l.cfg.Clock.Now().UTC()},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to copy batch %s: %w", batchID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch %s: %w", batchID, err)
	}

	metrics.RecordRowsIngested(batchID, copied)
	l.log.Info("ingest: batch loaded", "batch_id", batchID, "rows", copied)
	return copied, nil
}

// recordCopySource adapts a RowSource to the COPY protocol.
type recordCopySource struct {
	src        RowSource
	batchID    string
	ingestedAt time.Time

	cur *Record
	err error
}

func (s *recordCopySource) Next() bool {
	rec, err := s.src.Next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.err = err
		}
		return false
	}
	s.cur = rec
	return true
}

func (s *recordCopySource) Values() ([]any, error) {
	r := s.cur
	return []any{
		s.batchID,
		r.VendorID, r.PickupDatetime, r.DropoffDatetime,
		r.PassengerCount, r.TripDistance, r.RateCodeID, r.StoreAndFwdFlag,
		r.PULocationID, r.DOLocationID, r.PaymentType,
		r.FareAmount, r.Extra, r.MTATax, r.TipAmount, r.TollsAmount,
		r.ImprovementSurcharge, r.TotalAmount, r.CongestionSurcharge, r.AirportFee,
		s.ingestedAt,
	}, nil
}

func (s *recordCopySource) Err() error { return s.err }

// Zone is one row of the zone lookup dimension.
type Zone struct {
	LocationID  int
	Borough     string
	Zone        string
	ServiceZone string
}

// LoadZones replaces the zone lookup dimension wholesale. The dimension is
// small and versioned upstream, so a full swap is simpler than diffing.
func (l *Loader) LoadZones(ctx context.Context, zones []Zone) error {
	tx, err := l.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	table := transform.ZoneLookup
	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, table.SQL())); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}

	rows := make([][]any, 0, len(zones))
	for _, z := range zones {
		rows = append(rows, []any{z.LocationID, z.Borough, z.Zone, z.ServiceZone})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{table.Schema, table.Name},
		[]string{"locationid", "borough", "zone", "service_zone"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("failed to copy zone lookup: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit zone lookup: %w", err)
	}

	l.log.Info("ingest: zone lookup loaded", "rows", len(zones))
	return nil
}
