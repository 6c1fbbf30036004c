// Package verify recomputes what the clean table ought to contain for a batch
// directly from the raw layer and compares the two as fingerprint sets. It
// deliberately shares no SQL with the materialization path, so a bug there
// cannot hide here.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/metrics"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/transform"
	"github.com/nycdatalab/taxilake/pkg/trip"
)

// maxConcurrentBatches bounds the verifier fan-out so a long batch list does
// not exhaust the connection pool.
const maxConcurrentBatches = 4

// MismatchError reports a divergence between the recomputed expectation and
// the materialized clean table for one batch.
type MismatchError struct {
	BatchID  string
	Expected int
	Actual   int
	Missing  int // fingerprints expected but absent from the clean table
	Extra    int // fingerprints present in the clean table but not expected
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("batch %s: clean table diverges from recomputation: expected %d, actual %d (%d missing, %d extra)",
		e.BatchID, e.Expected, e.Actual, e.Missing, e.Extra)
}

type VerifierConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	// Source and Target default to the raw and clean trip tables.
	Source postgres.Rel
	Target postgres.Rel
}

func (c *VerifierConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Source == (postgres.Rel{}) {
		c.Source = transform.RawTrips
	}
	if c.Target == (postgres.Rel{}) {
		c.Target = transform.CleanTrips
	}
	return nil
}

type Verifier struct {
	log *slog.Logger
	cfg VerifierConfig
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{log: cfg.Logger.With("component", "verify"), cfg: cfg}, nil
}

// Batch verifies a single batch. It returns a *MismatchError when the sets
// diverge and nil when they agree.
func (v *Verifier) Batch(ctx context.Context, batchID string) error {
	if batchID == "" {
		return errors.New("batch id is required")
	}

	expected, err := v.expectedFingerprints(ctx, batchID)
	if err != nil {
		return err
	}
	actual, err := v.cleanFingerprints(ctx, batchID)
	if err != nil {
		return err
	}

	missing := diffCount(expected, actual)
	extra := diffCount(actual, expected)
	if missing == 0 && extra == 0 {
		v.log.Info("verify: batch consistent", "batch_id", batchID, "rows", len(expected))
		return nil
	}

	metrics.RecordVerifierMismatch(batchID, missing, extra)
	v.log.Error("verify: batch diverged",
		"batch_id", batchID,
		"expected", len(expected),
		"actual", len(actual),
		"missing", missing,
		"extra", extra,
	)
	return &MismatchError{
		BatchID:  batchID,
		Expected: len(expected),
		Actual:   len(actual),
		Missing:  missing,
		Extra:    extra,
	}
}

// Batches verifies each batch concurrently and returns the joined errors in
// batch order. Verification of one batch does not stop the others.
func (v *Verifier) Batches(ctx context.Context, batchIDs []string) error {
	ids := incremental.BatchList{IDs: batchIDs}.Normalize()
	if len(ids) == 0 {
		return errors.New("at least one batch id is required")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	errs := make([]error, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			err := v.Batch(ctx, id)
			var mismatch *MismatchError
			if errors.As(err, &mismatch) {
				errs[i] = err
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// AllBatches verifies every batch present in the source table.
func (v *Verifier) AllBatches(ctx context.Context) error {
	anchor := incremental.SQLAnchorSource{Q: v.cfg.Pool, Table: v.cfg.Source}
	ids, err := anchor.BatchIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		v.log.Info("verify: no batches to verify")
		return nil
	}
	sort.Strings(ids)
	return v.Batches(ctx, ids)
}

// expectedFingerprints replays validation and fingerprinting over the raw
// rows of a batch, deduplicating exactly as the merge does.
func (v *Verifier) expectedFingerprints(ctx context.Context, batchID string) (map[string]struct{}, error) {
	scope := incremental.Scope{Batches: []string{batchID}}
	trips, err := transform.ReadRawTrips(ctx, v.cfg.Pool, v.cfg.Source, scope)
	if err != nil {
		return nil, err
	}
	expected := make(map[string]struct{}, len(trips))
	for i := range trips {
		t := &trips[i]
		if !trip.Validate(t).Accepted {
			continue
		}
		expected[trip.Fingerprint(t)] = struct{}{}
	}
	return expected, nil
}

func (v *Verifier) cleanFingerprints(ctx context.Context, batchID string) (map[string]struct{}, error) {
	sql := fmt.Sprintf(`SELECT row_fingerprint FROM %s WHERE batch_id = $1`, v.cfg.Target.SQL())
	rows, err := v.cfg.Pool.Query(ctx, sql, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read fingerprints from %s: %w", v.cfg.Target, err)
	}
	defer rows.Close()

	actual := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
		}
		actual[fp] = struct{}{}
	}
	return actual, rows.Err()
}

func diffCount(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; !ok {
			n++
		}
	}
	return n
}
