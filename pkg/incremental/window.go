// Package incremental decides what a materialization run must recompute: the
// active time window, the set of changed upstream batches, and the strategy
// that applies the recomputation to the target table.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// DefaultLookbackMonths is the configuration default for the current-window
// lookback.
const DefaultLookbackMonths = 2

// batchMonthPattern matches batch ids shaped like "2024-03". Anything else is
// ignored by the anchor scan.
var batchMonthPattern = regexp.MustCompile(`^(\d{4})-(0[1-9]|1[0-2])$`)

// ParseBatchMonth parses a YYYY-MM batch id into the first instant of that
// month (UTC). ok is false for non-conforming ids.
func ParseBatchMonth(id string) (time.Time, bool) {
	if !batchMonthPattern.MatchString(id) {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01", id)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Window is the half-open interval [Start, End) subject to recomputation.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format("2006-01-02"), w.End.Format("2006-01-02"))
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// AnchorSource supplies the raw-layer batch ids the window anchor is derived
// from. Implementations are read-only.
type AnchorSource interface {
	BatchIDs(ctx context.Context) ([]string, error)
}

// SQLAnchorSource reads distinct batch ids from a warehouse table.
type SQLAnchorSource struct {
	Q     postgres.Querier
	Table postgres.Rel
}

func (s SQLAnchorSource) BatchIDs(ctx context.Context) ([]string, error) {
	rows, err := s.Q.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT batch_id FROM %s WHERE batch_id IS NOT NULL ORDER BY 1", s.Table.SQL()))
	if err != nil {
		return nil, fmt.Errorf("failed to query batch ids from %s: %w", s.Table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WindowResolverConfig configures a WindowResolver.
type WindowResolverConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Anchor AnchorSource

	// LookbackMonths is floored to 1 when zero or negative. That leniency is
	// deliberate: a bad lookback narrows the window, it does not fail the run.
	LookbackMonths int
}

func (c *WindowResolverConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Anchor == nil {
		return errors.New("anchor source is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.LookbackMonths < 1 {
		c.LookbackMonths = 1
	}
	return nil
}

// WindowResolver computes the active incremental window from a lookback and
// an anchor point.
type WindowResolver struct {
	log *slog.Logger
	cfg WindowResolverConfig
}

func NewWindowResolver(cfg WindowResolverConfig) (*WindowResolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WindowResolver{log: cfg.Logger, cfg: cfg}, nil
}

// Resolve returns the current window. The anchor month is the maximum
// YYYY-MM batch month observed in the anchor source; with no conforming
// batches the clock's current month is used. End is the first instant of the
// month after the anchor month; Start is End minus the lookback.
func (r *WindowResolver) Resolve(ctx context.Context) (Window, error) {
	ids, err := r.cfg.Anchor.BatchIDs(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("failed to resolve window anchor: %w", err)
	}

	var anchor time.Time
	var found bool
	for _, id := range ids {
		month, ok := ParseBatchMonth(id)
		if !ok {
			continue
		}
		if !found || month.After(anchor) {
			anchor = month
			found = true
		}
	}
	if !found {
		now := r.cfg.Clock.Now().UTC()
		anchor = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		r.log.Debug("incremental/window: no parseable batch months, anchoring to current month", "anchor", anchor)
	}

	end := anchor.AddDate(0, 1, 0)
	start := end.AddDate(0, -r.cfg.LookbackMonths, 0)
	w := Window{Start: start, End: end}
	r.log.Debug("incremental/window: resolved", "window", w.String(), "lookbackMonths", r.cfg.LookbackMonths)
	return w, nil
}
