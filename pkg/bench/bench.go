// Package bench times a fixed set of warehouse queries and writes comparable
// report artifacts. Paired before/after runs under one run id feed the
// compare step.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/metrics"
)

const (
	PhaseBefore = "before"
	PhaseAfter  = "after"

	DefaultIters  = 7
	DefaultWarmup = 1
)

// Query is one named benchmark query. The q2/q5 pairs probe the same question
// against the clean layer and its mart so the two phases are comparable.
type Query struct {
	Name string
	SQL  string
}

func Queries() []Query {
	return []Query{
		{"q1_top_pickup_zones_day", `
			select pu_location_id, count(*) as trips
			from clean.clean_yellow_trips
			where pickup_ts >= timestamp '2024-01-31 00:00:00'
			  and pickup_ts <  timestamp '2024-02-01 00:00:00'
			group by 1
			order by trips desc
			limit 20`},
		{"q2_revenue_by_day", `
			select pickup_ts::date as trip_date, count(*) as trips, sum(total_amount) as revenue
			from clean.clean_yellow_trips
			group by 1
			order by 1`},
		{"q2_mart_daily_revenue", `
			select trip_date, trips, revenue
			from marts.marts_daily_revenue
			order by 1`},
		{"q3_join_zone_lookup_top20", `
			select z.borough, z.zone, count(*) as trips, avg(t.total_amount) as avg_total
			from clean.clean_yellow_trips t
			join raw.taxi_zone_lookup z on z.locationid = t.pu_location_id
			group by 1, 2
			order by trips desc
			limit 20`},
		{"q4_payment_type_stats", `
			select payment_type, count(*) as trips, avg(tip_amount) as avg_tip
			from clean.clean_yellow_trips
			group by 1
			order by trips desc`},
		{"q5_hourly_peak", `
			select extract(hour from pickup_ts)::int as hr, count(*) as trips
			from clean.clean_yellow_trips
			group by 1
			order by trips desc`},
		{"q5_mart_hourly_peak", `
			select hr, sum(trips) as trips
			from marts.marts_hourly_peak
			group by 1
			order by trips desc`},
	}
}

// countedRelations are the layers whose row counts go into the meta report.
var countedRelations = []string{
	"raw.yellow_trips",
	"stg.stg_yellow_trips",
	"clean.clean_yellow_trips",
	"quarantine.quarantine_yellow_trips",
	"marts.marts_daily_revenue",
	"marts.marts_hourly_peak",
}

// Sample is one timed iteration of one query.
type Sample struct {
	RunID     string
	Phase     string
	Query     string
	Iter      int
	ElapsedMS float64
}

// Summary aggregates the samples of one query.
type Summary struct {
	Query  string
	Count  int
	MinMS  float64
	MaxMS  float64
	MeanMS float64
	MedMS  float64
	P95MS  float64
}

type RunnerConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// OutDir receives the report artifacts.
	OutDir string

	Iters  int
	Warmup int

	// Phase is "before" or "after".
	Phase string

	// RunID pairs before/after runs; generated when empty.
	RunID string

	// Batches is recorded in the meta report, not used for scoping.
	Batches incremental.BatchList
}

func (c *RunnerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OutDir == "" {
		c.OutDir = "data/reports"
	}
	if c.Iters < 1 {
		c.Iters = DefaultIters
	}
	if c.Warmup < 0 {
		c.Warmup = DefaultWarmup
	}
	c.Phase = strings.ToLower(strings.TrimSpace(c.Phase))
	if c.Phase == "" {
		c.Phase = PhaseAfter
	}
	if c.Phase != PhaseBefore && c.Phase != PhaseAfter {
		return fmt.Errorf("phase must be %q or %q", PhaseBefore, PhaseAfter)
	}
	c.RunID = strings.TrimSpace(c.RunID)
	if c.RunID == "" {
		c.RunID = fmt.Sprintf("%s_%s",
			c.Clock.Now().UTC().Format("20060102_150405"),
			uuid.NewString()[:8])
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger.With("component", "bench"), cfg: cfg}, nil
}

// Run times every query and writes the CSV, markdown and meta artifacts.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	// JIT warmup noise dwarfs the queries at this scale.
	if _, err := r.cfg.Pool.Exec(ctx, "SET jit = off"); err != nil {
		r.log.Warn("bench: could not disable jit", "error", err)
	}

	var samples []Sample
	for _, q := range Queries() {
		sql := strings.TrimSpace(q.SQL)

		for i := 0; i < r.cfg.Warmup; i++ {
			if err := r.drain(ctx, sql); err != nil {
				return nil, fmt.Errorf("warmup of %s failed: %w", q.Name, err)
			}
		}

		var times []float64
		for i := 1; i <= r.cfg.Iters; i++ {
			start := r.cfg.Clock.Now()
			err := r.drain(ctx, sql)
			elapsed := r.cfg.Clock.Since(start)
			metrics.RecordWarehouseQuery(elapsed, err)
			if err != nil {
				return nil, fmt.Errorf("query %s failed: %w", q.Name, err)
			}
			ms := float64(elapsed.Microseconds()) / 1000.0
			times = append(times, ms)
			samples = append(samples, Sample{
				RunID:     r.cfg.RunID,
				Phase:     r.cfg.Phase,
				Query:     q.Name,
				Iter:      i,
				ElapsedMS: ms,
			})
		}

		s := summarize(q.Name, times)
		r.log.Info("bench: query timed",
			"query", q.Name,
			"median_ms", fmt.Sprintf("%.1f", s.MedMS),
			"p95_ms", fmt.Sprintf("%.1f", s.P95MS),
			"min_ms", fmt.Sprintf("%.1f", s.MinMS),
			"max_ms", fmt.Sprintf("%.1f", s.MaxMS),
		)
	}

	report := &Report{
		RunID:     r.cfg.RunID,
		Phase:     r.cfg.Phase,
		CreatedAt: r.cfg.Clock.Now().UTC(),
		Iters:     r.cfg.Iters,
		Warmup:    r.cfg.Warmup,
		Samples:   samples,
		Summaries: Summarize(samples),

		RequestedBatches:  r.cfg.Batches.Normalize(),
		RowCounts:         r.rowCounts(ctx),
		DiscoveredBatches: r.discoveredBatches(ctx),
	}
	if err := report.Write(r.cfg.OutDir); err != nil {
		return nil, err
	}
	r.log.Info("bench: run complete", "run_id", report.RunID, "phase", report.Phase)
	return report, nil
}

// drain executes the query and consumes every row, so the timing covers the
// full result transfer.
func (r *Runner) drain(ctx context.Context, sql string) error {
	rows, err := r.cfg.Pool.Query(ctx, sql)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}

// rowCounts is best effort: a missing relation records no count rather than
// failing the run.
func (r *Runner) rowCounts(ctx context.Context) map[string]*int64 {
	counts := make(map[string]*int64, len(countedRelations))
	for _, rel := range countedRelations {
		var n int64
		err := r.cfg.Pool.QueryRow(ctx, "select count(*) from "+rel).Scan(&n)
		if err != nil {
			counts[rel] = nil
			continue
		}
		counts[rel] = &n
	}
	return counts
}

func (r *Runner) discoveredBatches(ctx context.Context) map[string][]string {
	out := map[string][]string{"raw": {}, "clean": {}}
	for layer, rel := range map[string]string{
		"raw":   "raw.yellow_trips",
		"clean": "clean.clean_yellow_trips",
	} {
		rows, err := r.cfg.Pool.Query(ctx,
			"select distinct batch_id from "+rel+" where batch_id is not null order by 1")
		if err != nil {
			continue
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				break
			}
			ids = append(ids, id)
		}
		rows.Close()
		out[layer] = ids
	}
	return out
}

// Summarize aggregates samples per query, preserving first-seen query order.
func Summarize(samples []Sample) []Summary {
	var order []string
	byQuery := make(map[string][]float64)
	for _, s := range samples {
		if _, ok := byQuery[s.Query]; !ok {
			order = append(order, s.Query)
		}
		byQuery[s.Query] = append(byQuery[s.Query], s.ElapsedMS)
	}
	out := make([]Summary, 0, len(order))
	for _, q := range order {
		out = append(out, summarize(q, byQuery[q]))
	}
	return out
}

func summarize(query string, times []float64) Summary {
	s := Summary{Query: query, Count: len(times)}
	if len(times) == 0 {
		return s
	}
	sorted := append([]float64{}, times...)
	sort.Float64s(sorted)

	s.MinMS = sorted[0]
	s.MaxMS = sorted[len(sorted)-1]
	for _, t := range sorted {
		s.MeanMS += t
	}
	s.MeanMS /= float64(len(sorted))
	s.MedMS = percentile(sorted, 0.5)
	s.P95MS = percentile(sorted, 0.95)
	return s
}

// percentile takes the nearest-rank value from an already sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := int(float64(len(sorted)-1)*p + 0.5)
	return sorted[k]
}
