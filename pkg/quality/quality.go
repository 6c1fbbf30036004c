// Package quality runs the expectation checkpoint over the clean layer. Each
// expectation is one SQL count; an expectation passes when the observed
// success ratio meets its mostly threshold.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/transform"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

const (
	DefaultMostly        = 0.999
	DefaultPaymentMostly = 0.95
)

// Expectation is one checked condition. FailCond selects the rows that
// violate it; IgnoreCond removes rows from the denominator entirely. A Mostly
// of 1 tolerates no violations.
type Expectation struct {
	Name       string
	Severity   Severity
	Domain     string
	Mostly     float64
	FailCond   string
	IgnoreCond string
}

// CriticalSuite are the integrity expectations the pipeline must hold.
func CriticalSuite(mostly float64) []Expectation {
	return []Expectation{
		{Name: "pickup_ts_not_null", Severity: SeverityCritical, Domain: "integrity",
			Mostly: 1, FailCond: "pickup_ts IS NULL"},
		{Name: "dropoff_ts_not_null", Severity: SeverityCritical, Domain: "integrity",
			Mostly: 1, FailCond: "dropoff_ts IS NULL"},
		{Name: "pu_location_id_not_null", Severity: SeverityCritical, Domain: "integrity",
			Mostly: 1, FailCond: "pu_location_id IS NULL"},
		{Name: "do_location_id_not_null", Severity: SeverityCritical, Domain: "integrity",
			Mostly: 1, FailCond: "do_location_id IS NULL"},
		{Name: "total_amount_non_negative", Severity: SeverityCritical, Domain: "financial_validity",
			Mostly: 1, FailCond: "total_amount < 0"},
		{Name: "dropoff_not_before_pickup", Severity: SeverityCritical, Domain: "temporal_integrity",
			Mostly: mostly, FailCond: "dropoff_ts < pickup_ts",
			IgnoreCond: "pickup_ts IS NULL OR dropoff_ts IS NULL"},
	}
}

// WarningSuite are the monitoring expectations that flag source anomalies
// without blocking the pipeline by default.
func WarningSuite(mostly, paymentMostly float64) []Expectation {
	return []Expectation{
		{Name: "trip_distance_non_negative", Severity: SeverityWarning, Domain: "realism",
			Mostly: 1, FailCond: "trip_distance < 0", IgnoreCond: "trip_distance IS NULL"},
		{Name: "passenger_count_in_range", Severity: SeverityWarning, Domain: "realism",
			Mostly: mostly, FailCond: "passenger_count < 0 OR passenger_count > 8",
			IgnoreCond: "passenger_count IS NULL"},
		{Name: "payment_type_in_tlc_codes", Severity: SeverityWarning, Domain: "domain_monitoring",
			Mostly: paymentMostly, FailCond: "payment_type NOT IN (1, 2, 3, 4, 5, 6)",
			IgnoreCond: "payment_type IS NULL"},
	}
}

// ExpectationResult is the evaluated outcome of one expectation.
type ExpectationResult struct {
	Name         string   `json:"name"`
	Severity     Severity `json:"severity"`
	Domain       string   `json:"domain"`
	Mostly       float64  `json:"mostly"`
	Evaluated    int64    `json:"evaluated_rows"`
	Failed       int64    `json:"failed_rows"`
	SuccessRatio float64  `json:"success_ratio"`
	Success      bool     `json:"success"`
}

// SuiteResult aggregates one severity's expectations.
type SuiteResult struct {
	Name      string              `json:"name"`
	Severity  Severity            `json:"severity"`
	Version   string              `json:"version"`
	Success   bool                `json:"success"`
	Evaluated int                 `json:"evaluated_expectations"`
	Failures  int                 `json:"failed_expectations"`
	Results   []ExpectationResult `json:"results"`
}

type CheckpointConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// Table defaults to the clean trips table.
	Table postgres.Rel

	// OutDir receives the JSON report artifact.
	OutDir string

	SuiteVersion  string
	Mostly        float64
	PaymentMostly float64

	// FailOnError turns a critical suite failure into a run failure;
	// FailOnWarning does the same for the warning suite.
	FailOnError   bool
	FailOnWarning bool
}

func (c *CheckpointConfig) Validate() error {
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
		c.Table = transform.CleanTrips
	}
	if c.OutDir == "" {
		c.OutDir = "data/reports/ge"
	}
	c.SuiteVersion = strings.TrimSpace(c.SuiteVersion)
	if c.SuiteVersion == "" {
		c.SuiteVersion = "v1"
	}
	if !strings.HasPrefix(c.SuiteVersion, "v") {
		c.SuiteVersion = "v" + c.SuiteVersion
	}
	if c.Mostly <= 0 || c.Mostly > 1 {
		c.Mostly = DefaultMostly
	}
	if c.PaymentMostly <= 0 || c.PaymentMostly > 1 {
		c.PaymentMostly = DefaultPaymentMostly
	}
	return nil
}

type Checkpoint struct {
	log *slog.Logger
	cfg CheckpointConfig
}

func NewCheckpoint(cfg CheckpointConfig) (*Checkpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Checkpoint{log: cfg.Logger.With("component", "quality"), cfg: cfg}, nil
}

// Run evaluates both suites and writes the report artifact. The returned
// result's Err reflects the fail policy; the error return is reserved for
// evaluation problems.
func (c *Checkpoint) Run(ctx context.Context) (*Result, error) {
	critical, err := c.runSuite(ctx, "critical", CriticalSuite(c.cfg.Mostly))
	if err != nil {
		return nil, err
	}
	warning, err := c.runSuite(ctx, "warning", WarningSuite(c.cfg.Mostly, c.cfg.PaymentMostly))
	if err != nil {
		return nil, err
	}

	res := &Result{
		GeneratedAt:   c.cfg.Clock.Now().UTC(),
		Success:       critical.Success && warning.Success,
		Table:         c.cfg.Table,
		Critical:      critical,
		Warning:       warning,
		FailOnError:   c.cfg.FailOnError,
		FailOnWarning: c.cfg.FailOnWarning,
	}
	if err := res.write(c.cfg.OutDir); err != nil {
		return nil, err
	}

	c.log.Info("quality: checkpoint complete",
		"critical_success", critical.Success,
		"critical_failed", critical.Failures,
		"warning_success", warning.Success,
		"warning_failed", warning.Failures,
	)
	return res, nil
}

func (c *Checkpoint) runSuite(ctx context.Context, name string, suite []Expectation) (SuiteResult, error) {
	out := SuiteResult{
		Name:      fmt.Sprintf("%s__%s__%s", c.cfg.Table.Name, name, c.cfg.SuiteVersion),
		Severity:  Severity(name),
		Version:   c.cfg.SuiteVersion,
		Success:   true,
		Evaluated: len(suite),
	}
	for _, e := range suite {
		r, err := c.evaluate(ctx, e)
		if err != nil {
			return out, fmt.Errorf("expectation %s: %w", e.Name, err)
		}
		if !r.Success {
			out.Success = false
			out.Failures++
			c.log.Warn("quality: expectation failed",
				"expectation", e.Name,
				"severity", e.Severity,
				"failed_rows", r.Failed,
				"evaluated_rows", r.Evaluated,
				"mostly", e.Mostly,
			)
		}
		out.Results = append(out.Results, r)
	}
	return out, nil
}

// evaluate runs the expectation as a single aggregate over the table. An
// empty evaluated set passes.
func (c *Checkpoint) evaluate(ctx context.Context, e Expectation) (ExpectationResult, error) {
	ignore := e.IgnoreCond
	if ignore == "" {
		ignore = "FALSE"
	}
	sql := fmt.Sprintf(`
		SELECT count(*) FILTER (WHERE NOT (%s)) AS evaluated,
		       count(*) FILTER (WHERE NOT (%s) AND (%s)) AS failed
		FROM %s`, ignore, ignore, e.FailCond, c.cfg.Table.SQL())

	var evaluated, failed int64
	if err := c.cfg.Pool.QueryRow(ctx, sql).Scan(&evaluated, &failed); err != nil {
		return ExpectationResult{}, err
	}

	r := ExpectationResult{
		Name:      e.Name,
		Severity:  e.Severity,
		Domain:    e.Domain,
		Mostly:    e.Mostly,
		Evaluated: evaluated,
		Failed:    failed,
	}
	if evaluated == 0 {
		r.SuccessRatio = 1
	} else {
		r.SuccessRatio = 1 - float64(failed)/float64(evaluated)
	}
	r.Success = r.SuccessRatio >= e.Mostly
	return r, nil
}
