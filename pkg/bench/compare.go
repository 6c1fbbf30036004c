package bench

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Comparison is the per-query delta between a before and an after run.
type Comparison struct {
	Query          string
	BeforeMS       float64
	AfterMS        float64
	SpeedupX       float64
	ImprovementPct float64
}

type CompareConfig struct {
	// OutDir holds the report artifacts.
	OutDir string

	// RunID selects the benchmarks_<run>_before.csv / _after.csv pair.
	// BeforeFile and AfterFile select explicit files instead.
	RunID      string
	BeforeFile string
	AfterFile  string

	// AllowMismatchedRuns permits explicit files whose run ids differ.
	AllowMismatchedRuns bool
}

func (c *CompareConfig) Validate() error {
	if c.OutDir == "" {
		c.OutDir = "data/reports"
	}
	c.RunID = strings.TrimSpace(c.RunID)
	explicit := c.BeforeFile != "" || c.AfterFile != ""
	if explicit && (c.BeforeFile == "" || c.AfterFile == "") {
		return errors.New("before and after files must be given together")
	}
	if !explicit && c.RunID == "" {
		return errors.New("either a run id or an explicit file pair is required")
	}
	if !explicit {
		c.BeforeFile = filepath.Join(c.OutDir, fmt.Sprintf("benchmarks_%s_%s.csv", c.RunID, PhaseBefore))
		c.AfterFile = filepath.Join(c.OutDir, fmt.Sprintf("benchmarks_%s_%s.csv", c.RunID, PhaseAfter))
	}
	return nil
}

// Compare loads a before/after sample pair, checks that the runs actually
// belong together, and writes a speedup table. It returns the comparisons
// sorted by speedup, best first.
func Compare(cfg CompareConfig) ([]Comparison, string, error) {
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	before, beforeRun, err := readSamples(cfg.BeforeFile)
	if err != nil {
		return nil, "", err
	}
	after, afterRun, err := readSamples(cfg.AfterFile)
	if err != nil {
		return nil, "", err
	}
	if beforeRun != afterRun && !cfg.AllowMismatchedRuns {
		return nil, "", fmt.Errorf("run id mismatch: before=%q after=%q (pass allow-mismatched-runs to override)", beforeRun, afterRun)
	}

	comparisons := compareSamples(before, after)
	if len(comparisons) == 0 {
		return nil, "", errors.New("no common queries between the two runs")
	}

	stamp := afterRun
	if stamp == "" {
		stamp = strings.TrimSuffix(filepath.Base(cfg.AfterFile), ".csv")
	}
	mdPath := filepath.Join(cfg.OutDir, fmt.Sprintf("benchmarks_speedup_%s.md", stamp))
	if err := writeComparison(mdPath, cfg.BeforeFile, cfg.AfterFile, comparisons); err != nil {
		return nil, "", err
	}
	return comparisons, mdPath, nil
}

// compareSamples reduces each side to its per-query median and pairs the
// queries both sides ran.
func compareSamples(before, after []Sample) []Comparison {
	b := medianByQuery(before)
	a := medianByQuery(after)

	var out []Comparison
	for query, beforeMS := range b {
		afterMS, ok := a[query]
		if !ok {
			continue
		}
		c := Comparison{Query: query, BeforeMS: beforeMS, AfterMS: afterMS}
		if afterMS > 0 {
			c.SpeedupX = beforeMS / afterMS
		}
		if beforeMS > 0 {
			c.ImprovementPct = (1 - afterMS/beforeMS) * 100
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpeedupX != out[j].SpeedupX {
			return out[i].SpeedupX > out[j].SpeedupX
		}
		return out[i].Query < out[j].Query
	})
	return out
}

func medianByQuery(samples []Sample) map[string]float64 {
	byQuery := make(map[string][]float64)
	for _, s := range samples {
		byQuery[s.Query] = append(byQuery[s.Query], s.ElapsedMS)
	}
	out := make(map[string]float64, len(byQuery))
	for q, times := range byQuery {
		sort.Float64s(times)
		out[q] = percentile(times, 0.5)
	}
	return out
}

// readSamples loads a benchmark CSV and the run id it carries. A file with
// inconsistent run ids is rejected.
func readSamples(path string) ([]Sample, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"run_id", "phase", "query", "iter", "elapsed_ms"} {
		if _, ok := col[required]; !ok {
			return nil, "", fmt.Errorf("%s: missing column %q", path, required)
		}
	}

	var samples []Sample
	runID := ""
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		iter, err := strconv.Atoi(row[col["iter"]])
		if err != nil {
			return nil, "", fmt.Errorf("%s: bad iter %q: %w", path, row[col["iter"]], err)
		}
		elapsed, err := strconv.ParseFloat(row[col["elapsed_ms"]], 64)
		if err != nil {
			return nil, "", fmt.Errorf("%s: bad elapsed_ms %q: %w", path, row[col["elapsed_ms"]], err)
		}
		s := Sample{
			RunID:     row[col["run_id"]],
			Phase:     row[col["phase"]],
			Query:     row[col["query"]],
			Iter:      iter,
			ElapsedMS: elapsed,
		}
		if runID == "" {
			runID = s.RunID
		} else if s.RunID != runID {
			return nil, "", fmt.Errorf("%s: mixed run ids %q and %q", path, runID, s.RunID)
		}
		samples = append(samples, s)
	}
	return samples, runID, nil
}

func writeComparison(path, beforeFile, afterFile string, comparisons []Comparison) error {
	var b strings.Builder
	b.WriteString("# Benchmarks (before vs after)\n\n")
	fmt.Fprintf(&b, "Before: `%s`  \nAfter: `%s`\n\n", filepath.Base(beforeFile), filepath.Base(afterFile))
	b.WriteString("Median elapsed time per query (ms).\n\n")
	b.WriteString("| query | before_ms | after_ms | speedup_x | improvement_pct |\n")
	b.WriteString("|---|---:|---:|---:|---:|\n")
	for _, c := range comparisons {
		fmt.Fprintf(&b, "| %s | %.1f | %.1f | %.2f | %.1f%% |\n",
			c.Query, c.BeforeMS, c.AfterMS, c.SpeedupX, c.ImprovementPct)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
