package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Report is the full outcome of one benchmark run plus the warehouse metadata
// captured alongside it.
type Report struct {
	RunID     string
	Phase     string
	CreatedAt time.Time
	Iters     int
	Warmup    int

	Samples   []Sample
	Summaries []Summary

	RequestedBatches  []string
	RowCounts         map[string]*int64
	DiscoveredBatches map[string][]string

	CSVPath  string
	MDPath   string
	MetaPath string
}

type metaPhase struct {
	Phase      string `json:"phase"`
	IndexState string `json:"index_state"`
	CreatedAt  string `json:"created_at"`
	CSVFile    string `json:"csv_file"`
	MDFile     string `json:"md_file"`
	Iters      int    `json:"iters"`
	Warmup     int    `json:"warmup"`
}

type metaFile struct {
	RunID             string               `json:"run_id"`
	GitSHA            string               `json:"git_sha,omitempty"`
	CreatedAt         string               `json:"created_at"`
	LastUpdatedAt     string               `json:"last_updated_at"`
	Phase             string               `json:"phase"`
	IndexState        string               `json:"index_state"`
	CommandArgs       map[string]int       `json:"command_args"`
	RequestedBatches  []string             `json:"requested_batches"`
	DiscoveredBatches map[string][]string  `json:"discovered_batches"`
	RowCounts         map[string]*int64    `json:"row_counts"`
	Phases            map[string]metaPhase `json:"phases"`
}

// Write persists the CSV, markdown and meta artifacts under outDir. The meta
// file is keyed by run id and merged across the before/after phases.
func (r *Report) Write(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}

	r.CSVPath = filepath.Join(outDir, fmt.Sprintf("benchmarks_%s_%s.csv", r.RunID, r.Phase))
	r.MDPath = filepath.Join(outDir, fmt.Sprintf("benchmarks_%s_%s.md", r.RunID, r.Phase))
	r.MetaPath = filepath.Join(outDir, fmt.Sprintf("bench_meta_%s.json", r.RunID))

	if err := r.writeCSV(); err != nil {
		return err
	}
	if err := r.writeMarkdown(); err != nil {
		return err
	}
	return r.writeMeta()
}

func (r *Report) writeCSV() error {
	f, err := os.Create(r.CSVPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", r.CSVPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"run_id", "phase", "query", "iter", "elapsed_ms"}); err != nil {
		return err
	}
	for _, s := range r.Samples {
		if err := w.Write([]string{
			s.RunID, s.Phase, s.Query,
			strconv.Itoa(s.Iter),
			strconv.FormatFloat(s.ElapsedMS, 'f', 3, 64),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.CSVPath, err)
	}
	return nil
}

func (r *Report) writeMarkdown() error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Benchmarks (%s)\n\n", r.Phase)
	fmt.Fprintf(&b, "Run ID: `%s`\n\n", r.RunID)
	fmt.Fprintf(&b, "Generated (UTC): `%s`\n\n", r.CreatedAt.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "Runs per query: `%d` (warmup: `%d`)\n\n", r.Iters, r.Warmup)

	b.WriteString("## Summary (ms)\n\n")
	b.WriteString("| query | count | min | max | mean | median | p95 |\n")
	b.WriteString("|---|---:|---:|---:|---:|---:|---:|\n")
	for _, s := range r.Summaries {
		fmt.Fprintf(&b, "| %s | %d | %.1f | %.1f | %.1f | %.1f | %.1f |\n",
			s.Query, s.Count, s.MinMS, s.MaxMS, s.MeanMS, s.MedMS, s.P95MS)
	}

	b.WriteString("\n## Queries\n\n")
	for _, q := range Queries() {
		fmt.Fprintf(&b, "### %s\n\n```sql\n%s\n```\n\n", q.Name, strings.TrimSpace(q.SQL))
	}

	if err := os.WriteFile(r.MDPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.MDPath, err)
	}
	return nil
}

func (r *Report) writeMeta() error {
	createdAt := r.CreatedAt.Format("2006-01-02T15:04:05Z")

	meta := loadMeta(r.MetaPath)
	if meta.CreatedAt == "" {
		meta.CreatedAt = createdAt
	}
	if meta.GitSHA == "" {
		meta.GitSHA = gitSHA()
	}
	if meta.Phases == nil {
		meta.Phases = map[string]metaPhase{}
	}
	meta.Phases[r.Phase] = metaPhase{
		Phase:      r.Phase,
		IndexState: r.Phase,
		CreatedAt:  createdAt,
		CSVFile:    filepath.ToSlash(r.CSVPath),
		MDFile:     filepath.ToSlash(r.MDPath),
		Iters:      r.Iters,
		Warmup:     r.Warmup,
	}

	meta.RunID = r.RunID
	meta.LastUpdatedAt = createdAt
	meta.Phase = r.Phase
	meta.IndexState = r.Phase
	meta.CommandArgs = map[string]int{"iters": r.Iters, "warmup": r.Warmup}
	meta.RequestedBatches = r.RequestedBatches
	meta.DiscoveredBatches = r.DiscoveredBatches
	meta.RowCounts = r.RowCounts

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	if err := os.WriteFile(r.MetaPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.MetaPath, err)
	}
	return nil
}

func loadMeta(path string) metaFile {
	var meta metaFile
	data, err := os.ReadFile(path)
	if err != nil {
		return meta
	}
	// a corrupt meta file starts a fresh one rather than failing the run
	_ = json.Unmarshal(data, &meta)
	return meta
}

func gitSHA() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
