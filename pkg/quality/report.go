package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// Result is the combined checkpoint outcome.
type Result struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Success     bool         `json:"success"`
	Table       postgres.Rel `json:"-"`
	Critical    SuiteResult  `json:"critical"`
	Warning     SuiteResult  `json:"warning"`

	FailOnError   bool `json:"fail_on_error"`
	FailOnWarning bool `json:"fail_on_warning"`

	ReportPath string `json:"-"`
}

// Err returns a non-nil error when the fail policy turns the outcome into a
// pipeline failure.
func (r *Result) Err() error {
	var reasons []string
	if r.FailOnError && !r.Critical.Success {
		reasons = append(reasons, fmt.Sprintf("critical suite failed (%d/%d expectations)",
			r.Critical.Failures, r.Critical.Evaluated))
	}
	if r.FailOnWarning && !r.Warning.Success {
		reasons = append(reasons, fmt.Sprintf("warning suite failed (%d/%d expectations)",
			r.Warning.Failures, r.Warning.Evaluated))
	}
	if len(reasons) == 0 {
		return nil
	}
	msg := reasons[0]
	for _, extra := range reasons[1:] {
		msg += "; " + extra
	}
	return errors.New("quality checkpoint failed: " + msg)
}

type reportPayload struct {
	GeneratedAt string            `json:"generated_at"`
	Success     bool              `json:"success"`
	Table       map[string]string `json:"table"`
	FailPolicy  map[string]bool   `json:"fail_policy"`
	Suites      map[string]SuiteResult `json:"suites"`
}

func (r *Result) write(outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	stamp := r.GeneratedAt.Format("20060102_150405")
	r.ReportPath = filepath.Join(outDir, fmt.Sprintf("checkpoint_result_%s.json", stamp))

	payload := reportPayload{
		GeneratedAt: r.GeneratedAt.Format(time.RFC3339),
		Success:     r.Success,
		Table:       map[string]string{"schema": r.Table.Schema, "name": r.Table.Name},
		FailPolicy: map[string]bool{
			"fail_on_error":   r.FailOnError,
			"fail_on_warning": r.FailOnWarning,
			"exit_nonzero":    r.Err() != nil,
		},
		Suites: map[string]SuiteResult{
			"critical": r.Critical,
			"warning":  r.Warning,
		},
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal quality report: %w", err)
	}
	if err := os.WriteFile(r.ReportPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.ReportPath, err)
	}
	return nil
}
