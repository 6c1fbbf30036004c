package incremental

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nycdatalab/taxilake/pkg/postgres"
)

// BatchList is the polymorphic batch override accepted from configuration:
// either a comma-delimited string or a native slice. IDs wins when both are
// set.
type BatchList struct {
	Text string
	IDs  []string
}

// Normalize returns the canonical ordered form: trimmed, non-empty,
// de-duplicated, sorted ascending.
func (b BatchList) Normalize() []string {
	raw := b.IDs
	if raw == nil && b.Text != "" {
		raw = strings.Split(b.Text, ",")
	}

	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether the override carries no usable ids.
func (b BatchList) IsEmpty() bool {
	return len(b.Normalize()) == 0
}

// ChangedBatches returns the batch ids whose source high-water mark
// (max ingested_at) is newer than the target's, or which the target has not
// seen at all. An empty target yields every source batch, which covers the
// first run.
func ChangedBatches(ctx context.Context, q postgres.Querier, source, target postgres.Rel) ([]string, error) {
	sql := fmt.Sprintf(`
		SELECT s.batch_id
		FROM (
			SELECT batch_id, max(ingested_at) AS max_ingested_at
			FROM %s
			GROUP BY batch_id
		) s
		LEFT JOIN (
			SELECT batch_id, max(ingested_at) AS max_ingested_at
			FROM %s
			GROUP BY batch_id
		) t ON t.batch_id = s.batch_id
		WHERE t.batch_id IS NULL OR s.max_ingested_at > t.max_ingested_at
		ORDER BY s.batch_id`, source.SQL(), target.SQL())

	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to detect changed batches (%s -> %s): %w", source, target, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan changed batch id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
