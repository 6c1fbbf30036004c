package transform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/partition"
)

type RunnerConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Clock  clockwork.Clock

	// LookbackMonths widens the recompute window behind the newest batch.
	LookbackMonths int

	// Batches, when non-empty, pins the batch scope instead of change
	// detection.
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
	if c.LookbackMonths < 1 {
		c.LookbackMonths = incremental.DefaultLookbackMonths
	}
	return nil
}

// Runner refreshes every derived table in dependency order: staging, then the
// partitioned clean table and its quarantine counterpart, then the marts.
type Runner struct {
	log        *slog.Logger
	cfg        RunnerConfig
	resolver   *incremental.WindowResolver
	partitions *partition.Manager
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger.With("component", "transform")

	resolver, err := incremental.NewWindowResolver(incremental.WindowResolverConfig{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Anchor:         incremental.SQLAnchorSource{Q: cfg.Pool, Table: RawTrips},
		LookbackMonths: cfg.LookbackMonths,
	})
	if err != nil {
		return nil, err
	}

	partitions, err := partition.NewManager(partition.ManagerConfig{
		Logger:           cfg.Logger,
		Pool:             cfg.Pool,
		Table:            CleanTrips,
		Column:           "pickup_ts",
		CreateColumnsSQL: CleanColumnsSQL,
	})
	if err != nil {
		return nil, err
	}

	return &Runner{log: log, cfg: cfg, resolver: resolver, partitions: partitions}, nil
}

// Run refreshes all models. Safe to re-run: every strategy is idempotent and
// partition maintenance is a no-op once the layout exists.
func (r *Runner) Run(ctx context.Context) error {
	batchScope, err := r.batchScope(ctx)
	if err != nil {
		return err
	}
	r.log.Info("transform: starting run", "batches", len(batchScope.IDs))

	batchStrategy, err := incremental.NewBatchDeleteInsert(r.cfg.Logger, batchScope)
	if err != nil {
		return err
	}
	if err := incremental.Run(ctx, r.cfg.Logger, r.cfg.Pool, batchStrategy, StagingModel()); err != nil {
		return err
	}

	// Partition maintenance runs between staging and clean so month
	// partitions exist before the merge routes rows into them.
	if err := r.partitions.EnsurePartitioned(ctx); err != nil {
		return err
	}
	if err := r.partitions.EnsureBatchMonths(ctx, batchScope.Normalize()); err != nil {
		return err
	}

	merge, err := incremental.NewFingerprintMerge(r.cfg.Logger, batchScope)
	if err != nil {
		return err
	}
	if err := incremental.Run(ctx, r.cfg.Logger, r.cfg.Pool, merge, CleanModel()); err != nil {
		return err
	}
	if err := incremental.Run(ctx, r.cfg.Logger, r.cfg.Pool, batchStrategy, QuarantineModel()); err != nil {
		return err
	}

	window, err := incremental.NewWindowDeleteInsert(r.cfg.Logger, r.resolver)
	if err != nil {
		return err
	}
	for _, m := range []incremental.Model{DailyRevenueModel(), HourlyPeakModel()} {
		if err := incremental.Run(ctx, r.cfg.Logger, r.cfg.Pool, window, m); err != nil {
			return err
		}
	}
	if err := incremental.Run(ctx, r.cfg.Logger, r.cfg.Pool, batchStrategy, ZoneStatsModel()); err != nil {
		return err
	}

	r.log.Info("transform: run complete")
	return nil
}

// batchScope pins the batch set for the whole run so every batch-scoped model
// sees the same ids. An explicit override wins over change detection.
func (r *Runner) batchScope(ctx context.Context) (incremental.BatchList, error) {
	if !r.cfg.Batches.IsEmpty() {
		return incremental.BatchList{IDs: r.cfg.Batches.Normalize()}, nil
	}
	changed, err := incremental.ChangedBatches(ctx, r.cfg.Pool, RawTrips, StagingTrips)
	if err != nil {
		return incremental.BatchList{}, err
	}
	return incremental.BatchList{IDs: changed}, nil
}
