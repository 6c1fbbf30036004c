package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/nycdatalab/taxilake/pkg/bench"
	"github.com/nycdatalab/taxilake/pkg/incremental"
	"github.com/nycdatalab/taxilake/pkg/ingest"
	"github.com/nycdatalab/taxilake/pkg/logger"
	"github.com/nycdatalab/taxilake/pkg/postgres"
	"github.com/nycdatalab/taxilake/pkg/quality"
	"github.com/nycdatalab/taxilake/pkg/transform"
	"github.com/nycdatalab/taxilake/pkg/verify"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `Usage: taxilake <command> [flags]

Commands:
  migrate        run or inspect schema migrations
  ingest         load trip feed batches into the raw layer
  transform      refresh staging, clean, quarantine, and mart tables
  verify         recompute batch fingerprints and compare against clean
  quality        run the expectation checkpoint over the clean layer
  bench          time the benchmark query set and write reports
  bench-compare  compare a before/after benchmark pair
  run-all        ingest, transform, quality, verify, and bench in one shot
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("a command is required")
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "migrate":
		return runMigrate(args)
	case "ingest":
		return runIngest(args)
	case "transform":
		return runTransform(args)
	case "verify":
		return runVerify(args)
	case "quality":
		return runQuality(args)
	case "bench":
		return runBench(args)
	case "bench-compare":
		return runBenchCompare(args)
	case "run-all":
		return runAll(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// commonFlags carries the flags every warehouse-touching command shares.
type commonFlags struct {
	fs *flag.FlagSet

	verbose     *bool
	metricsAddr *string

	pgHost     *string
	pgPort     *string
	pgDatabase *string
	pgUsername *string
	pgPassword *string
	pgSSLMode  *string
}

func newCommonFlags(name string) *commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &commonFlags{
		fs:          fs,
		verbose:     fs.Bool("verbose", false, "enable verbose (debug) logging"),
		metricsAddr: fs.String("metrics-addr", "", "address to listen on for prometheus metrics (disabled when empty)"),
		pgHost:      fs.String("postgres-host", "postgres", "Postgres host (or set POSTGRES_HOST env var)"),
		pgPort:      fs.String("postgres-port", "5432", "Postgres port (or set POSTGRES_PORT env var)"),
		pgDatabase:  fs.String("postgres-database", "nyc_taxi", "Postgres database (or set POSTGRES_DB env var)"),
		pgUsername:  fs.String("postgres-username", "nyc", "Postgres username (or set POSTGRES_USER env var)"),
		pgPassword:  fs.String("postgres-password", "nyc", "Postgres password (or set POSTGRES_PASSWORD env var)"),
		pgSSLMode:   fs.String("postgres-sslmode", "disable", "Postgres sslmode (or set POSTGRES_SSLMODE env var)"),
	}
}

// setup parses the remaining args, applies env overrides and returns the
// logger, warehouse config and a signal-cancelled context.
func (c *commonFlags) setup(args []string) (context.Context, context.CancelFunc, *slog.Logger, postgres.Config, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, nil, nil, postgres.Config{}, err
	}

	// Override flags with environment variables if set
	if env := os.Getenv("POSTGRES_HOST"); env != "" {
		*c.pgHost = env
	}
	if env := os.Getenv("POSTGRES_PORT"); env != "" {
		*c.pgPort = env
	}
	if env := os.Getenv("POSTGRES_DB"); env != "" {
		*c.pgDatabase = env
	}
	if env := os.Getenv("POSTGRES_USER"); env != "" {
		*c.pgUsername = env
	}
	if env := os.Getenv("POSTGRES_PASSWORD"); env != "" {
		*c.pgPassword = env
	}
	if env := os.Getenv("POSTGRES_SSLMODE"); env != "" {
		*c.pgSSLMode = env
	}

	log := logger.New(*c.verbose)
	initSentry(log)

	if *c.metricsAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", *c.metricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cfg := postgres.Config{
		Host:     *c.pgHost,
		Port:     *c.pgPort,
		Database: *c.pgDatabase,
		Username: *c.pgUsername,
		Password: *c.pgPassword,
		SSLMode:  *c.pgSSLMode,
	}
	return ctx, cancel, log, cfg, nil
}

// initSentry is a graceful no-op when SENTRY_DSN is unset.
func initSentry(log *slog.Logger) {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return
	}
	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
	}); err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return
	}
	log.Info("sentry initialized", "environment", env, "release", release)
}

func runMigrate(args []string) error {
	c := newCommonFlags("migrate")
	statusFlag := c.fs.Bool("status", false, "print migration status instead of applying")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid postgres config: %w", err)
	}
	mcfg := postgres.MigrationConfig{DSN: cfg.DSN()}
	if *statusFlag {
		return postgres.MigrationStatus(ctx, log, mcfg)
	}
	return postgres.RunMigrations(ctx, log, mcfg)
}

func runIngest(args []string) error {
	c := newCommonFlags("ingest")
	monthsFlag := c.fs.String("months", "", "comma-separated batch months, e.g. 2024-01,2024-02 (or set TAXI_MONTHS env var)")
	dataDirFlag := c.fs.String("data-dir", filepath.Join("data", "raw"), "directory holding the feed CSV exports")
	replaceFlag := c.fs.Bool("replace-batch", false, "delete and re-ingest a batch that already exists")
	skipZonesFlag := c.fs.Bool("skip-zones", false, "skip reloading the zone lookup dimension")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	months := splitList(*monthsFlag)
	if len(months) == 0 {
		months = splitList(os.Getenv("TAXI_MONTHS"))
	}
	if len(months) == 0 {
		return fmt.Errorf("at least one month is required (use --months or TAXI_MONTHS)")
	}

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	loader, err := ingest.NewLoader(ingest.LoaderConfig{
		Logger:  log,
		Pool:    pool,
		Replace: *replaceFlag,
	})
	if err != nil {
		return err
	}

	if !*skipZonesFlag {
		zonesPath := filepath.Join(*dataDirFlag, "taxi_zone_lookup.csv")
		if err := loadZones(ctx, loader, zonesPath); err != nil {
			return err
		}
	}
	return loadBatches(ctx, loader, months, *dataDirFlag)
}

func loadBatches(ctx context.Context, loader *ingest.Loader, months []string, dataDir string) error {
	for _, month := range months {
		path := filepath.Join(dataDir, fmt.Sprintf("yellow_tripdata_%s.csv", month))
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open feed file for batch %s: %w", month, err)
		}
		src, err := ingest.NewCSVSource(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("batch %s: %w", month, err)
		}
		_, err = loader.LoadBatch(ctx, month, src)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func loadZones(ctx context.Context, loader *ingest.Loader, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open zone lookup file: %w", err)
	}
	defer f.Close()

	zones, err := ingest.ReadZoneCSV(f)
	if err != nil {
		return err
	}
	return loader.LoadZones(ctx, zones)
}

func runTransform(args []string) error {
	c := newCommonFlags("transform")
	batchesFlag := c.fs.String("batches", "", "comma-separated batch ids to refresh; change detection when empty")
	lookbackFlag := c.fs.Int("lookback-months", incremental.DefaultLookbackMonths, "recompute window lookback behind the newest batch")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := transform.NewRunner(transform.RunnerConfig{
		Logger:         log,
		Pool:           pool,
		LookbackMonths: *lookbackFlag,
		Batches:        incremental.BatchList{Text: *batchesFlag},
	})
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func runVerify(args []string) error {
	c := newCommonFlags("verify")
	batchesFlag := c.fs.String("batches", "", "comma-separated batch ids to verify; all raw batches when empty")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	verifier, err := verify.NewVerifier(verify.VerifierConfig{Logger: log, Pool: pool})
	if err != nil {
		return err
	}

	ids := splitList(*batchesFlag)
	if len(ids) == 0 {
		return verifier.AllBatches(ctx)
	}
	return verifier.Batches(ctx, ids)
}

func runQuality(args []string) error {
	c := newCommonFlags("quality")
	outDirFlag := c.fs.String("out-dir", filepath.Join("data", "reports", "ge"), "directory for the checkpoint report")
	suiteVersionFlag := c.fs.String("suite-version", "v1", "expectation suite version tag")
	mostlyFlag := c.fs.Float64("mostly", quality.DefaultMostly, "tolerated success ratio for mostly expectations (or set GE_MOSTLY env var)")
	paymentMostlyFlag := c.fs.Float64("payment-mostly", quality.DefaultPaymentMostly, "tolerated success ratio for the payment type expectation (or set GE_PAYMENT_TYPE_MOSTLY env var)")
	failOnErrorFlag := c.fs.Bool("fail-on-error", true, "fail the run when the critical suite fails (or set GE_FAIL_ON_ERROR env var)")
	failOnWarningFlag := c.fs.Bool("fail-on-warning", false, "fail the run when the warning suite fails (or set GE_FAIL_ON_WARNING env var)")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	applyQualityEnv(mostlyFlag, paymentMostlyFlag, failOnErrorFlag, failOnWarningFlag)

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	checkpoint, err := quality.NewCheckpoint(quality.CheckpointConfig{
		Logger:        log,
		Pool:          pool,
		OutDir:        *outDirFlag,
		SuiteVersion:  *suiteVersionFlag,
		Mostly:        *mostlyFlag,
		PaymentMostly: *paymentMostlyFlag,
		FailOnError:   *failOnErrorFlag,
		FailOnWarning: *failOnWarningFlag,
	})
	if err != nil {
		return err
	}
	result, err := checkpoint.Run(ctx)
	if err != nil {
		return err
	}
	log.Info("quality: report written", "path", result.ReportPath)
	return result.Err()
}

func applyQualityEnv(mostly, paymentMostly *float64, failOnError, failOnWarning *bool) {
	if env := os.Getenv("GE_MOSTLY"); env != "" {
		if v, err := strconv.ParseFloat(env, 64); err == nil {
			*mostly = v
		}
	}
	if env := os.Getenv("GE_PAYMENT_TYPE_MOSTLY"); env != "" {
		if v, err := strconv.ParseFloat(env, 64); err == nil {
			*paymentMostly = v
		}
	}
	if env := os.Getenv("GE_FAIL_ON_ERROR"); env != "" {
		*failOnError = envFlagTrue(env)
	}
	if env := os.Getenv("GE_FAIL_ON_WARNING"); env != "" {
		*failOnWarning = envFlagTrue(env)
	}
}

func envFlagTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func runBench(args []string) error {
	c := newCommonFlags("bench")
	itersFlag := c.fs.Int("iters", bench.DefaultIters, "timed iterations per query")
	warmupFlag := c.fs.Int("warmup", bench.DefaultWarmup, "warmup iterations per query")
	phaseFlag := c.fs.String("phase", bench.PhaseAfter, "benchmark phase (before or after)")
	runIDFlag := c.fs.String("run-id", "", "run id; use the same value for before/after pair comparisons")
	batchesFlag := c.fs.String("batches", "", "comma-separated batch ids recorded in the meta report")
	outDirFlag := c.fs.String("out-dir", filepath.Join("data", "reports"), "directory for report artifacts")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	runner, err := bench.NewRunner(bench.RunnerConfig{
		Logger:  log,
		Pool:    pool,
		OutDir:  *outDirFlag,
		Iters:   *itersFlag,
		Warmup:  *warmupFlag,
		Phase:   *phaseFlag,
		RunID:   *runIDFlag,
		Batches: incremental.BatchList{Text: *batchesFlag},
	})
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx)
	return err
}

func runBenchCompare(args []string) error {
	c := newCommonFlags("bench-compare")
	runIDFlag := c.fs.String("run-id", "", "compare benchmarks_<run-id>_before/after.csv")
	beforeFlag := c.fs.String("before-file", "", "explicit before CSV path")
	afterFlag := c.fs.String("after-file", "", "explicit after CSV path")
	allowMismatchFlag := c.fs.Bool("allow-mismatched-runs", false, "allow explicit before/after files with different run ids")
	outDirFlag := c.fs.String("out-dir", filepath.Join("data", "reports"), "directory for report artifacts")

	_, cancel, log, _, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	comparisons, mdPath, err := bench.Compare(bench.CompareConfig{
		OutDir:              *outDirFlag,
		RunID:               *runIDFlag,
		BeforeFile:          *beforeFlag,
		AfterFile:           *afterFlag,
		AllowMismatchedRuns: *allowMismatchFlag,
	})
	if err != nil {
		return err
	}
	for _, cmp := range comparisons {
		log.Info("bench-compare: query",
			"query", cmp.Query,
			"before_ms", fmt.Sprintf("%.1f", cmp.BeforeMS),
			"after_ms", fmt.Sprintf("%.1f", cmp.AfterMS),
			"speedup_x", fmt.Sprintf("%.2f", cmp.SpeedupX),
		)
	}
	log.Info("bench-compare: report written", "path", mdPath)
	return nil
}

func runAll(args []string) error {
	c := newCommonFlags("run-all")
	monthsFlag := c.fs.String("months", "", "comma-separated batch months (or set TAXI_MONTHS env var)")
	dataDirFlag := c.fs.String("data-dir", filepath.Join("data", "raw"), "directory holding the feed CSV exports")
	replaceFlag := c.fs.Bool("replace-batch", false, "delete and re-ingest batches that already exist")
	lookbackFlag := c.fs.Int("lookback-months", incremental.DefaultLookbackMonths, "recompute window lookback behind the newest batch")
	phaseFlag := c.fs.String("phase", bench.PhaseAfter, "benchmark phase (before or after)")
	runIDFlag := c.fs.String("run-id", "", "benchmark run id")
	itersFlag := c.fs.Int("iters", bench.DefaultIters, "timed iterations per query")
	warmupFlag := c.fs.Int("warmup", bench.DefaultWarmup, "warmup iterations per query")
	skipIngestFlag := c.fs.Bool("skip-ingest", false, "skip the ingest step")
	skipTransformFlag := c.fs.Bool("skip-transform", false, "skip the transform step")
	skipQualityFlag := c.fs.Bool("skip-quality", false, "skip the quality checkpoint")
	skipVerifyFlag := c.fs.Bool("skip-verify", false, "skip the consistency verifier")
	skipBenchFlag := c.fs.Bool("skip-bench", false, "skip the benchmarks")
	failOnWarningFlag := c.fs.Bool("fail-on-warning", false, "fail the run when the warning suite fails")

	ctx, cancel, log, cfg, err := c.setup(args)
	if err != nil {
		return err
	}
	defer cancel()
	defer sentry.Flush(2 * time.Second)

	months := splitList(*monthsFlag)
	if len(months) == 0 {
		months = splitList(os.Getenv("TAXI_MONTHS"))
	}
	if len(months) == 0 {
		return fmt.Errorf("at least one month is required (use --months or TAXI_MONTHS)")
	}

	pool, err := postgres.Connect(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, log, postgres.MigrationConfig{DSN: cfg.DSN()}); err != nil {
		return err
	}

	if !*skipIngestFlag {
		if err := runAllIngest(ctx, log, pool, months, *dataDirFlag, *replaceFlag); err != nil {
			return err
		}
	}

	if !*skipTransformFlag {
		runner, err := transform.NewRunner(transform.RunnerConfig{
			Logger:         log,
			Pool:           pool,
			LookbackMonths: *lookbackFlag,
			Batches:        incremental.BatchList{IDs: months},
		})
		if err != nil {
			return err
		}
		if err := runner.Run(ctx); err != nil {
			return err
		}
	}

	if !*skipQualityFlag {
		checkpoint, err := quality.NewCheckpoint(quality.CheckpointConfig{
			Logger:        log,
			Pool:          pool,
			FailOnError:   true,
			FailOnWarning: *failOnWarningFlag,
		})
		if err != nil {
			return err
		}
		result, err := checkpoint.Run(ctx)
		if err != nil {
			return err
		}
		if err := result.Err(); err != nil {
			return err
		}
	}

	if !*skipVerifyFlag {
		verifier, err := verify.NewVerifier(verify.VerifierConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		if err := verifier.Batches(ctx, months); err != nil {
			return err
		}
	}

	if !*skipBenchFlag {
		runner, err := bench.NewRunner(bench.RunnerConfig{
			Logger:  log,
			Pool:    pool,
			Iters:   *itersFlag,
			Warmup:  *warmupFlag,
			Phase:   *phaseFlag,
			RunID:   *runIDFlag,
			Batches: incremental.BatchList{IDs: months},
		})
		if err != nil {
			return err
		}
		if _, err := runner.Run(ctx); err != nil {
			return err
		}
	}

	log.Info("run-all: done", "months", strings.Join(months, ","))
	return nil
}

func runAllIngest(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool, months []string, dataDir string, replace bool) error {
	loader, err := ingest.NewLoader(ingest.LoaderConfig{
		Logger:  log,
		Pool:    pool,
		Replace: replace,
	})
	if err != nil {
		return err
	}

	zonesPath := filepath.Join(dataDir, "taxi_zone_lookup.csv")
	if _, err := os.Stat(zonesPath); err == nil {
		if err := loadZones(ctx, loader, zonesPath); err != nil {
			return err
		}
	}
	return loadBatches(ctx, loader, months, dataDir)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
