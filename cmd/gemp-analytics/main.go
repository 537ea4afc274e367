// Package main is the gemp-analytics command line: batch jobs that
// turn raw GEMP replay summaries into per-card statistics, pairwise
// correlations and detected archetypes in a SQLite database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/middleearthgames/gemp-analytics/internal/aggregate"
	"github.com/middleearthgames/gemp-analytics/internal/archetype"
	"github.com/middleearthgames/gemp-analytics/internal/blueprint"
	"github.com/middleearthgames/gemp-analytics/internal/config"
	"github.com/middleearthgames/gemp-analytics/internal/correlate"
	"github.com/middleearthgames/gemp-analytics/internal/ingest"
	"github.com/middleearthgames/gemp-analytics/internal/storage"
	"github.com/middleearthgames/gemp-analytics/internal/storage/models"
	"github.com/middleearthgames/gemp-analytics/internal/storage/repository"
	"github.com/middleearthgames/gemp-analytics/internal/version"
)

const usage = `Usage: gemp-analytics [-config <file>] <command> [flags]

Commands:
  migrate     apply pending schema migrations
  ingest      load raw replay summaries from a JSONL file
  aggregate   compute daily card statistics
  correlate   compute pairwise card correlations for a scope
  detect      detect archetype communities for a scope
  match       assign decks to archetypes for a scope
  patch       manage balance patches (create, list, delete)
  backup      manage database backups (create, list, restore, schedule)

Run 'gemp-analytics <command> -h' for command flags.
`

func main() {
	configPath := flag.String("config", "", "Path to TOML config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *showVersion {
		fmt.Println(version.GetVersion())
		return
	}
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.App.DebugMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, logger: logger}
	if err := app.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		if errors.Is(err, repository.ErrJobRunning) {
			logger.Error("another run of this job is already in progress")
		} else {
			logger.Error("command failed", "command", flag.Arg(0), "error", err)
		}
		os.Exit(1)
	}
}

type app struct {
	cfg    *config.Config
	logger *slog.Logger
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "migrate":
		return a.migrate(args)
	case "ingest":
		return a.ingest(ctx, args)
	case "aggregate":
		return a.aggregate(ctx, args)
	case "correlate":
		return a.correlate(ctx, args)
	case "detect":
		return a.detect(ctx, args)
	case "match":
		return a.match(ctx, args)
	case "patch":
		return a.patch(ctx, args)
	case "backup":
		return a.backup(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// openDB opens the analytics database, migrating when asked.
func (a *app) openDB(migrate bool) (*storage.DB, error) {
	dbConfig := storage.DefaultConfig(a.cfg.Database.Path)
	dbConfig.AutoMigrate = migrate
	db, err := storage.Open(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func (a *app) migrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	mgr, err := storage.NewMigrationManager(a.cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	if err := mgr.Up(); err != nil {
		return err
	}
	version, dirty, err := mgr.Version()
	if err != nil {
		return err
	}
	a.logger.Info("migrations applied", "version", version, "dirty", dirty)
	return nil
}

func (a *app) ingest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	file := fs.String("file", "", "JSONL file of raw game records (required)")
	limit := fs.Int("limit", 0, "Stop after this many records (0 = all)")
	dryRun := fs.Bool("dry-run", false, "Validate and classify without writing")
	version := fs.Int("version", ingest.CurrentProcessingVersion, "Processing version to stamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("ingest requires -file")
	}

	normalizer, err := a.newNormalizer(ctx)
	if err != nil {
		return err
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	source, err := ingest.NewJSONLSource(*file)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	pipeline := ingest.NewPipeline(
		repository.NewGameRepository(db),
		repository.NewComputationLogRepository(db),
		normalizer,
		*version,
		a.logger,
	)
	summary, err := pipeline.Run(ctx, source, ingest.Options{
		Limit:     *limit,
		BatchSize: a.cfg.Ingest.BatchSize,
		Workers:   a.cfg.IngestWorkers(),
		DryRun:    *dryRun,
	})
	if err != nil {
		return err
	}

	a.logger.Info("ingest complete",
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"replaced", summary.Replaced,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	for reason, count := range summary.Reasons {
		a.logger.Info("ingest breakdown", "reason", reason, "count", count)
	}
	return nil
}

// newNormalizer builds the blueprint normalizer from the configured
// mapping file, optionally watching it for edits.
func (a *app) newNormalizer(ctx context.Context) (*blueprint.Normalizer, error) {
	if a.cfg.Ingest.MappingFile == "" {
		return blueprint.NewNormalizer(nil), nil
	}

	mapping, err := blueprint.LoadMappingFile(a.cfg.Ingest.MappingFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load blueprint mapping: %w", err)
	}
	normalizer := blueprint.NewNormalizer(mapping)

	if a.cfg.Ingest.WatchMapping {
		go func() {
			if err := blueprint.WatchMappingFile(ctx, a.cfg.Ingest.MappingFile, normalizer, a.logger); err != nil {
				a.logger.Warn("mapping watcher stopped", "error", err)
			}
		}()
	}
	return normalizer, nil
}

func (a *app) aggregate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ExitOnError)
	date := fs.String("date", "", "Single date to aggregate (YYYY-MM-DD); empty rebuilds all dates")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	aggregator := aggregate.NewAggregator(
		repository.NewGameRepository(db),
		repository.NewDailyStatsRepository(db),
		repository.NewComputationLogRepository(db),
		a.logger,
	)

	var summary *aggregate.Summary
	if *date == "" {
		summary, err = aggregator.Rebuild(ctx)
	} else {
		var day time.Time
		day, err = time.Parse("2006-01-02", *date)
		if err != nil {
			return fmt.Errorf("invalid -date: %w", err)
		}
		summary, err = aggregator.AggregateDate(ctx, day)
	}
	if err != nil {
		return err
	}

	a.logger.Info("aggregation complete",
		"dates", summary.Dates,
		"stat_rows", summary.StatRows,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return nil
}

// resolveScope parses the -format/-side/-patch flags shared by the
// era-scoped jobs. An empty patch name selects the era containing
// today.
func (a *app) resolveScope(ctx context.Context, db *storage.DB, format, side, patchName string) (string, models.Side, *models.BalancePatch, error) {
	if format == "" {
		return "", "", nil, fmt.Errorf("-format is required")
	}
	var s models.Side
	switch side {
	case "free_peoples":
		s = models.SideFreePeoples
	case "shadow":
		s = models.SideShadow
	default:
		return "", "", nil, fmt.Errorf("-side must be free_peoples or shadow, got %q", side)
	}

	patches := repository.NewPatchRepository(db)
	var (
		patch *models.BalancePatch
		err   error
	)
	if patchName == "" {
		patch, err = patches.ForDate(ctx, time.Now().UTC())
	} else {
		patch, err = patches.GetByName(ctx, patchName)
	}
	if err != nil {
		return "", "", nil, err
	}
	if patch == nil {
		return "", "", nil, fmt.Errorf("no balance patch found; create one with 'gemp-analytics patch create'")
	}
	return format, s, patch, nil
}

func (a *app) correlate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("correlate", flag.ExitOnError)
	format := fs.String("format", "", "Format name (required)")
	side := fs.String("side", "", "Side: free_peoples or shadow (required)")
	patchName := fs.String("patch", "", "Balance patch name (default: current era)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, s, patch, err := a.resolveScope(ctx, db, *format, *side, *patchName)
	if err != nil {
		return err
	}

	engine := correlate.NewEngine(
		repository.NewGameRepository(db),
		repository.NewCatalogRepository(db),
		repository.NewCorrelationRepository(db),
		repository.NewComputationLogRepository(db),
		a.logger,
	)
	result, err := engine.ComputeScope(ctx, correlate.Scope{Format: f, Side: s, Patch: patch}, correlate.Thresholds{
		MinAppearances: a.cfg.Correlate.MinAppearances,
		MinLift:        a.cfg.Correlate.MinLift,
		Workers:        a.cfg.Correlate.Workers,
	})
	if err != nil {
		return err
	}

	a.logger.Info("correlation complete",
		"scope", fmt.Sprintf("%s/%s/%s", f, s, patch.Name),
		"total_decks", result.TotalDecks,
		"eligible_cards", result.EligibleCards,
		"rows", result.Rows,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return nil
}

func (a *app) detect(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	format := fs.String("format", "", "Format name (required)")
	side := fs.String("side", "", "Side: free_peoples or shadow (required)")
	patchName := fs.String("patch", "", "Balance patch name (default: current era)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, s, patch, err := a.resolveScope(ctx, db, *format, *side, *patchName)
	if err != nil {
		return err
	}

	opts := archetype.DefaultDetectorOptions()
	opts.MinLift = a.cfg.Detect.MinLift
	opts.MinTogether = a.cfg.Detect.MinTogether
	opts.MinCards = a.cfg.Detect.MinCards
	opts.MinCentrality = a.cfg.Detect.MinCentrality
	opts.Resolution = a.cfg.Detect.Resolution
	opts.Seed = a.cfg.Detect.Seed
	opts.NoFlex = a.cfg.Detect.NoFlex

	detector := archetype.NewDetector(
		repository.NewCorrelationRepository(db),
		repository.NewCommunityRepository(db),
		repository.NewComputationLogRepository(db),
		a.logger,
	)
	summary, err := detector.DetectScope(ctx, f, s, patch, opts)
	if err != nil {
		return err
	}

	a.logger.Info("detection complete",
		"scope", fmt.Sprintf("%s/%s/%s", f, s, patch.Name),
		"graph_nodes", summary.GraphNodes,
		"graph_edges", summary.GraphEdges,
		"communities", summary.Communities,
		"carried_forward", summary.CarriedForward,
		"flex_cards", summary.FlexCards,
		"orphan_cards", summary.OrphanCards,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return nil
}

func (a *app) match(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	format := fs.String("format", "", "Format name (required)")
	side := fs.String("side", "", "Side: free_peoples or shadow (required)")
	patchName := fs.String("patch", "", "Balance patch name (default: current era)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	f, s, patch, err := a.resolveScope(ctx, db, *format, *side, *patchName)
	if err != nil {
		return err
	}

	matcher := archetype.NewMatcher(
		repository.NewGameRepository(db),
		repository.NewCatalogRepository(db),
		repository.NewCommunityRepository(db),
		repository.NewAssignmentRepository(db),
		repository.NewComputationLogRepository(db),
		a.logger,
	)
	summary, err := matcher.MatchScope(ctx, f, s, patch, archetype.MatcherOptions{
		MinScore: a.cfg.Match.MinScore,
	})
	if err != nil {
		return err
	}

	a.logger.Info("matching complete",
		"scope", fmt.Sprintf("%s/%s/%s", f, s, patch.Name),
		"decks", summary.Decks,
		"assigned", summary.Assigned,
		"unassigned", summary.Unassigned,
		"duration", summary.Duration.Round(time.Millisecond),
	)
	return nil
}

func (a *app) patch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("patch", flag.ExitOnError)
	name := fs.String("name", "", "Patch name (create/delete)")
	date := fs.String("date", "", "Patch date YYYY-MM-DD (create)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("patch requires an action: create, list or delete")
	}

	db, err := a.openDB(true)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	patches := repository.NewPatchRepository(db)
	switch action := fs.Arg(0); action {
	case "create":
		if *name == "" || *date == "" {
			return fmt.Errorf("patch create requires -name and -date")
		}
		day, err := time.Parse("2006-01-02", *date)
		if err != nil {
			return fmt.Errorf("invalid -date: %w", err)
		}
		created, err := patches.Create(ctx, *name, day)
		if err != nil {
			return err
		}
		a.logger.Info("patch created", "id", created.ID, "name", created.Name, "date", *date)
		return nil

	case "list":
		all, err := patches.List(ctx)
		if err != nil {
			return err
		}
		for _, p := range all {
			end := "open"
			if p.EndDate != nil {
				end = p.EndDate.Format("2006-01-02")
			}
			fmt.Printf("%d\t%s\t%s .. %s\n", p.ID, p.Name, p.PatchDate.Format("2006-01-02"), end)
		}
		return nil

	case "delete":
		if *name == "" {
			return fmt.Errorf("patch delete requires -name")
		}
		p, err := patches.GetByName(ctx, *name)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no patch named %q", *name)
		}
		if err := patches.Delete(ctx, p.ID); err != nil {
			return err
		}
		a.logger.Info("patch deleted", "name", *name, "id", p.ID)
		return nil

	default:
		return fmt.Errorf("unknown patch action %q", action)
	}
}

func (a *app) backup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	restorePath := fs.String("restore-from", "", "Backup file to restore (restore)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("backup requires an action: create, list, restore or schedule")
	}

	var encryption *storage.EncryptionConfig
	if a.cfg.Backup.Encrypt {
		passphrase := os.Getenv("GEMP_BACKUP_PASSPHRASE")
		if passphrase == "" {
			return fmt.Errorf("backup encryption enabled but GEMP_BACKUP_PASSPHRASE is not set")
		}
		encryption = storage.DefaultEncryptionConfig(passphrase)
	}
	manager := storage.NewBackupManager(
		a.cfg.Database.Path, a.cfg.Backup.Dir, a.cfg.Backup.MaxBackups, encryption)

	switch action := fs.Arg(0); action {
	case "create":
		path, err := manager.Backup(ctx)
		if err != nil {
			return err
		}
		a.logger.Info("backup created", "path", path)
		return nil

	case "list":
		backups, err := manager.List()
		if err != nil {
			return err
		}
		for _, b := range backups {
			kind := "plain"
			if b.Encrypted {
				kind = "encrypted"
			}
			fmt.Printf("%s\t%d bytes\t%s\t%s\n",
				b.Name, b.Size, b.CreatedAt.Format(time.RFC3339), kind)
		}
		return nil

	case "restore":
		if *restorePath == "" {
			return fmt.Errorf("backup restore requires -restore-from")
		}
		if err := manager.Restore(ctx, *restorePath); err != nil {
			return err
		}
		a.logger.Info("database restored", "from", *restorePath)
		return nil

	case "schedule":
		interval, err := a.cfg.BackupInterval()
		if err != nil {
			return err
		}
		scheduler := storage.NewBackupScheduler(manager, interval, a.logger)
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil

	default:
		return fmt.Errorf("unknown backup action %q", action)
	}
}
