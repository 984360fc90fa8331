package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"lessonsync/internal/config"
	"lessonsync/internal/gcal"
	"lessonsync/internal/lessons"
	appLog "lessonsync/internal/log"
	"lessonsync/internal/project"
	"lessonsync/internal/syncer"
	"lessonsync/internal/timetable"
	"lessonsync/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	dryRun     bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", flags.configPath, err)
		os.Exit(1)
	}

	logger, err := appLog.New(appLog.Options{Level: conf.LogLevel, JSON: conf.LogJSON})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("lessonsync starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	if err := conf.Validate(); err != nil {
		logger.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	logger.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"calendar_id", conf.GoogleCalendar.CalendarID,
		"connection_type", conf.Timetable.ConnectionType,
		"account_type", conf.Timetable.AccountType,
		"weeks", conf.Sync.Weeks,
		"refresh", conf.Sync.RefreshCron,
		"time_adjustments", len(conf.TimeAdjustments),
		"subject_adjustments", len(conf.SubjectAdjustments),
		"once", flags.once,
		"dry_run", flags.dryRun,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := buildSyncer(ctx, conf, flags.dryRun, logger)
	if err != nil {
		logger.Error("failed to initialize sync", err)
		os.Exit(1)
	}

	if flags.once {
		if _, err := s.Run(ctx, time.Now()); err != nil {
			logger.Error("sync failed", err)
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	if err := runDaemon(ctx, conf, s, logger); err != nil {
		logger.Error("daemon failed", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("lessonsync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "Status server listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one sync pass and exit")
	flag.BoolVar(&cfg.dryRun, "dry-run", false, "Compute and log changes without writing to the calendar")

	flag.Parse()

	return cfg
}

func buildSyncer(ctx context.Context, conf *config.Config, dryRun bool, logger *appLog.Logger) (*syncer.Syncer, error) {
	loc := conf.Location()

	source, err := timetable.NewClient(timetable.ClientConfig{
		ConnectionType:  conf.Timetable.ConnectionType,
		AccountType:     conf.Timetable.AccountType,
		Child:           conf.Timetable.Child,
		CredentialsPath: conf.Timetable.CredentialsFile,
		CacheDir:        conf.Timetable.CacheDir,
		Location:        loc,
	}, logger.With("component", "timetable"))
	if err != nil {
		return nil, err
	}

	svc, err := gcal.NewService(ctx, conf.GoogleCalendar.CredentialsFile)
	if err != nil {
		return nil, err
	}
	store := gcal.NewStore(svc, conf.GoogleCalendar.CalendarID, loc, logger.With("component", "gcal"))

	rules, err := conf.TimeRules()
	if err != nil {
		return nil, err
	}
	normalizer := lessons.NewNormalizer(rules, conf.SubjectAdjustments, logger.With("component", "normalize"))

	projector, err := project.New(conf.EventsTemplates)
	if err != nil {
		return nil, err
	}

	return syncer.New(syncer.Config{
		Weeks:    conf.Sync.Weeks,
		Location: loc,
		SortByID: conf.Sync.DeterministicTiebreak,
		DryRun:   dryRun,
	}, source, store, normalizer, projector, logger.With("component", "sync")), nil
}

// runDaemon syncs immediately, then on the cron schedule until ctx is
// canceled. Runs never overlap; a failed run is logged and retried at the
// next tick.
func runDaemon(ctx context.Context, conf *config.Config, s *syncer.Syncer, logger *appLog.Logger) error {
	var (
		runMu  sync.Mutex
		status *web.Server
	)
	runOnce := func(runCtx context.Context) (syncer.Result, error) {
		runMu.Lock()
		defer runMu.Unlock()

		started := time.Now()
		res, err := s.Run(runCtx, started)
		if err != nil {
			logger.Error("sync failed", err)
		}
		if status != nil {
			status.Record(started, res, err)
		}
		return res, err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	if conf.Listen != "" {
		status = web.NewServer(conf, runOnce, logger.With("component", "web"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := status.Serve(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	_, _ = runOnce(ctx)

	c := cron.New(cron.WithLocation(conf.Location()))
	if _, err := c.AddFunc(conf.Sync.RefreshCron, func() { _, _ = runOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid sync.refresh %q: %w", conf.Sync.RefreshCron, err)
	}
	c.Start()
	logger.Info("scheduler started", "refresh", conf.Sync.RefreshCron)

	var err error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-errCh:
	}

	// Wait for an in-flight run before exiting.
	<-c.Stop().Done()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
