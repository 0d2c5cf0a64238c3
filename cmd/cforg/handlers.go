package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/cforg/internal/config"
	"github.com/elonfeng/cforg/internal/metrics"
	"github.com/elonfeng/cforg/internal/ratelimit"
	"github.com/elonfeng/cforg/internal/scheduler"
	"github.com/elonfeng/cforg/internal/store"
	"github.com/elonfeng/cforg/pkg/alert"
	"github.com/elonfeng/cforg/pkg/pipeline"
	"github.com/elonfeng/cforg/pkg/pool"
	"github.com/elonfeng/cforg/pkg/server"
	"github.com/elonfeng/cforg/pkg/source"
	"github.com/elonfeng/cforg/pkg/stats"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if cfg.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "cforg").Logger()
}

// app holds the wired components shared by the commands.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	db       *store.SQLiteStore
	client   *source.Client
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		db:       db,
		client:   buildClient(cfg, m, logger),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close store")
	}
}

func buildClient(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) *source.Client {
	cf := cfg.Codeforces
	return source.NewClient(source.Options{
		APIBaseURL:     cf.APIBaseURL,
		WebBaseURL:     cf.WebBaseURL,
		OrganizationID: cfg.Organization.ID,
		RequestTimeout: cf.ParseRequestTimeout(),
		Limiter:        ratelimit.NewTokenBucket(cf.RequestsPerSecond, 1),
		Retry: ratelimit.RetryPolicy{
			MaxAttempts:    cf.Retry.MaxAttempts,
			InitialBackoff: cf.Retry.ParseInitialBackoff(),
			Multiplier:     cf.Retry.Multiplier,
			MaxBackoff:     cf.Retry.ParseMaxBackoff(),
			Deadline:       cf.Retry.ParseDeadline(),
		},
		Metrics: m,
	}, logger)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func (a *app) pipeline() *pipeline.Pipeline {
	name := a.cfg.Organization.Name
	if name == "" {
		name = "organization " + a.cfg.Organization.ID
	}
	opts := pipeline.Options{
		Organization:  name,
		Location:      a.cfg.Location(),
		Pool:          pool.New(a.cfg.Codeforces.Workers, a.metrics),
		Metrics:       a.metrics,
		NotifySuccess: a.cfg.Alerts.NotifySuccess,
	}
	if mgr := buildAlertManager(a.cfg); mgr.HasNotifiers() {
		opts.Alerts = mgr
	}
	roster := source.NewDirectory(a.client, a.logger)
	return pipeline.New(a.client, roster, a.db, opts, a.logger)
}

func (a *app) server(port int, refresher server.Refresher) *server.Server {
	if port == 0 {
		port = a.cfg.Server.Port
	}
	cache := stats.NewCache(a.cfg.Cache.Enabled, a.cfg.Cache.SizeMB, a.cfg.Cache.ParseTTL(), a.logger)
	org := stats.Organization{ID: a.cfg.Organization.ID, Name: a.cfg.Organization.Name}
	svc := stats.NewService(a.db, cache, org, a.cfg.Location(), a.logger)
	return server.New(svc, refresher, a.registry, port, a.logger)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runRefresh(parent context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	return a.pipeline().RunCycle(ctx)
}

func runServe(parent context.Context, port int) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	return a.server(port, nil).Run(ctx)
}

func runDaemon(parent context.Context, port int) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	sched := scheduler.New(a.pipeline(),
		a.cfg.Schedule.ParseRefreshInterval(),
		a.cfg.Schedule.RunOnStart,
		a.metrics,
		a.logger,
	)
	srv := a.server(port, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()
	a.logger.Info().Msg("shut down")
	return err
}

func runStatus(ctx context.Context, jsonOutput bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	meta, err := a.db.ReadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	counts, err := a.db.RowCounts(ctx)
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"last_update_time": meta.LastUpdateTime,
			"last_cycle_id":    meta.LastCycleID,
			"rows":             counts,
		})
	}

	fmt.Printf("last update: %s\n", meta.LastUpdateTime)
	if meta.LastCycleID != "" {
		fmt.Printf("cycle:       %s\n", meta.LastCycleID)
	}

	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nTABLE\tROWS")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
	}
	return w.Flush()
}

func runRoster(parent context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signalContext(parent)
	defer cancel()

	handles, err := source.NewDirectory(a.client, a.logger).Resolve(ctx)
	if err != nil {
		return err
	}
	for _, h := range handles {
		fmt.Println(h)
	}
	fmt.Fprintf(os.Stderr, "%d handles\n", len(handles))
	return nil
}
