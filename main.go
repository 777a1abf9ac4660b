package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mail-migrator/internal/api"
	"github.com/Martian-dev/mail-migrator/internal/auth"
	"github.com/Martian-dev/mail-migrator/internal/config"
	"github.com/Martian-dev/mail-migrator/internal/eventstore/sqlite"
	"github.com/Martian-dev/mail-migrator/internal/mail"
	"github.com/Martian-dev/mail-migrator/internal/migration"
	natsjs "github.com/Martian-dev/mail-migrator/internal/nats"
	"github.com/Martian-dev/mail-migrator/internal/progress"
	"github.com/Martian-dev/mail-migrator/internal/report"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailmigrate",
		Short: "Copy mail between Gmail, Outlook and Yahoo mailboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	serveCmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the migration API",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.AddCommand(serveCmd, newMigrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.DBPath(), cfg.DBDriver)
	if err != nil {
		return err
	}
	defer store.Close()

	reports, closeReports, err := reportSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeReports()

	var observers []migration.Observer
	var apiOpts []api.Option
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		forwarder := progress.NewRedisForwarder(rdb)
		observers = append(observers, forwarder)
		apiOpts = append(apiOpts, api.WithRemote(forwarder))
		log.Info().Str("addr", opts.Addr).Msg("forwarding progress to redis")
	}

	var verifier api.Verifier
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.JWKSURL)
		if err != nil {
			return err
		}
		verifier = v
	} else {
		log.Warn().Msg("JWKS_URL not set, API is unauthenticated")
	}

	var betterAuth *auth.BetterAuthClient
	if cfg.BetterAuthURL != "" {
		betterAuth = auth.NewBetterAuthClient(cfg.BetterAuthURL)
	}

	manager := migration.NewManager(migration.Config{
		Factory:   providerFactory(cfg, betterAuth),
		Store:     store,
		Reports:   reports,
		Observers: observers,
		Policy:    cfg.RetryPolicy(),
		RateLimit: cfg.RateLimit,
	})

	srv := api.NewServer(manager, verifier, apiOpts...)
	srv.Defaults.BatchSize = cfg.BatchSize
	srv.Defaults.MaxAttachmentBytes = cfg.MaxAttachmentBytes
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Router()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(); err != nil {
			return err
		}
		dispatcher := &migration.Dispatcher{Outbox: store, Publisher: pub, Backoff: cfg.RetryPolicy()}
		g.Go(func() error {
			return dispatcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
		return manager.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func reportSink(ctx context.Context, cfg *config.Config) (migration.ReportSink, func(), error) {
	noop := func() {}
	switch cfg.ReportSink {
	case "file":
		s, err := report.NewFileSink(cfg.DataDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "s3":
		s, err := report.NewS3Sink(ctx, cfg.ReportBucket, report.WithRegion(cfg.ReportRegion))
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "gcs":
		s, err := report.NewGCSSink(ctx, cfg.ReportBucket, "")
		if err != nil {
			return nil, noop, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, noop, nil
}

type migrateOptions struct {
	source        string
	sourceToken   string
	sourceAccount string
	dest          string
	destToken     string
	destAccount   string
	folder        string
	batchSize     int
	unreadOnly    bool
	after         string
	before        string
	noAttachments bool
	flatten       string
	dedupe        bool
}

func newMigrateCmd() *cobra.Command {
	o := &migrateOptions{}
	cmd := &cobra.Command{
		Use:          "migrate",
		Short:        "Run one migration in-process and print progress as JSON lines",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd, o)
		},
	}
	cmd.Flags().StringVar(&o.source, "source", "", "Source provider (gmail, outlook, yahoo)")
	cmd.Flags().StringVar(&o.sourceToken, "source-token", "", "Source OAuth access token")
	cmd.Flags().StringVar(&o.sourceAccount, "source-account", "", "Source account (required for yahoo)")
	cmd.Flags().StringVar(&o.dest, "dest", "", "Destination provider (gmail, outlook, yahoo)")
	cmd.Flags().StringVar(&o.destToken, "dest-token", "", "Destination OAuth access token")
	cmd.Flags().StringVar(&o.destAccount, "dest-account", "", "Destination account (required for yahoo)")
	cmd.Flags().StringVar(&o.folder, "folder", "", "Migrate only this source folder id")
	cmd.Flags().IntVar(&o.batchSize, "batch-size", 0, "Messages per batch (default BATCH_SIZE)")
	cmd.Flags().BoolVar(&o.unreadOnly, "unread-only", false, "Only migrate unread messages")
	cmd.Flags().StringVar(&o.after, "after", "", "Only messages received on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&o.before, "before", "", "Only messages received before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&o.noAttachments, "no-attachments", false, "Strip attachments")
	cmd.Flags().StringVar(&o.flatten, "flatten", "", "Put every message into this destination folder")
	cmd.Flags().BoolVar(&o.dedupe, "dedupe", false, "Migrate a message with several labels only once")
	for _, name := range []string{"source", "source-token", "dest", "dest-token"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (o *migrateOptions) request(cfg *config.Config) (migration.Request, error) {
	var req migration.Request
	source, ok := mail.ParseProvider(o.source)
	if !ok {
		return req, fmt.Errorf("unsupported source provider %q", o.source)
	}
	dest, ok := mail.ParseProvider(o.dest)
	if !ok {
		return req, fmt.Errorf("unsupported destination provider %q", o.dest)
	}

	opts := migration.DefaultOptions()
	opts.BatchSize = cfg.BatchSize
	if o.batchSize > 0 {
		opts.BatchSize = o.batchSize
	}
	opts.UnreadOnly = o.unreadOnly
	opts.IncludeAttachments = !o.noAttachments
	opts.Dedupe = o.dedupe
	opts.MaxAttachmentBytes = cfg.MaxAttachmentBytes
	if o.flatten != "" {
		opts.PreserveFolders = false
		opts.TargetFolder = o.flatten
	}
	var err error
	if opts.After, err = parseDate("after", o.after); err != nil {
		return req, err
	}
	if opts.Before, err = parseDate("before", o.before); err != nil {
		return req, err
	}

	return migration.Request{
		Source:      migration.Endpoint{Provider: source, AccessToken: o.sourceToken, Account: o.sourceAccount},
		Destination: migration.Endpoint{Provider: dest, AccessToken: o.destToken, Account: o.destAccount},
		Scope:       migration.Scope{FolderID: o.folder},
		Options:     opts,
	}, nil
}

func parseDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}

func runMigrate(cmd *cobra.Command, o *migrateOptions) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	req, err := o.request(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := migration.NewManager(migration.Config{
		Factory:   providerFactory(cfg, nil),
		Policy:    cfg.RetryPolicy(),
		RateLimit: cfg.RateLimit,
	})

	id, err := manager.StartMigration(ctx, req)
	if err != nil {
		return err
	}
	events, err := manager.Subscribe(context.Background(), id)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		if err := manager.Cancel(id); err != nil && !errors.Is(err, migration.ErrInvalidTransition) {
			log.Warn().Err(err).Str("job_id", id).Msg("cancel migration")
		}
	}()

	out := cmd.OutOrStdout()
	for ev := range events {
		line, err := progress.Encode(ev)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(line))
	}

	done, err := manager.Done(id)
	if err != nil {
		return err
	}
	<-done

	result, err := manager.Report(id)
	if err != nil {
		return err
	}
	summary, _ := json.Marshal(result.Counters)
	log.Info().Str("job_id", id).Str("status", string(result.Status)).RawJSON("counters", summary).Msg("migration finished")
	if result.Status == progress.StatusFailed {
		return fmt.Errorf("migration failed: %s", result.Error)
	}
	return nil
}
