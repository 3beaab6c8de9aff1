package main

import (
	"context"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crm-sheet-sync/internal/alert"
	"crm-sheet-sync/internal/archive"
	"crm-sheet-sync/internal/config"
	"crm-sheet-sync/internal/crm"
	"crm-sheet-sync/internal/database"
	"crm-sheet-sync/internal/engine"
	"crm-sheet-sync/internal/events"
	"crm-sheet-sync/internal/ingest"
	"crm-sheet-sync/internal/mapping"
	"crm-sheet-sync/internal/middleware"
	"crm-sheet-sync/internal/resolve"
	"crm-sheet-sync/internal/retry"
	"crm-sheet-sync/internal/rowlock"
	"crm-sheet-sync/internal/rowstate"
	"crm-sheet-sync/internal/sheets"
	"crm-sheet-sync/internal/synclog"
	"crm-sheet-sync/internal/transport/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

func main() {
	started := time.Now()
	cfg := config.Load()
	log := cfg.NewLogger()
	log.Infof("🔧 [AUTH] service expected token: %s", middleware.Mask(cfg.ServiceExpectedToken))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatalf("❌ [DB] %v", err)
	}

	registry := mapping.NewRegistry(db, cfg.MappingCacheTTL)
	rows := rowstate.New(db)
	syncLog := synclog.New(db)
	inbox := ingest.NewEvents(db)
	locks := rowlock.New(cfg.RowLockTTL)

	crmClient := crm.NewBitrix(cfg.DownstreamTimeout, crm.WebhookFromConfig, log)
	sheetClient, err := sheets.NewGoogle(ctx, []byte(cfg.GoogleCredentialsJSON), cfg.DownstreamTimeout, log)
	if err != nil {
		log.Fatalf("❌ [SHEETS] failed to initialize client: %v", err)
	}
	log.Info("✅ [SHEETS] Google Sheets client initialized")

	statuses := sheets.NewStatusBatcher(sheetClient, cfg.StatusBatchSize, cfg.StatusFlushInterval, log)
	go statuses.Run(ctx)

	feed := newFeed(cfg, log)
	alerts := newAlerts(ctx, cfg, log)
	archiver := newArchiver(ctx, cfg, log)

	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	exec := resolve.New(resolve.Deps{
		DB:     db,
		Rows:   rows,
		Log:    syncLog,
		Events: inbox,
		CRM:    crmClient,
		Sheets: sheetClient,
		Status: statuses,
		Feed:   feed,
		Alerts: alerts,
		Delay:  policy.Delay,
		Logger: log,
	})

	scheduler := retry.NewScheduler(syncLog, registry, locks, exec, retry.Options{
		Interval:    cfg.RetryScanInterval,
		Parallelism: cfg.RetryParallelism,
		StuckAfter:  cfg.StuckAfter,
		Policy:      policy,
	}, log)
	go scheduler.Run(ctx)

	eng := engine.New(engine.Deps{
		Registry:  registry,
		Rows:      rows,
		Log:       syncLog,
		Events:    inbox,
		SheetIn:   ingest.NewSheetIngestor(registry, log),
		CRMIn:     ingest.NewCRMIngestor(registry, rows, log),
		Refresher: ingest.NewRefresher(registry, rows, crmClient, sheetClient, log),
		Exec:      exec,
		Retry:     scheduler,
		Locks:     locks,
		Archive:   archiver,
		Logger:    log,
	}, cfg.WorkerCount, cfg.QueueSize)
	log.Infof("✅ [ENGINE] %d workers started", cfg.WorkerCount)

	go func() {
		n, err := eng.ReplayUnprocessed(ctx)
		if err != nil {
			log.Warnf("⚠️ [ENGINE] replay of stored events failed: %v", err)
			return
		}
		if n > 0 {
			log.Infof("🔁 [ENGINE] replayed %d unprocessed events", n)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "crm-sheet-sync",
		ErrorHandler: http.ErrorHandler(log),
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Service-Token,X-Event-ID,X-Request-ID",
		MaxAge:       86400,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))

	http.Register(app, http.NewHandler(eng, log), middleware.ServiceAuth(cfg.ServiceExpectedToken, log), started)
	log.Info("✅ [ROUTES] registered /svc/v1 and /health")

	go func() {
		<-ctx.Done()
		log.Info("🛑 [SHUTDOWN] graceful shutdown initiated...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Errorf("❌ [SHUTDOWN] http: %v", err)
		}
	}()

	log.Infof("🚀 crm-sheet-sync listening on :%s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		log.Errorf("❌ [HTTP] server stopped: %v", err)
	}
	stop()

	drain, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(drain); err != nil {
		log.Errorf("❌ [SHUTDOWN] engine: %v", err)
	}
	exec.Close()
	statuses.Close()
	// statuses queued after Run returned
	statuses.Flush(drain)
	feed.Close()
	log.Info("👋 [SHUTDOWN] done")
}

func newFeed(cfg *config.Config, log *logrus.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		log.Warn("⚠️ [EVENTS] NATS disabled (no NATS_URL)")
		return events.Noop{}
	}
	p, err := events.NewNATS(cfg.NATSURL, cfg.NATSSubject, log)
	if err != nil {
		log.Warnf("⚠️ [EVENTS] NATS unavailable, events dropped: %v", err)
		return events.Noop{}
	}
	return p
}

func newAlerts(ctx context.Context, cfg *config.Config, log *logrus.Logger) alert.Notifier {
	var notifiers alert.Multi
	if cfg.FirebaseCredentialsJSON != "" {
		f, err := alert.NewFCM(ctx, []byte(cfg.FirebaseCredentialsJSON), cfg.AlertTopic, log)
		if err != nil {
			log.Fatalf("❌ [FCM] failed to initialize: %v", err)
		}
		notifiers = append(notifiers, f)
		log.Info("✅ [FCM] alert client initialized")
	} else {
		log.Warn("⚠️ [FCM] disabled (no FIREBASE_CREDENTIALS_JSON)")
	}
	if cfg.SMTPHost != "" && cfg.AlertEmailTo != "" {
		notifiers = append(notifiers, alert.NewEmail(alert.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Pass:     cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
			To:       splitList(cfg.AlertEmailTo),
		}, log))
		log.Info("✅ [EMAIL] alert mail enabled")
	}
	if len(notifiers) == 0 {
		return alert.Noop{}
	}
	return notifiers
}

func newArchiver(ctx context.Context, cfg *config.Config, log *logrus.Logger) archive.Archiver {
	r2cfg := archive.R2Config{
		AccountID:       cfg.R2AccountID,
		AccessKeyID:     cfg.R2AccessKeyID,
		AccessKeySecret: cfg.R2AccessKeySecret,
		BucketName:      cfg.R2BucketName,
	}
	if !r2cfg.Enabled() {
		log.Warn("⚠️ [R2] payload archive disabled")
		return archive.Noop{}
	}
	a, err := archive.NewR2(ctx, r2cfg)
	if err != nil {
		log.Fatalf("❌ [R2] failed to initialize client: %v", err)
	}
	log.Info("✅ [R2] payload archive initialized")
	return a
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
