package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/domain-engine/internal/certificate"
	"github.com/kursadbilgin/domain-engine/internal/command"
	"github.com/kursadbilgin/domain-engine/internal/config"
	"github.com/kursadbilgin/domain-engine/internal/dnscheck"
	"github.com/kursadbilgin/domain-engine/internal/handler"
	"github.com/kursadbilgin/domain-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/domain-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/domain-engine/internal/infra/redis"
	"github.com/kursadbilgin/domain-engine/internal/infra/sqlite"
	"github.com/kursadbilgin/domain-engine/internal/notify"
	"github.com/kursadbilgin/domain-engine/internal/observability"
	"github.com/kursadbilgin/domain-engine/internal/proxy"
	"github.com/kursadbilgin/domain-engine/internal/repository"
	"github.com/kursadbilgin/domain-engine/internal/service"
	"github.com/kursadbilgin/domain-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Instance: cfg.InstanceID,
	})
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("database initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	metrics := observability.NewMetrics()

	svc, err := newDomainService(cfg, db, rdb, metrics, logger)
	if err != nil {
		logger.Fatal("domain service initialization failed", zap.Error(err))
	}

	scheduler := service.NewScheduler(cfg.StartupDelay, logger.Named("scheduler"))
	scheduler.SetMetrics(metrics)
	for _, task := range svc.Tasks(service.TaskIntervals{
		Pending:     cfg.PendingInterval,
		ExpiryAudit: cfg.ExpiryAuditInterval,
		Renewal:     cfg.RenewalInterval,
		Cleanup:     cfg.CleanupInterval,
	}) {
		if err := scheduler.Register(task); err != nil {
			logger.Fatal("task registration failed", zap.String("task", task.Name), zap.Error(err))
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterDomainRoutes(app, svc, scheduler); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("domain-engine api started",
			zap.Int("port", cfg.APIPort),
			zap.String("acmeBackend", cfg.ACMEBackend),
			zap.Strings("tasks", scheduler.Tasks()),
		)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("domain-engine stopped with error", zap.Error(err))
		return
	}
	logger.Info("domain-engine stopped")
}

func openDatabase(dsn string) (*gorm.DB, error) {
	if sqlite.IsSQLiteDSN(dsn) {
		return sqlite.NewSQLite(dsn)
	}
	return postgresql.NewPostgres(dsn)
}

func newDomainService(
	cfg *config.Config,
	db *gorm.DB,
	rdb *redis.Client,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*service.DomainService, error) {
	runner := command.NewExecRunner(cfg.CommandTimeout, logger.Named("command"))

	verifierOpts := []dnscheck.Option{
		dnscheck.WithTimeout(cfg.DNSTimeout),
		dnscheck.WithLogger(logger.Named("dns")),
	}
	if len(cfg.DNSNameservers) > 0 {
		verifierOpts = append(verifierOpts, dnscheck.WithNameservers(cfg.DNSNameservers...))
	}
	verifier, err := dnscheck.NewVerifier(cfg.ServerIP, verifierOpts...)
	if err != nil {
		return nil, err
	}

	nginx, err := proxy.NewNginxManager(proxy.NginxConfig{
		SitesAvailable: cfg.NginxSitesAvailable,
		SitesEnabled:   cfg.NginxSitesEnabled,
		TestCommand:    cfg.NginxTestCmd,
		ReloadCommand:  cfg.NginxReloadCmd,
		AppPort:        cfg.AppPort,
		ContentRoot:    cfg.ContentRoot,
		ACMEWebroot:    cfg.ACMEWebroot,
	}, runner, logger.Named("proxy"))
	if err != nil {
		return nil, err
	}

	authority, err := newAuthority(cfg, runner, nginx, logger.Named("certificate"))
	if err != nil {
		return nil, err
	}

	var managerOpts []certificate.ManagerOption
	if rdb != nil && cfg.IssueRateLimit > 0 {
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.IssueRateLimit, cfg.IssueRateWindow)
		if err != nil {
			return nil, err
		}
		managerOpts = append(managerOpts, certificate.WithRateLimiter(limiter))
	}
	certs, err := certificate.NewManager(authority, logger.Named("certificate"), managerOpts...)
	if err != nil {
		return nil, err
	}

	svc, err := service.NewDomainService(
		repository.NewGormDomainRepo(db),
		verifier,
		nginx,
		certs,
		service.DomainServiceConfig{
			ServerIP:      cfg.ServerIP,
			ReservedNames: cfg.ReservedNames,
			Concurrency:   cfg.ReconcileConcurrency,
			RecordTimeout: cfg.RecordTimeout,
			LockWait:      cfg.LockWait,
		},
		logger.Named("domains"),
	)
	if err != nil {
		return nil, err
	}
	svc.SetMetrics(metrics)

	if rdb != nil {
		locker, err := infraredis.NewRedisLocker(rdb, logger.Named("lock"))
		if err != nil {
			return nil, err
		}
		svc.SetLocker(locker)
	}

	if cfg.WebhookURL != "" {
		notifier, err := notify.NewWebhookNotifier(cfg.WebhookURL)
		if err != nil {
			return nil, err
		}
		svc.SetNotifier(notifier)
	}

	return svc, nil
}

func newAuthority(
	cfg *config.Config,
	runner command.Runner,
	nginx *proxy.NginxManager,
	logger *zap.Logger,
) (certificate.Authority, error) {
	switch cfg.ACMEBackend {
	case config.ACMEBackendLego:
		lego, err := certificate.NewLegoAuthority(certificate.LegoConfig{
			Email:        cfg.ACMEEmail,
			DirectoryURL: cfg.ACMEDirectoryURL,
			CertDir:      cfg.CertDir,
			Webroot:      cfg.ACMEWebroot,
		}, logger)
		if err != nil {
			return nil, err
		}
		nginx.SetTLSLocator(lego)
		return lego, nil
	default:
		certbot, err := certificate.NewCertbotAuthority(certificate.CertbotConfig{
			Binary: cfg.CertbotBin,
			Email:  cfg.ACMEEmail,
		}, runner, logger)
		if err != nil {
			return nil, err
		}
		// certbot --nginx reloads the proxy itself.
		certbot.SetReloadLock(nginx.Locker())
		return certbot, nil
	}
}
