package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/schoolhealth/schoolhealth/internal/config"
	"github.com/schoolhealth/schoolhealth/internal/domain/condition"
	"github.com/schoolhealth/schoolhealth/internal/domain/incident"
	"github.com/schoolhealth/schoolhealth/internal/domain/staff"
	"github.com/schoolhealth/schoolhealth/internal/domain/student"
	"github.com/schoolhealth/schoolhealth/internal/platform/auth"
	"github.com/schoolhealth/schoolhealth/internal/platform/cache"
	"github.com/schoolhealth/schoolhealth/internal/platform/db"
	"github.com/schoolhealth/schoolhealth/internal/platform/middleware"
	"github.com/schoolhealth/schoolhealth/internal/platform/notification"
	"github.com/schoolhealth/schoolhealth/internal/platform/scheduler"
	"github.com/schoolhealth/schoolhealth/internal/platform/websocket"
	"github.com/schoolhealth/schoolhealth/migrations"
)

const (
	version  = "0.1.0"
	sweepJob = "stale-pending-sweep"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "schoolhealth-server",
		Short: "School health incident triage API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("read migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func newLogger(env, level string, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// senderSet picks a transport per channel. Redis and the push gateway are
// optional; without them messages are written to the log.
func senderSet(cfg *config.Config, hub *websocket.Hub, rdb *redis.Client, logger zerolog.Logger) []notification.Option {
	logSender := notification.NewLogSender(logger)
	opts := []notification.Option{
		notification.WithLogger(logger),
		notification.WithSender(notification.ChannelInApp, notification.NewHubSender(hub)),
	}

	var email, sms notification.Sender = logSender, logSender
	if rdb != nil {
		stream := notification.NewStreamSender(rdb, cfg.NotifyStream)
		email, sms = stream, stream
	}
	if cfg.PushGatewayURL != "" {
		sms = notification.NewWebhookSender(cfg.PushGatewayURL, cfg.PushGatewaySecret, cfg.NotifyTimeout)
	}
	return append(opts,
		notification.WithSender(notification.ChannelEmail, email),
		notification.WithSender(notification.ChannelSMS, sms),
	)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis is optional: without it reads are cached in process and
	// e-mail/SMS jobs are only logged.
	var (
		rdb        *redis.Client
		readCache  incident.Cache
		healthDeps []db.Check
	)
	if cfg.RedisURL != "" {
		rdb, err = cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		readCache = cache.NewRedisStore(rdb, "schoolhealth:")
		healthDeps = append(healthDeps, db.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
		logger.Info().Msg("connected to redis")
	} else {
		mem := cache.NewMemoryStore()
		mem.StartCleanup(ctx, time.Minute)
		readCache = mem
	}

	authz, err := auth.NewPolicyAuthorizer(auth.DefaultPolicies())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build authorizer")
	}

	hub := websocket.NewHub(logger)
	notifier := notification.NewManager(notification.NewTemplateEngine(), senderSet(cfg, hub, rdb, logger)...)

	staffRepo := staff.NewRepoPG(pool)
	studentRepo := student.NewRepoPG(pool)

	svcOpts := []incident.Option{
		incident.WithLogger(logger),
		incident.WithMaxAttempts(cfg.AssignMaxAttempts),
		incident.WithCacheTTL(cfg.CacheTTL),
	}
	if cfg.NotifyAsync {
		svcOpts = append(svcOpts, incident.WithAsyncNotify(cfg.NotifyTimeout))
	}
	incidentSvc := incident.NewService(incident.Deps{
		Repo:       incident.NewRepoPG(pool),
		Tx:         db.NewTxRunner(pool),
		Conditions: condition.NewRepoPG(pool),
		Staff:      staffRepo,
		Guardians:  studentRepo,
		Codes:      incident.NewPGCodeGenerator(pool, cfg.IncidentCodePrefix),
		Authz:      authz,
		Dispatcher: notifier,
		Cache:      readCache,
		Observer:   incident.LogObserver{Logger: logger},
		Live:       hub,
	}, svcOpts...)

	// Scheduled jobs
	sched := scheduler.New(logger)
	err = sched.Add(sweepJob, cfg.PendingSweepSpec, func(ctx context.Context) error {
		n, err := incidentSvc.SweepStalePending(ctx, cfg.PendingEscalateAfter)
		if n > 0 {
			logger.Info().Int("flagged", n).Msg("stale pending incidents flagged")
		}
		return err
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule sweep")
	}
	sched.Start()
	// catch up on incidents that went stale while the server was down
	go func() {
		if err := sched.RunNow(sweepJob); err != nil {
			logger.Error().Err(err).Msg("initial sweep")
		}
	}()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, healthDeps...))

	authMW := auth.DevAuthMiddleware()
	if !cfg.IsDev() {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RequestTimeout(cfg.RequestTimeout, logger), middleware.Audit(logger, nil))
	incident.NewHandler(incidentSvc).RegisterRoutes(apiV1)
	notification.NewHandler(notifier).RegisterRoutes(apiV1)

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e, authMW)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	sched.Stop(shutdownCtx)
	incidentSvc.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
