package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docslot/docslot/internal/config"
	"github.com/docslot/docslot/internal/domain/scheduling"
	"github.com/docslot/docslot/internal/platform/auth"
	"github.com/docslot/docslot/internal/platform/db"
	"github.com/docslot/docslot/internal/platform/lock"
	"github.com/docslot/docslot/internal/platform/metrics"
	"github.com/docslot/docslot/internal/platform/middleware"
	"github.com/docslot/docslot/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "docslot-server",
		Short:        "Doctor appointment scheduling API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scheduleCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "docslot").Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func connectDB(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
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
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", cfg.DBSchema)
			count, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS, cfg.DBSchema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", cfg.DBSchema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage doctor working hours",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Create or replace a doctor's working hours",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctor, _ := cmd.Flags().GetString("doctor")
			if doctor == "" {
				return fmt.Errorf("--doctor is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			slot, _ := cmd.Flags().GetInt("slot")
			if start == "" {
				start = cfg.DefaultWorkStart
			}
			if end == "" {
				end = cfg.DefaultWorkEnd
			}
			if slot == 0 {
				slot = cfg.DefaultSlotMinutes
			}
			sched, err := buildSchedule(doctor, start, end, slot)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := connectDB(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			coord := scheduling.NewCoordinator(
				scheduling.NewScheduleRepoPG(pool),
				scheduling.NewStore(scheduling.NewAppointmentRepoPG(pool)),
				scheduling.WithLogger(newLogger(cfg.Env)),
			)
			if err := coord.SetSchedule(ctx, sched); err != nil {
				return err
			}
			fmt.Printf("Doctor %s works %s-%s in %d minute slots.\n", doctor, sched.WorkingHours.Start, sched.WorkingHours.End, sched.SlotMinutes)
			return nil
		},
	}
	setCmd.Flags().String("doctor", "", "Doctor identifier")
	setCmd.Flags().String("start", "", "Start of the working day, HH:MM (default DEFAULT_WORK_START)")
	setCmd.Flags().String("end", "", "End of the working day, HH:MM (default DEFAULT_WORK_END)")
	setCmd.Flags().Int("slot", 0, "Slot length in minutes (default DEFAULT_SLOT_MINUTES)")
	cmd.AddCommand(setCmd)

	return cmd
}

// buildSchedule parses working hours given as HH:MM strings.
func buildSchedule(doctorID, start, end string, slotMinutes int) (*scheduling.DoctorSchedule, error) {
	ws, err := scheduling.ParseTimeOfDay(start)
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", start, err)
	}
	we, err := scheduling.ParseTimeOfDay(end)
	if err != nil {
		return nil, fmt.Errorf("end %q: %w", end, err)
	}
	s := &scheduling.DoctorSchedule{
		DoctorID:     doctorID,
		WorkingHours: scheduling.WorkingHours{Start: ws, End: we},
		SlotMinutes:  slotMinutes,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// app is a fully wired server. close releases its connections.
type app struct {
	echo        *echo.Echo
	coordinator *scheduling.Coordinator
	closers     []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, reg *prometheus.Registry) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return fail(err)
	}

	// Storage
	var (
		pool      *pgxpool.Pool
		appts     scheduling.AppointmentRepository
		schedules scheduling.ScheduleRepository
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return fail(fmt.Errorf("connect to database: %w", err))
		}
		a.closers = append(a.closers, pool.Close)
		appts = scheduling.NewAppointmentRepoPG(pool)
		schedules = scheduling.NewScheduleRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		appts = scheduling.NewMemoryAppointmentRepo()
		schedules = scheduling.NewMemoryScheduleRepo()
		logger.Warn().Msg("using in-memory storage")
	}

	storeOpts := []scheduling.StoreOption{scheduling.WithWriteTimeout(cfg.WriteTimeout)}
	var checks []db.Check
	if cfg.RedisURL != "" {
		client, err := lock.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		locker := lock.NewRedisLocker(client, lock.Config{TTL: cfg.LockTTL})
		storeOpts = append(storeOpts, scheduling.WithDistributedLocker(locker))
		checks = append(checks, redisCheck(client))
		logger.Info().Dur("lease_ttl", cfg.LockTTL).Msg("distributed booking lock enabled")
	}

	// Services
	m := metrics.NewSchedulingMetrics(reg)
	svcOpts := []scheduling.Option{
		scheduling.WithLocation(loc),
		scheduling.WithMetrics(m),
		scheduling.WithLogger(logger.With().Str("component", "scheduling").Logger()),
	}
	store := scheduling.NewStore(appts, storeOpts...)
	availability := scheduling.NewAvailabilityService(schedules, store, svcOpts...)
	a.coordinator = scheduling.NewCoordinator(schedules, store, svcOpts...)

	if err := seedDoctors(ctx, a.coordinator, cfg, logger); err != nil {
		return fail(err)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Tracing(nil))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "traceparent", middleware.RequestIDHeader, auth.DevUserHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool, checks...))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return fail(err)
	}
	api := e.Group("/api/v1", authMW, middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	scheduling.NewHandler(availability, a.coordinator).RegisterRoutes(api)

	a.echo = e
	return a, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthPublicKeyFile == "" {
		return auth.DevAuthMiddleware(), nil
	}
	jc := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.AuthPublicKeyFile != "" {
		key, err := auth.LoadPublicKey(cfg.AuthPublicKeyFile)
		if err != nil {
			return nil, err
		}
		jc.PublicKey = key
	}
	return auth.JWTMiddleware(jc), nil
}

func redisCheck(client *redis.Client) db.Check {
	return db.Check{Name: "redis", Ping: func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}}
}

// seedDoctors gives every SEED_DOCTORS entry the default working hours
// unless it already has a schedule.
func seedDoctors(ctx context.Context, coord *scheduling.Coordinator, cfg *config.Config, logger zerolog.Logger) error {
	for _, id := range cfg.SeedDoctors {
		s, err := buildSchedule(id, cfg.DefaultWorkStart, cfg.DefaultWorkEnd, cfg.DefaultSlotMinutes)
		if err != nil {
			return fmt.Errorf("default schedule: %w", err)
		}
		created, err := coord.SeedSchedule(ctx, s)
		if err != nil {
			return fmt.Errorf("seed doctor %q: %w", id, err)
		}
		if created {
			logger.Info().Str("doctor_id", id).Msg("seeded default schedule")
		}
	}
	return nil
}

// runJanitor drops cached days that are over until ctx is done.
func runJanitor(ctx context.Context, coord *scheduling.Coordinator, every time.Duration, logger zerolog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := coord.PruneBefore(); n > 0 {
				logger.Debug().Int("days", n).Msg("pruned past days from booking cache")
			}
		}
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := buildApp(ctx, cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.close()

	go runJanitor(ctx, a.coordinator, cfg.PruneInterval, logger)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
