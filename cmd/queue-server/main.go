package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/clinicq/clinicq/internal/config"
	"github.com/clinicq/clinicq/internal/domain/liveview"
	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/middleware"
	"github.com/clinicq/clinicq/internal/platform/telemetry"
	"github.com/clinicq/clinicq/internal/platform/websocket"
)

const (
	version        = "0.1.0"
	requestTimeout = 15 * time.Second
	maxBodySize    = "64K"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "queue-server",
		Short:        "Hospital patient queue coordinator",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load reference data",
	}

	doctorsCmd := &cobra.Command{
		Use:   "doctors",
		Short: "Create doctors listed in a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			seeds, err := loadDoctorSeed(file)
			if err != nil {
				return err
			}
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
				svc := queue.NewService(queue.NewPGStore(pool, logger), logger)
				for _, d := range seeds {
					if err := svc.CreateDoctor(ctx, d); err != nil {
						return fmt.Errorf("create doctor %q: %w", d.Name, err)
					}
					fmt.Printf("%s  %s (%s)\n", d.ID, d.Name, d.Specialization)
				}
				fmt.Printf("Created %d doctor(s).\n", len(seeds))
				return nil
			})
		},
	}
	doctorsCmd.Flags().String("file", "", "JSON array of {name, specialization, is_available}")
	cmd.AddCommand(doctorsCmd)

	return cmd
}

type doctorSeed struct {
	Name           string `json:"name"`
	Specialization string `json:"specialization"`
	IsAvailable    *bool  `json:"is_available"`
}

// loadDoctorSeed reads a seed file. Doctors are available unless the file
// says otherwise.
func loadDoctorSeed(path string) ([]*queue.Doctor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seeds []doctorSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	out := make([]*queue.Doctor, 0, len(seeds))
	for i, s := range seeds {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("seed entry %d: name is required", i)
		}
		d := &queue.Doctor{Name: s.Name, Specialization: s.Specialization, IsAvailable: true}
		if s.IsAvailable != nil {
			d.IsAvailable = *s.IsAvailable
		}
		out = append(out, d)
	}
	return out, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Print a signed token for local use",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if sub == "" {
				return fmt.Errorf("--sub is required")
			}
			for _, r := range roles {
				if !knownRole(r) {
					return fmt.Errorf("unknown role %q", r)
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret)}, sub, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	issueCmd.Flags().String("sub", "", "Subject (user id)")
	issueCmd.Flags().StringSlice("role", []string{auth.RoleReceptionist}, "Role(s) to grant")
	issueCmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	cmd.AddCommand(issueCmd)

	return cmd
}

func knownRole(r string) bool {
	switch r {
	case auth.RolePatient, auth.RoleReceptionist, auth.RoleDoctor, auth.RoleAdmin:
		return true
	}
	return false
}

// withPool loads config, connects to postgres and runs fn.
func withPool(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("this command requires STORE_BACKEND=%s", config.BackendPostgres)
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		Logger:      zerolog.New(os.Stderr),
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app is everything the HTTP server and the projector share.
type app struct {
	svc  *queue.Service
	proj *liveview.Projector
	hub  *websocket.Hub
	pool *pgxpool.Pool

	// metrics is nil when METRICS_ENABLED is false.
	metrics *telemetry.Provider
}

func newApp(cfg *config.Config, store queue.Store, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	bands, err := liveview.ParseBands(cfg.WaitBands)
	if err != nil {
		return nil, err
	}
	perPatient, err := liveview.ParsePatientMinutes(cfg.PatientMinutes)
	if err != nil {
		return nil, err
	}

	retry := queue.DefaultRetryPolicy()
	if cfg.TxMaxAttempts > 0 {
		retry = queue.RetryPolicy{MaxAttempts: cfg.TxMaxAttempts, BaseDelay: cfg.TxBackoffBase, MaxDelay: cfg.TxBackoffMax}
	}
	opts := []queue.Option{queue.WithRetryPolicy(retry), queue.WithWaitEstimator(bands)}

	var metrics *telemetry.Provider
	if cfg.MetricsEnabled {
		metrics = telemetry.NewProvider()
		opts = append(opts, queue.WithRecorder(metrics))
	}
	svc := queue.NewService(store, logger, opts...)

	hub := websocket.NewHub(logger)
	if metrics != nil {
		registerGauges(metrics, hub, pool)
	}
	proj := liveview.NewProjector(svc, store.Feed(), logger,
		liveview.WithWaitEstimator(bands),
		liveview.WithPatientEstimate(perPatient),
		liveview.WithHub(hub),
	)
	return &app{svc: svc, proj: proj, hub: hub, pool: pool, metrics: metrics}, nil
}

func registerGauges(m *telemetry.Provider, hub *websocket.Hub, pool *pgxpool.Pool) {
	m.GaugeFunc("websocket_clients", "Connected websocket clients.", func() float64 {
		return float64(hub.ClientCount())
	})
	if pool == nil {
		return
	}
	m.GaugeFunc("db_pool_acquired_connections", "Database pool connections in use.", func() float64 {
		return float64(db.GetPoolStats(pool).AcquiredConns)
	})
	m.GaugeFunc("db_pool_idle_connections", "Idle database pool connections.", func() float64 {
		return float64(db.GetPoolStats(pool).IdleConns)
	})
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (queue.Store, *pgxpool.Pool, error) {
	if cfg.StoreBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory store; queue state is lost on restart")
		return queue.NewMemoryStore(), nil, nil
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	return queue.NewPGStore(pool, logger), pool, nil
}

// newServer builds the echo instance with every middleware and route.
func newServer(cfg *config.Config, a *app, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if a.metrics != nil {
		e.Use(a.metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, queue.IdempotencyKeyHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestTimeout(requestTimeout, middleware.IsWebSocketUpgrade))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))
	}

	jwtCfg := auth.JWTConfig{SigningKey: []byte(cfg.JWTSecret), Skipper: auth.AuthSkipper}
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1", authMW, middleware.RateLimit(rateLimitCfg))
	queue.NewHandler(a.svc).RegisterRoutes(apiV1)
	liveview.NewHandler(a.proj).RegisterRoutes(apiV1)
	websocket.NewWebSocketHandler(a.hub, cfg.CORSOrigins...).RegisterRoutes(apiV1)

	return e
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	store, pool, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	a, err := newApp(cfg, store, pool, logger)
	if err != nil {
		return err
	}
	e := newServer(cfg, a, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.proj.Run(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		a.hub.CloseAll()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
