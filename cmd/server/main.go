package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	figure "github.com/common-nighthawk/go-figure"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pesio-ai/be-edu-identity/internal/cache"
	"github.com/pesio-ai/be-edu-identity/internal/config"
	"github.com/pesio-ai/be-edu-identity/internal/handler"
	"github.com/pesio-ai/be-edu-identity/internal/metrics"
	"github.com/pesio-ai/be-edu-identity/internal/migrate"
	"github.com/pesio-ai/be-edu-identity/internal/permission"
	"github.com/pesio-ai/be-edu-identity/internal/repository"
	"github.com/pesio-ai/be-edu-identity/internal/repository/memory"
	"github.com/pesio-ai/be-edu-identity/internal/service"
	jwtpkg "github.com/pesio-ai/be-edu-identity/pkg/jwt"
	"github.com/pesio-ai/be-edu-identity/pkg/logger"
	"github.com/pesio-ai/be-edu-identity/pkg/password"
)

// stores is the set of persistence ports the services need
type stores struct {
	users      service.UserStore
	sessions   service.SessionStore
	lockouts   service.LockoutStore
	challenges service.ChallengeStore
	history    service.PasswordHistoryStore
	roles      service.RoleStore
	audit      service.AuditStore
	ping       func(context.Context) error
	close      func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Pretty {
		figure.NewFigure("edu identity", "", true).Print()
		fmt.Println()
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		ServiceName: "edu-identity",
		Pretty:      cfg.Log.Pretty,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	opts := []service.Option{service.WithMetrics(m)}

	privateKeyPEM, publicKeyPEM := cfg.JWT.PrivateKey, cfg.JWT.PublicKey
	if privateKeyPEM == "" {
		log.Warn().Msg("Generating JWT key pair (development mode)")
		privateKeyPEM, publicKeyPEM, err = jwtpkg.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("failed to generate JWT key pair: %w", err)
		}
	}
	jwtManager, err := jwtpkg.NewManager(privateKeyPEM, publicKeyPEM, cfg.JWT.AccessTTL, jwtpkg.WithIssuer(cfg.JWT.Issuer))
	if err != nil {
		return fmt.Errorf("failed to create JWT manager: %w", err)
	}

	policy := password.NewPolicy(cfg.Password.MinLength,
		cfg.Password.RequireUppercase, cfg.Password.RequireLowercase,
		cfg.Password.RequireDigit, cfg.Password.RequireSpecial)
	policy.AddBlacklisted(cfg.Password.Blacklist...)
	if err := policy.Check(); err != nil {
		return fmt.Errorf("invalid password policy: %w", err)
	}

	var permCache service.PermissionCache
	ready := st.ping
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unavailable, permissions resolve from the store until it answers")
		}
		redisCache := cache.NewPermissionCache(rdb, cfg.Redis.Prefix, cfg.Redis.TTL)
		permCache = redisCache
		ready = func(ctx context.Context) error {
			if err := st.ping(ctx); err != nil {
				return err
			}
			if err := redisCache.Ping(ctx); err != nil {
				return fmt.Errorf("permission cache: %w", err)
			}
			return nil
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Permission cache enabled")
	}

	catalog := permission.Default()

	passwords := service.NewPasswordPolicyService(policy, password.NewHasher(password.DefaultParams()),
		st.users, st.history, service.PolicyConfig{
			HistorySize:      cfg.Password.HistorySize,
			ExpirationWindow: cfg.Password.ExpirationWindow,
		}, log.With("passwords"), opts...)
	lockout := service.NewLockoutTracker(st.lockouts, service.LockoutConfig{Duration: cfg.Lockout.Duration},
		log.With("lockout"), opts...)
	anomalies := service.NewAnomalyReporter(st.audit, log.With("anomalies"), opts...)
	sessions := service.NewSessionManager(st.sessions, st.users, st.roles, jwtManager, anomalies, service.SessionConfig{
		RefreshTTL:       cfg.Session.RefreshTTL,
		RevokeAllOnReuse: cfg.Session.RevokeAllOnReuse,
		Retention:        cfg.Session.Retention,
	}, log.With("sessions"), opts...)
	twoFactor := service.NewTwoFactorManager(st.challenges, st.users, service.NewLogNotifier(log.With("notifier")),
		service.TwoFactorConfig{
			CodeLength:  cfg.TwoFactor.CodeLength,
			TTL:         cfg.TwoFactor.TTL,
			MaxAttempts: cfg.TwoFactor.MaxAttempts,
			Issuer:      cfg.TwoFactor.Issuer,
		}, log.With("two_factor"), opts...)
	perms := service.NewPermissionResolver(st.roles, permCache, log.With("permissions"), opts...)

	authService := service.NewAuthService(st.users, passwords, lockout, sessions, twoFactor, perms, st.audit,
		service.AuthConfig{MaxFailedAttempts: cfg.Lockout.MaxFailedAttempts}, log.With("auth"), opts...)
	userService := service.NewUserService(st.users, passwords, sessions, twoFactor, st.audit, log.With("users"), opts...)
	roleService := service.NewRoleService(st.roles, catalog, perms, log.With("roles"), opts...)

	if err := roleService.ValidateCatalog(ctx); err != nil {
		return fmt.Errorf("stored grants reference unknown permissions: %w", err)
	}

	httpHandler := handler.NewHTTPHandler(authService, userService, roleService, log.With("http"),
		handler.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		handler.WithTrustProxy(cfg.Server.TrustProxy),
		handler.WithMetrics(m.Handler()),
		handler.WithReadiness(ready),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := handler.NewGRPCServer(ready, 10*time.Second, log.With("grpc"))
	grpcListener, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener on port %s: %w", cfg.Server.GRPCPort, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("port", cfg.Server.HTTPPort).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Server().Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go grpcServer.Watch(watchCtx)
	go sessions.RunCleanup(watchCtx, cfg.Session.CleanupInterval)

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully...")
	case err := <-errCh:
		log.Error().Err(err).Msg("Server error, shutting down")
	}

	stopWatch()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown failed")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.Server().GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Server().Stop()
	}
	return nil
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (*stores, error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		st := memory.New()
		return &stores{
			users:      st.Users(),
			sessions:   st.Sessions(),
			lockouts:   st.Lockouts(),
			challenges: st.Challenges(),
			history:    st.History(),
			roles:      st.Roles(),
			audit:      st.Audit(),
			ping:       func(context.Context) error { return nil },
			close:      func() {},
		}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}

	log.Info().Str("host", poolCfg.ConnConfig.Host).Str("database", poolCfg.ConnConfig.Database).Msg("Connecting to database")
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		db := stdlib.OpenDBFromPool(pool)
		applied, err := migrate.NewManager(db, migrate.Embedded()).Up(ctx)
		db.Close()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		for _, name := range applied {
			log.Info().Str("migration", name).Msg("Migration applied")
		}
	}

	return &stores{
		users:      repository.NewUserRepository(pool, log.With("users_repo")),
		sessions:   repository.NewSessionRepository(pool, log.With("sessions_repo")),
		lockouts:   repository.NewLockoutRepository(pool, log.With("lockouts_repo")),
		challenges: repository.NewChallengeRepository(pool, log.With("challenges_repo")),
		history:    repository.NewPasswordHistoryRepository(pool, log.With("history_repo")),
		roles:      repository.NewRoleRepository(pool, log.With("roles_repo")),
		audit:      repository.NewAuditRepository(pool, log.With("audit_repo")),
		ping:       pool.Ping,
		close:      pool.Close,
	}, nil
}
