package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/hotelier/go-authcore"
	"github.com/hotelier/go-authcore/middleware/csrf"
	"github.com/hotelier/go-authcore/middleware/jwtware"
)

type stdLogger struct {
	debug bool
}

func (l stdLogger) Debug(format string, args ...any) {
	if l.debug {
		log.Printf("[DBG] "+format, args...)
	}
}

func (l stdLogger) Info(format string, args ...any) {
	log.Printf("[INF] "+format, args...)
}

func (l stdLogger) Warn(format string, args ...any) {
	log.Printf("[WRN] "+format, args...)
}

func (l stdLogger) Error(format string, args ...any) {
	log.Printf("[ERR] "+format, args...)
}

func main() {
	configPath := flag.String("config", os.Getenv("AUTH_CONFIG"), "path to the YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := stdLogger{debug: *debug}

	opts, err := auth.LoadOptions(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	db, err := openDB(opts.Database)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := auth.CreateSchema(ctx, db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	repo := auth.NewRepositoryManager(db)
	repo.MustValidate()

	resolver := auth.NewManagerRoleResolver(repo.Identities())
	resolver.RoleName = opts.ImpersonationManagerRole

	auther := auth.NewAuthenticator(repo, opts).
		WithLogger(logger).
		WithMetrics(auth.NewMetrics(prometheus.DefaultRegisterer)).
		WithActivitySink(auth.MultiActivitySink{repo.AuditLogs()}).
		WithLoginLimiter(loginLimiter(ctx, opts, logger)).
		WithTargetResolver(resolver)

	app := fiber.New(fiber.Config{
		AppName:      "authd",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	})

	app.Get(opts.Server.MetricsPath, adaptor.HTTPHandler(promhttp.Handler()))

	app.Use(csrf.New(csrf.Config{
		AllowedOrigins: opts.CSRF.AllowedOrigins,
		ExemptPaths:    opts.CSRF.ExemptPaths,
		CookieDomain:   opts.Cookies.Domain,
		CookieSecure:   opts.Cookies.Secure,
		CookieSameSite: opts.Cookies.SameSite,
		Skip: func(c *fiber.Ctx) bool {
			return c.Path() == opts.Server.MetricsPath
		},
	}))
	csrf.RegisterRoutes(app)

	protect := jwtware.New(jwtware.Config{
		Decoder:  auth.NewRotatingDecoder(auther.TokenService(), opts, logger),
		Resolver: auther,
	})

	auth.RegisterAuthRoutes(app, protect,
		auth.WithControllerAuthenticator(auther),
		auth.WithControllerCookies(auth.CookieSettingsFromOptions(opts)),
		auth.WithControllerLogger(logger),
	)

	go func() {
		logger.Info("authd listening on %s", opts.Server.Addr)
		if err := app.Listen(opts.Server.Addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("shutdown: %v", err)
	}
}

func loginLimiter(ctx context.Context, opts *auth.Options, logger auth.Logger) auth.LoginLimiter {
	local := auth.NewIdentifierLimiter(opts.LoginRatePerMinute, opts.LoginBurst)
	if opts.Redis.Addr == "" {
		return local
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Redis.Addr,
		Password:     opts.Redis.Password,
		DB:           opts.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unavailable at %s, login throttling stays local: %v", opts.Redis.Addr, err)
		return local
	}
	logger.Info("login throttling shared through redis at %s", opts.Redis.Addr)

	return auth.NewRedisLimiter(client, opts.LoginBurst, time.Minute).
		WithPrefix(opts.Redis.Prefix).
		WithFallback(local).
		WithLogger(logger)
}

func openDB(opts auth.DatabaseOptions) (*bun.DB, error) {
	switch opts.Driver {
	case "postgres":
		sqldb, err := sql.Open("pgx", opts.DSN)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(10)
		sqldb.SetMaxIdleConns(10)
		sqldb.SetConnMaxLifetime(30 * time.Minute)
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, opts.DSN)
		if err != nil {
			return nil, err
		}
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	}
}
