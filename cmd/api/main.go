package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"eidos/api/internal/app"
	"eidos/api/internal/archive"
	"eidos/api/internal/auth"
	"eidos/api/internal/config"
	"eidos/api/internal/journal"
	"eidos/api/internal/notify"
	"eidos/api/internal/permcache"
	"eidos/api/internal/search"
	"eidos/api/internal/store"
)

func main() {
	root := &cli.Command{
		Name:  "eidos-api",
		Usage: "Merge request review service for collaborative ontologies",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			tokenCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServer(ctx, false)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		logrus.WithError(err).Fatal("eidos-api failed")
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "memory", Usage: "use in-process storage instead of PostgreSQL"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return runServer(ctx, c.Bool("memory"))
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending database migrations and exit",
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			db, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database connection failed: %w", err)
			}
			defer db.Close()
			applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			log.WithField("applied", applied).Info("migrations complete")
			return nil
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Required: true, Usage: "subject ID carried in the token"},
			&cli.StringFlag{Name: "name", Usage: "display name"},
			&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), c.String("subject"), c.String("name"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func setup() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return cfg, log, nil
}

func runServer(ctx context.Context, memory bool) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	deps := app.Dependencies{Logger: log}
	var dataStore app.DataStore
	var searchService *search.Service

	if memory || strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Warn("using in-memory storage; data is lost on restart")
		dataStore = store.NewMemoryStore()
		searchService = search.NewService(search.NewMemoryIndex(), nil, log)
		deps.Archive = archive.NewMemoryStore()
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			log.WithField("applied", applied).Info("migrations applied")
		}
		dataStore = store.NewPostgresStore(db)

		pgfts := search.NewPgFTS(db)
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
			defer meili.Close()
			searchService = search.NewService(meili, pgfts, log)
			go searchService.ReindexAllFromPG(context.Background(), pgfts)
		} else {
			searchService = search.NewService(nil, pgfts, log)
		}
	}
	deps.Search = searchService

	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		deps.Cache = permcache.NewRedisCacheWithClient(client, cfg.PermissionCacheTTL)
		deps.Notifier = notify.NewRedisNotifier(client)
		log.Info("using redis for permission cache and notifications")
	}

	if strings.TrimSpace(cfg.JournalDir) != "" {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		deps.Journal = journal.New(cfg.JournalDir)
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		minioStore, err := archive.NewMinioStore(archive.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("report archive: %w", err)
		}
		if err := minioStore.EnsureBucket(ctx); err != nil {
			log.WithError(err).Warn("report bucket unavailable")
		}
		deps.Archive = minioStore
	}

	service := app.New(cfg, dataStore, deps)
	defer service.Wait()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("eidos API listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
