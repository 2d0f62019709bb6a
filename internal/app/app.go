// Package app assembles the backup service from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/backupsync/internal/api"
	"github.com/isdelr/backupsync/internal/auth"
	"github.com/isdelr/backupsync/internal/backup"
	"github.com/isdelr/backupsync/internal/config"
	"github.com/isdelr/backupsync/internal/database"
	"github.com/isdelr/backupsync/internal/destination"
	"github.com/isdelr/backupsync/internal/export"
	"github.com/isdelr/backupsync/internal/jobqueue"
	"github.com/isdelr/backupsync/internal/metrics"
	"github.com/isdelr/backupsync/internal/notify"
	"github.com/isdelr/backupsync/internal/remote"
	"github.com/isdelr/backupsync/internal/retention"
	"github.com/isdelr/backupsync/internal/services"
	"github.com/isdelr/backupsync/internal/staging"
	"github.com/isdelr/backupsync/internal/websocket"
	"github.com/rs/zerolog/log"
)

// App holds the wired components.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dir     destination.Directory
	Store   remote.Store
	Hub     *websocket.Hub
	Events  *services.EventService
	Backups *services.BackupService
	Staging *staging.Manager
	Pruner  *retention.Pruner
	Job     *backup.Job
	Queue   *jobqueue.Queue
	Auth    *auth.Authenticator
	Metrics metrics.Metrics

	redis   *jobqueue.RedisLocker
	started bool
}

// New builds every component but starts nothing. m may be nil.
func New(ctx context.Context, cfg *config.Config, m metrics.Metrics) (*App, error) {
	if m == nil {
		m = metrics.Noop{}
	}
	a := &App{Config: cfg, Metrics: m, Staging: staging.NewManager(), Auth: auth.NewAuthenticator(cfg.JWTSecret)}

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Ensure the base directory for backups exists
	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	dir, err := destination.Open(cfg.DestinationMode, cfg.BackupDir)
	if err != nil {
		return nil, err
	}
	a.Dir = dir

	if a.Store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	if a.DB, err = database.New(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := database.Migrate(a.DB); err != nil {
		return nil, fmt.Errorf("apply database migrations: %w", err)
	}

	a.Hub = websocket.NewHub()
	a.Events = services.NewEventService(a.DB)
	a.Backups = services.NewBackupService(a.DB, a.Store)
	a.Pruner = &retention.Pruner{Dir: a.Dir, Store: a.Store, KeepLocal: cfg.KeepLocal, KeepRemote: cfg.KeepRemote}

	exporter := export.NewArchiveExporter(cfg.SourceDataPath)
	exporter.Iterations = cfg.KDFIterations
	exporter.Exclude = []string{cfg.BackupDir}
	if cfg.RemoteKind == config.RemoteLocal {
		exporter.Exclude = append(exporter.Exclude, cfg.RemoteLocalPath)
	}

	sink := notify.Multi{
		notify.LogSink{},
		notify.EventSink{Events: a.Events, JobName: jobqueue.DefaultName, PersistentAfter: cfg.MaxAttempts},
		notify.HubSink{Hub: a.Hub, Topic: jobqueue.DefaultName},
	}

	a.Job, err = backup.New(backup.Config{
		Dir:        a.Dir,
		Staging:    a.Staging,
		Exporter:   exporter,
		Store:      a.Store,
		Sink:       sink,
		Pruner:     a.Pruner,
		Passphrase: cfg.BackupPassphrase,
		Metrics:    m,
	})
	if err != nil {
		return nil, err
	}

	var locker jobqueue.Locker = jobqueue.NewLocalLocker()
	if cfg.RedisURL != "" {
		if a.redis, err = jobqueue.NewRedisLocker(cfg.RedisURL); err != nil {
			return nil, err
		}
		locker = a.redis
	}
	var constraints []jobqueue.Constraint
	if cfg.MinFreeBytes > 0 {
		constraints = append(constraints, jobqueue.NewFreeSpace(cfg.BackupDir, cfg.MinFreeBytes))
	}
	a.Queue = jobqueue.New(a.Job, jobqueue.Options{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Locker:      locker,
		Constraints: constraints,
		Recorder:    a.Backups,
	})

	ok = true
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (remote.Store, error) {
	switch cfg.RemoteKind {
	case config.RemoteS3:
		return remote.NewS3Store(ctx, remote.S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case config.RemoteLocal:
		return remote.NewLocalStore(cfg.RemoteLocalPath)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.RemoteKind)
	}
}

// Start runs the websocket hub and the queue worker.
func (a *App) Start(ctx context.Context) {
	if a.started {
		return
	}
	a.started = true
	if a.redis != nil {
		if err := a.redis.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Redis lock backend is unreachable; backups will fail until it recovers")
		}
	}
	go a.Hub.Run()
	a.Queue.Start(ctx)
}

// Router returns the HTTP API.
func (a *App) Router(metricsHandler http.Handler) *chi.Mux {
	return api.NewRouter(api.RouterDeps{
		Hub:     a.Hub,
		Topic:   jobqueue.DefaultName,
		Queue:   a.Queue,
		Backups: a.Backups,
		Events:  a.Events,
		Auth:    a.Auth,
		Metrics: metricsHandler,
	})
}

// Close stops the worker and releases resources. It is safe on a partly built App.
func (a *App) Close() {
	if a.Queue != nil {
		a.Queue.Stop()
	}
	if a.started && a.Hub != nil {
		a.Hub.Stop()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Dir != nil {
		a.Dir.Close()
	}
}
