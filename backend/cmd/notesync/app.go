package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"notesync/backend/config"
	"notesync/backend/internal/authservice"
	"notesync/backend/internal/cache"
	"notesync/backend/internal/events"
	"notesync/backend/internal/httpapi"
	"notesync/backend/internal/logging"
	"notesync/backend/internal/noteservice"
	"notesync/backend/internal/store"
	"notesync/backend/internal/user"
	"notesync/backend/internal/ws"
)

// app is the assembled server. close releases everything newApp opened,
// in reverse order.
type app struct {
	handler http.Handler
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires storage, cache, relay and HTTP. Background loops started
// here stop when ctx ends. Any connection failure is returned so startup
// can abort.
func newApp(ctx context.Context, cfg *config.Config, log logging.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.RedisEnabled() {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
	}

	var (
		notes store.NoteStore
		users user.Repository
	)
	if cfg.Database.Driver == "memory" {
		notes = store.NewMemoryNoteStore()
		users = user.NewMemoryRepository()
	} else {
		db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fail(err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fail(fmt.Errorf("database handle: %w", err))
		}
		a.closers = append(a.closers, func() { _ = sqlDB.Close() })
		if err := sqlDB.PingContext(ctx); err != nil {
			return fail(fmt.Errorf("connect %s: %w", cfg.Database.Driver, err))
		}
		if err := store.Migrate(ctx, db, cfg.Database.Driver); err != nil {
			return fail(err)
		}
		notes = store.NewGormNoteStore(db)
		users = user.NewGormRepository(db)
	}
	if rdb != nil && cfg.Cache.Enabled {
		notes = cache.NewCachedNoteStore(notes, rdb, cfg.Cache.TTL, log)
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled {
		producer, err := events.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fail(fmt.Errorf("connect kafka: %w", err))
		}
		a.closers = append(a.closers, func() { _ = producer.Close() })
		d := events.NewKafkaDispatcher(producer, cfg.Kafka.Topic, events.NewSemaphore(cfg.Kafka.Workers), log, events.DispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
		})
		// drains before the producer closes
		a.closers = append(a.closers, d.Close)
		publisher = d
	}

	var sessions authservice.SessionStore = authservice.NewMemorySessionStore()
	var presence cache.Presence = cache.NewLocalPresence()
	if rdb != nil {
		sessions = authservice.NewRedisSessionStore(rdb)
		presence = cache.NewRedisPresence(rdb)
	}

	hub := ws.NewHub(presence, cfg.Relay.PresenceTTL, log)
	if cfg.Relay.Fanout == "redis" {
		f := ws.NewRedisFanout(rdb, cfg.Relay.Channel, uuid.NewString(), log)
		hub.SetFanout(f)
		go func() {
			if err := f.Run(ctx, hub.DeliverLocal); err != nil {
				log.Error(ctx, "relay fan-out stopped", "err", err)
			}
		}()
	}

	auth := authservice.NewService(users, sessions, cfg.Auth.Secret, cfg.Auth.TokenTTL, authservice.WithLogger(log))
	relay := ws.NewManager(hub, cfg.Relay.AllowedOrigins)

	a.handler = httpapi.NewRouter(httpapi.Deps{
		Notes: noteservice.New(notes, publisher, log),
		Auth:  auth,
		Relay: relay.WebSocketConnect,
		Log:   log,
	}, httpapi.Options{
		CookieName:      cfg.Auth.CookieName,
		SecureCookie:    cfg.Auth.SecureCookie,
		AllowedOrigins:  cfg.Relay.AllowedOrigins,
		DefaultPageSize: cfg.Notes.DefaultPageSize,
		MaxPageSize:     cfg.Notes.MaxPageSize,
	})
	return a, nil
}

// watchLogLevel applies log.level changes from the config file without a
// restart.
func watchLogLevel(v *viper.Viper, lv *slog.LevelVar, log logging.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next := logging.ParseLevel(v.GetString("log.level"))
		if next != lv.Level() {
			lv.Set(next)
			log.Info(context.Background(), "log level changed", "level", next.String(), "file", e.Name)
		}
	})
	v.WatchConfig()
}

func ginMode(mode string) string {
	switch mode {
	case gin.DebugMode, gin.TestMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}
