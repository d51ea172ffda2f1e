package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/pubsub"
)

const (
	ModeAll       = "all"
	ModeWorker    = "worker"
	ModeScheduler = "scheduler"
	ModeServer    = "server"
	ModeSeed      = "seed"
	ModeMigrate   = "migrate"
)

// App holds the connections every mode shares.
type App struct {
	config Config
	db     *sql.DB
	store  *SQLStore
	redis  redis.UniversalClient
	queue  JobQueue
}

func NewApp(ctx context.Context, config Config) (*App, error) {
	db, dialect, err := OpenDatabase(ctx, config.Database.Driver, config.Database.DSN)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}

	app := &App{
		config: config,
		db:     db,
		store:  NewSQLStore(db, dialect),
	}

	switch strings.ToLower(config.Queue.Driver) {
	case "redis":
		app.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{config.Redis.Address},
			Username: config.Redis.Username,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		queue, err := NewRedisQueue(RedisQueueOptions{
			Client:      app.redis,
			Name:        config.Queue.Name,
			MaxFailures: config.Queue.MaxFailures,
		})
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		if err := queue.Ping(ctx); err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("pinging redis: %w", err)
		}
		app.queue = queue
	default:
		app.queue = NewMemoryQueue(config.Queue.MaxFailures)
	}

	return app, nil
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

func (a *App) rateLimiter() RateLimiter {
	if a.redis != nil {
		return NewRedisRateLimiter(a.redis, a.config.Queue.Name, a.config.Worker.RateLimit, a.config.Worker.RateLimitWindow)
	}
	return NewSlidingWindowLimiter(a.config.Worker.RateLimit, a.config.Worker.RateLimitWindow)
}

// alerters builds the channels that have credentials configured. Webhooks need none.
func (a *App) alerters() map[NotificationChannel]Alerter {
	alerting := a.config.Alerting
	alerters := map[NotificationChannel]Alerter{
		NotificationChannelWebhook: NewWebhookAlerter(&http.Client{Timeout: alerting.SendTimeout}, alerting.Webhook.HmacSecret, alerting.Webhook.Headers),
	}

	if alerting.Email.Host != "" {
		emailAlerter, err := NewEmailAlerter(EmailAlerterOptions{
			Host:     alerting.Email.Host,
			Port:     alerting.Email.Port,
			Username: alerting.Email.Username,
			Password: alerting.Email.Password,
			From:     alerting.Email.From,
			Timeout:  alerting.SendTimeout,
		})
		if err != nil {
			slog.Warn("email notifications disabled", slog.String("error", err.Error()))
		} else {
			alerters[NotificationChannelEmail] = emailAlerter
		}
	}

	if alerting.Telegram.Token != "" {
		telegramAlerter, err := NewTelegramAlerter(TelegramAlerterOptions{
			Token:       alerting.Telegram.Token,
			APIEndpoint: alerting.Telegram.APIEndpoint,
			HTTPClient:  &http.Client{Timeout: alerting.SendTimeout},
		})
		if err != nil {
			slog.Warn("telegram notifications disabled", slog.String("error", err.Error()))
		} else {
			alerters[NotificationChannelTelegram] = telegramAlerter
		}
	}

	return alerters
}

func (a *App) newScheduler() *Scheduler {
	return NewScheduler(a.store, a.queue, a.config.Scheduler.Tick)
}

func (a *App) newWorker(broadcaster Broadcaster) *ProcessorWorker {
	checker := NewChecker(CheckerOptions{
		UserAgent:      a.config.Worker.UserAgent,
		DefaultTimeout: a.config.Worker.DefaultTimeout,
	})
	dispatcher := NewNotificationDispatcher(a.store, a.alerters(), a.config.Alerting.SendTimeout)

	return NewProcessorWorker(a.queue, a.store, checker, dispatcher, broadcaster, a.rateLimiter(), ProcessorWorkerOptions{
		Concurrency:      a.config.Worker.Concurrency,
		PollInterval:     a.config.Worker.PollInterval,
		StallTimeout:     a.config.Worker.StallTimeout,
		OperationTimeout: a.config.Worker.OperationTimeout,
	})
}

// Seed loads the monitor file and applies it.
func (a *App) Seed(ctx context.Context, monitorPath string) error {
	monitorConfig, err := LoadMonitorConfig(monitorPath)
	if err != nil {
		return err
	}

	result, err := Seed(ctx, a.store, a.newScheduler(), monitorConfig)
	slog.InfoContext(ctx, "seeded monitors",
		slog.Int("users", result.Users),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("unchanged", result.Unchanged),
		slog.Int("deactivated", result.Deactivated))
	return err
}

// Run starts the components of mode and blocks until ctx is done, then stops them in
// dependency order: scheduler, workers, publisher, server.
func (a *App) Run(ctx context.Context, mode string) error {
	if _, ok := a.queue.(*MemoryQueue); ok && (mode == ModeWorker || mode == ModeScheduler) {
		return fmt.Errorf("the memory queue cannot be shared across processes, use the redis queue for %s mode", mode)
	}

	runScheduler := mode == ModeAll || mode == ModeScheduler
	runWorker := mode == ModeAll || mode == ModeWorker
	runServer := mode == ModeAll || mode == ModeServer

	var topic *pubsub.Topic
	var publisher *BroadcastPublisher
	var subscription *pubsub.Subscription
	var hub *RealtimeHub
	var server *Server

	// Everything that can fail is built before any component starts, so an error here
	// only has connections to release.
	abort := func(err error) error {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
		defer closeCancel()

		var closeErrs []error
		if publisher != nil {
			closeErrs = append(closeErrs, publisher.Close(closeCtx))
		} else if topic != nil {
			closeErrs = append(closeErrs, topic.Shutdown(closeCtx))
		}
		if subscription != nil {
			closeErrs = append(closeErrs, subscription.Shutdown(closeCtx))
		}
		return errors.Join(append([]error{err}, closeErrs...)...)
	}

	// The server opens the topic too so an in-process mem:// subscription has a topic to attach to.
	if runWorker || runServer {
		var err error
		topic, err = pubsub.OpenTopic(ctx, a.config.Broadcast.TopicURL)
		if err != nil {
			return fmt.Errorf("opening broadcast topic: %w", err)
		}
	}

	if runWorker {
		var err error
		publisher, err = NewBroadcastPublisher(topic, BroadcastOptions{
			Buffer:      a.config.Broadcast.Buffer,
			Senders:     a.config.Broadcast.Senders,
			SendTimeout: a.config.Broadcast.SendTimeout,
		})
		if err != nil {
			return abort(err)
		}
	}

	if runServer {
		var err error
		subscription, err = pubsub.OpenSubscription(ctx, a.config.Broadcast.SubscriptionURL)
		if err != nil {
			return abort(fmt.Errorf("opening broadcast subscription: %w", err))
		}
		hub = NewRealtimeHub(subscription, a.config.Server.AllowedOrigins)
		server, err = NewServer(ServerOptions{
			Store:          a.store,
			Queue:          a.queue,
			Hub:            hub,
			Host:           a.config.Server.Host,
			Port:           a.config.Server.Port,
			AllowedOrigins: a.config.Server.AllowedOrigins,
		})
		if err != nil {
			return abort(err)
		}
	}

	errs := make(chan error, 4)

	var scheduler *Scheduler
	if runScheduler {
		scheduler = a.newScheduler()
		go func() {
			if err := scheduler.Start(); err != nil {
				errs <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	}

	var worker *ProcessorWorker
	if runWorker {
		worker = a.newWorker(publisher)
		go func() {
			if err := worker.Start(); err != nil {
				errs <- fmt.Errorf("worker: %w", err)
			}
		}()
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	if runServer {
		go func() {
			if err := hub.Run(hubCtx); err != nil {
				errs <- fmt.Errorf("realtime hub: %w", err)
			}
		}()
		go func() {
			slog.Info("starting server", slog.String("address", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("server: %w", err)
			}
		}()
	}

	slog.InfoContext(ctx, "uptimeguard is running", slog.String("mode", mode))

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case runErr = <-errs:
		slog.Error("component failed, shutting down", slog.String("error", runErr.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErrs []error
	if scheduler != nil {
		shutdownErrs = append(shutdownErrs, scheduler.Stop())
	}
	if worker != nil {
		shutdownErrs = append(shutdownErrs, worker.Stop(shutdownCtx))
	}
	if publisher != nil {
		slog.Debug("closing broadcast publisher", slog.Int64("dropped", publisher.Dropped()))
		shutdownErrs = append(shutdownErrs, publisher.Close(shutdownCtx))
	} else if topic != nil {
		shutdownErrs = append(shutdownErrs, topic.Shutdown(shutdownCtx))
	}
	if server != nil {
		shutdownErrs = append(shutdownErrs, server.Shutdown(shutdownCtx))
		hub.Close()
		hubCancel()
		shutdownErrs = append(shutdownErrs, subscription.Shutdown(shutdownCtx))
	}

	return errors.Join(append(shutdownErrs, runErr)...)
}
