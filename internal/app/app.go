// Package app wires configuration into the stores, services and handlers
// shared by the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"tradefinance-backend/internal/admin"
	"tradefinance-backend/internal/auth"
	"tradefinance-backend/internal/automation"
	"tradefinance-backend/internal/cache"
	"tradefinance-backend/internal/calculator"
	"tradefinance-backend/internal/config"
	"tradefinance-backend/internal/crm"
	"tradefinance-backend/internal/db"
	"tradefinance-backend/internal/leads"
	"tradefinance-backend/internal/middleware"
	"tradefinance-backend/internal/notifications"
	"tradefinance-backend/internal/queue"
	"tradefinance-backend/internal/supervisor"
	"tradefinance-backend/internal/transport"
	"tradefinance-backend/internal/users"
	"tradefinance-backend/internal/validation"
	"tradefinance-backend/internal/webhooks"
)

const (
	QueueNotifications = "notifications"
	QueueFollowUps     = "follow-ups"
	QueueCRM           = "crm"
)

// NewLogger returns the JSON logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type App struct {
	Cfg *config.Config
	Log *slog.Logger

	mongo *mongo.Client
	cols  *db.Collections
	redis *redis.Client
	cache cache.Cache

	JWT       *auth.Manager
	Leads     *leads.Service
	Admin     *admin.Service
	Users     *users.Service
	Sequencer *automation.Sequencer
}

// New connects to Mongo and, when configured, Redis, then builds the
// services. Automation needs Redis; without it leads are stored but no
// jobs are scheduled.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log, cache: cache.NewNoop()}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, cols, err := db.Connect(connectCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	a.mongo, a.cols = client, cols
	log.Info("mongo connected", slog.String("db", cfg.MongoDB))

	if err := db.EnsureIndexes(connectCtx, cols); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}

	if cfg.RedisURL != "" || cfg.RedisAddr != "" {
		rdb, err := cache.NewRedisClient(cfg.RedisURL, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis config: %w", err)
		}
		redisCache := cache.NewRedis(rdb)
		if err := redisCache.Ping(connectCtx); err != nil {
			_ = rdb.Close()
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.redis, a.cache = rdb, redisCache
		log.Info("redis connected")
	} else {
		log.Warn("redis not configured: cache and automation disabled")
	}

	if cfg.JWTSecret != "" {
		a.JWT = &auth.Manager{
			Secret:     []byte(cfg.JWTSecret),
			AccessTTL:  time.Duration(cfg.AccessTTLMinutes) * time.Minute,
			RefreshTTL: time.Duration(cfg.RefreshTTLMinutes) * time.Minute,
			Issuer:     "tradefinance-backend",
		}
	}

	leadRepo := leads.NewRepository(cols.Leads)
	if a.redis != nil {
		a.Sequencer = automation.NewSequencer(leadRepo, a.queues(), a.providers(), automation.Settings{
			Enabled:    cfg.AutomationEnabled,
			SiteURL:    cfg.SiteURL,
			TeamEmail:  cfg.TeamNotificationEmail,
			TeamNumber: cfg.TwilioTeamNumber,
			Location:   cfg.Timezone,
		}, log)
	}

	var leadAutomation leads.AutomationRunner
	var enroller admin.Enroller
	if a.Sequencer != nil {
		leadAutomation = a.Sequencer
		enroller = a.Sequencer
	}
	a.Leads = leads.NewService(leadRepo, cfg.Timezone, leadAutomation, a.cache)
	a.Admin = admin.NewService(admin.NewStore(cols.Leads), a.Leads, enroller, a.cache, cfg.CacheTTL(), cfg.Timezone)
	a.Users = users.NewService(users.NewRepository(cols.AdminUsers), a.JWT, cfg.AdminUser, cfg.AdminPassword)
	return a, nil
}

func (a *App) queues() automation.Queues {
	return automation.Queues{
		Notifications: queue.New(a.redis, a.Cfg.QueuePrefix, QueueNotifications),
		FollowUps:     queue.New(a.redis, a.Cfg.QueuePrefix, QueueFollowUps),
		CRM:           queue.New(a.redis, a.Cfg.QueuePrefix, QueueCRM),
	}
}

// providers leaves a channel nil when its client is not configured.
func (a *App) providers() automation.Providers {
	cfg := a.Cfg
	var p automation.Providers
	if mailer := notifications.NewSendGridClient(cfg.SendGridAPIKey, cfg.SendGridFromEmail, cfg.SendGridFromName, cfg.SendGridSandbox); mailer != nil {
		p.Email = mailer
		a.Log.Info("sendgrid enabled", slog.String("sender", cfg.SendGridFromEmail), slog.Bool("sandbox", cfg.SendGridSandbox))
	} else {
		a.Log.Info("sendgrid disabled")
	}
	if twilio := notifications.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber, cfg.TwilioWebhookBaseURL); twilio != nil {
		p.Messenger = twilio
		a.Log.Info("twilio enabled", slog.String("from", cfg.TwilioFromNumber))
	} else {
		a.Log.Info("twilio disabled")
	}
	if ghl := crm.NewGHLClient(cfg.GHLAPIKey, cfg.GHLLocationID, cfg.GHLPipelineID, cfg.GHLPipelineStageID); ghl != nil {
		p.CRM = ghl
		a.Log.Info("gohighlevel enabled", slog.Bool("pipeline", ghl.PipelineConfigured()))
	} else {
		a.Log.Info("gohighlevel disabled")
	}
	return p
}

// Router builds the HTTP API.
func (a *App) Router() (http.Handler, error) {
	cfg, log := a.Cfg, a.Log
	val := validation.New()
	window := time.Duration(cfg.RateLimitWindowSec) * time.Second

	sendGridKey, err := webhooks.ParseSendGridPublicKey(cfg.SendGridWebhookPublicKey)
	if err != nil {
		return nil, fmt.Errorf("sendgrid webhook key: %w", err)
	}
	var unenroller webhooks.Unenroller
	if a.Sequencer != nil {
		unenroller = a.Sequencer
	}
	webhookHandler := webhooks.NewHandler(webhooks.Config{
		GHLSecret:         cfg.GHLWebhookSecret,
		TwilioAuthToken:   cfg.TwilioAuthToken,
		TwilioBaseURL:     cfg.TwilioWebhookBaseURL,
		SendGridPublicKey: sendGridKey,
	}, leads.NewRepository(a.cols.Leads), a.Leads, unenroller, log)

	leadHandler := leads.NewHandler(a.Leads, val, log)
	adminHandler := admin.NewHandler(a.Admin, val, log)
	userHandler := users.NewHandler(a.Users, val, log, cfg.CookieSecure)
	calcHandler := calculator.NewHandler(val, log)
	adminAuth := middleware.AdminAuth(cfg.AdminAPIKey, a.JWT)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS(cfg.Origins()))
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Route("/leads", func(lr chi.Router) {
			lr.With(middleware.RateLimit("leads-submit", cfg.RateLimitSubmit, window)).Post("/submit", leadHandler.Submit)
			lr.Group(func(protected chi.Router) {
				protected.Use(adminAuth)
				leadHandler.Routes(protected)
			})
		})

		api.Route("/admin", func(ar chi.Router) {
			ar.Group(func(session chi.Router) {
				session.Use(middleware.RateLimit("admin-session", cfg.RateLimitLogin, window))
				userHandler.SessionRoutes(session)
			})
			ar.Group(func(protected chi.Router) {
				protected.Use(adminAuth)
				adminHandler.Routes(protected)
				userHandler.UserRoutes(protected)
			})
		})

		if a.Sequencer != nil {
			automationHandler := automation.NewHandler(a.Sequencer, val, log)
			api.With(adminAuth).Route("/automations", automationHandler.Routes)
		} else {
			api.With(adminAuth).HandleFunc("/automations/*", func(w http.ResponseWriter, r *http.Request) {
				transport.WriteError(w, http.StatusServiceUnavailable, "automation not available", nil)
			})
		}

		api.With(middleware.RateLimit("webhooks", cfg.RateLimitWebhooks, window)).Route("/webhooks", webhookHandler.Routes)
		api.With(middleware.RateLimit("calculators", cfg.RateLimitCalculate, window)).Route("/calculators", calcHandler.Routes)
	})

	return r, nil
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok", "mongo": "ok"}
	code := http.StatusOK
	if err := a.mongo.Ping(ctx, nil); err != nil {
		status["status"], status["mongo"] = "degraded", "down"
		code = http.StatusServiceUnavailable
	}
	if a.redis != nil {
		status["redis"] = "ok"
		if err := a.redis.Ping(ctx).Err(); err != nil {
			status["status"], status["redis"] = "degraded", "down"
			code = http.StatusServiceUnavailable
		}
	}
	transport.WriteJSON(w, code, status)
}

// AddWorkers registers the queue workers and cron on the tree. It is a
// no-op without Redis.
func (a *App) AddWorkers(tree *supervisor.Tree) {
	if a.Sequencer == nil {
		a.Log.Warn("workers not started: automation unavailable")
		return
	}
	opts := queue.WorkerOptions{
		Concurrency:  a.Cfg.QueueConcurrency,
		PollInterval: a.Cfg.QueuePollInterval(),
	}
	for _, w := range a.Sequencer.Workers(opts, a.Log) {
		tree.AddWorker(w)
	}
	if a.Cfg.CronEnabled {
		tree.AddWorker(automation.NewCron(a.Sequencer, a.Admin, a.Log))
	}
	a.Log.Info("workers registered", slog.Int("concurrency", opts.Concurrency), slog.Bool("cron", a.Cfg.CronEnabled))
}

func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.mongo != nil {
		_ = a.mongo.Disconnect(ctx)
	}
}
