package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/brightears/bmasia-crm-sub004/config"
	"github.com/brightears/bmasia-crm-sub004/engine"
	"github.com/brightears/bmasia-crm-sub004/middleware"
	"github.com/brightears/bmasia-crm-sub004/routes"
	"github.com/brightears/bmasia-crm-sub004/utils"
	"github.com/brightears/bmasia-crm-sub004/worker"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			log.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Wire the engine
	store := engine.NewGormStore(config.DB)
	directory := utils.NewGormContactDirectory(config.DB)
	renderer := utils.NewDBTemplateRenderer(config.DB)
	transport := utils.NewSMTPTransport(utils.SMTPConfig{
		Host:      config.AppConfig.SMTPHost,
		Port:      config.AppConfig.SMTPPort,
		Username:  config.AppConfig.SMTPUsername,
		Password:  config.AppConfig.SMTPPassword,
		FromEmail: config.AppConfig.FromEmail,
		FromName:  config.AppConfig.FromName,
	})

	enroller := engine.NewEnroller(store, directory, log.WithField("component", "enroller"))
	dispatcher := engine.NewDispatcher(store, renderer, transport, directory,
		log.WithField("component", "dispatcher"),
		engine.DispatcherConfig{
			MaxAttempts: config.AppConfig.DispatchMaxAttempts,
			Backoff:     config.AppConfig.DispatchBackoff,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background workers
	schedulerWorker := worker.NewSchedulerWorker(store, dispatcher,
		log.WithField("component", "scheduler"),
		config.AppConfig.SchedulerInterval,
		config.AppConfig.SchedulerBatchSize)
	go schedulerWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(store, enroller, directory,
		log.WithField("component", "replies"),
		worker.IMAPConfig{
			Host:     config.AppConfig.IMAPHost,
			Port:     config.AppConfig.IMAPPort,
			Username: config.AppConfig.IMAPUsername,
			Password: config.AppConfig.IMAPPassword,
		},
		config.AppConfig.ReplyInterval)
	go replyWorker.Start(ctx)

	// HTTP surface
	app := fiber.New()
	app.Use(requestRecovery(log))
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, store, enroller, log)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	log.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// requestRecovery reports handler panics to sentry and answers 500 instead
// of dropping the connection.
func requestRecovery(log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("panic in %s %s: %v", c.Method(), c.Path(), r)
				sentry.CurrentHub().Recover(r)
				err = c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "Internal server error",
				})
			}
		}()
		return c.Next()
	}
}
