package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	coreconfig "github.com/warelay/warelay/core/config"
	coreDB "github.com/warelay/warelay/core/database"
	"github.com/warelay/warelay/infrastructure/valkey"
	"github.com/warelay/warelay/infrastructure/webhook"
	"github.com/warelay/warelay/pkg/batcher"
	"github.com/warelay/warelay/pkg/kvpool"
	"github.com/warelay/warelay/repository"
	"github.com/warelay/warelay/ui/rest"
	"github.com/warelay/warelay/ui/rest/middleware"
	"github.com/warelay/warelay/usecase"
)

var restCmd = &cobra.Command{
	Use:   "rest",
	Short: "Serve the relay API over http",
	Run:   restServer,
}

func init() {
	restCmd.Flags().String("basic-auth", "", "Basic auth for API (format: user:pass,user2:pass2)")
	rootCmd.AddCommand(restCmd)
}

func restServer(cmd *cobra.Command, _ []string) {
	cfg := coreconfig.Global

	if baFlag, _ := cmd.Flags().GetString("basic-auth"); baFlag != "" {
		cfg.App.BasicAuth = strings.Split(baFlag, ",")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence for dead letters
	db, err := coreDB.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("failed to open database: %v", err)
	}
	deadLetterRepo := repository.NewDeadLetterGormRepository(db)
	if err := deadLetterRepo.Init(ctx); err != nil {
		logrus.Fatalf("failed to init dead letter repository: %v", err)
	}

	// Key-value connection pool
	var pool *kvpool.Pool
	if cfg.Pool.Enabled {
		factory := valkey.NewPoolFactory(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		})
		pool = kvpool.New(kvpool.Config{
			Enabled:        true,
			MinConns:       cfg.Pool.MinConns,
			MaxConns:       cfg.Pool.MaxConns,
			AcquireTimeout: cfg.Pool.AcquireTimeout,
			IdleTimeout:    cfg.Pool.IdleTimeout,
		}, factory)
		if err := pool.Start(ctx); err != nil {
			logrus.WithError(err).Warn("[APP] Key-value pool unavailable, continuing unpooled")
			pool = nil
		}
	}

	// Outbound batcher wired to the webhook delivery collaborator
	dispatcher := webhook.NewDispatcher(webhook.Config{
		URLs:               cfg.Webhook.URLs,
		Secret:             cfg.Webhook.Secret,
		InsecureSkipVerify: cfg.Webhook.InsecureSkipVerify,
	}, deadLetterRepo)

	msgBatcher := batcher.New(batcher.Config{
		MaxBatchSize:  cfg.Batch.MaxBatchSize,
		MaxBatchWait:  cfg.Batch.MaxBatchWait,
		SmartBatching: cfg.Batch.SmartBatching,
	}, dispatcher)
	msgBatcher.Start(ctx)

	// Usecases
	sendUsecase := usecase.NewSendService(msgBatcher, pool)
	monitorUsecase := usecase.NewMonitorService(pool, msgBatcher)

	fiberConfig := fiber.Config{
		EnableTrustedProxyCheck: true,
		Network:                 "tcp",
		AppName:                 "Warelay Engine",
		ServerHeader:            "Hidden",
	}
	if len(cfg.App.TrustedProxies) > 0 {
		fiberConfig.TrustedProxies = cfg.App.TrustedProxies
		fiberConfig.ProxyHeader = fiber.HeaderXForwardedHost
	}

	app := fiber.New(fiberConfig)

	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.App.CorsOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.Recovery())
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        1000,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
	}))

	if cfg.App.Debug {
		app.Use(logger.New())
	}

	apiGroup := app.Group(cfg.App.BasePath + "/api")

	if len(cfg.App.BasicAuth) > 0 {
		account := make(map[string]string)
		for _, basicAuth := range cfg.App.BasicAuth {
			ba := strings.Split(basicAuth, ":")
			if len(ba) != 2 {
				logrus.Fatalln("Basic auth is not valid, please use the format <user>:<secret>")
			}
			account[ba[0]] = ba[1]
		}
		apiGroup.Use(basicauth.New(basicauth.Config{
			Users: account,
			Next: func(c *fiber.Ctx) bool {
				return c.Method() == fiber.MethodOptions
			},
		}))
	}

	rest.InitRestSend(apiGroup, sendUsecase)
	rest.InitRestMonitor(apiGroup, monitorUsecase)
	rest.InitRestDeadLetter(apiGroup, deadLetterRepo)

	// Graceful shutdown: drain batches first so nothing pending is lost,
	// then release the pool and close the database.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logrus.Info("[APP] Shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		msgBatcher.Shutdown(shutdownCtx)
		if pool != nil {
			pool.Shutdown()
		}
		if err := coreDB.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Failed to close database")
		}
		if err := app.Shutdown(); err != nil {
			logrus.WithError(err).Warn("[APP] Server shutdown failed")
		}
	}()

	if err := app.Listen(":" + cfg.App.Port); err != nil {
		logrus.Fatalln("Failed to start server:", err)
	}
	logrus.Info("[APP] Application stopped cleanly.")
}
