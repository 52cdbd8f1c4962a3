package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/config"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/router"

	"github.com/gdbrns/whatsapp-companion-bridge/internal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}
	log.SetLevel(cfg.LogLevel)

	// Intialize Cron
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
	), cron.WithSeconds())

	// Initialize Fiber
	app := fiber.New(fiber.Config{
		ErrorHandler:          router.HttpErrorHandler,
		BodyLimit:             router.BodyLimitBytes(),
		DisableStartupMessage: true,
	})

	// Request ID + panic recovery (structured JSON)
	app.Use(router.HttpRequestID())
	app.Use(router.RecoveryMiddleware())

	// Router Compression
	app.Use(compress.New(compress.Config{
		Level: compress.Level(router.GZipLevel),
	}))

	// Router CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins: router.CORSOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
		AllowMethods: "GET,POST",
	}))

	// Router Security
	app.Use(helmet.New(helmet.Config{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "SAMEORIGIN",
	}))

	// Router RealIP + request context enrichment
	app.Use(router.HttpRealIP())

	// Router Default Handler
	app.Get("/favicon.ico", router.ResponseNoContent)

	// Running Startup Tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge, err := internal.Startup(ctx, cfg)
	if err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	// Load Internal Routes
	internal.Routes(app, bridge.Manager, bridge.Versions, bridge.Dispatcher, cfg.ControlJWTSecret)

	// Running Routines Tasks
	if err = internal.Routines(c, cfg, bridge.Manager, bridge.Versions); err != nil {
		log.Print(nil).Fatal(err.Error())
	}

	// Start Server
	go func() {
		log.Print(nil).Info("Control plane listening on " + cfg.Addr())
		if err := app.Listen(cfg.Addr()); err != nil {
			log.Print(nil).Fatal(err.Error())
		}
	}()

	// Watch for Shutdown Signal
	sigShutdown := make(chan os.Signal, 1)
	signal.Notify(sigShutdown, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigShutdown
	log.Print(nil).Info("Shutting down")

	// Wait 5 Seconds Before Graceful Shutdown
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Try To Shutdown Server
	if err = app.ShutdownWithContext(ctxShutdown); err != nil {
		log.Print(nil).Error(err.Error())
	}

	// Try To Shutdown Cron
	<-c.Stop().Done()

	// Try To Shutdown Bridge
	cancel()
	if err = bridge.Shutdown(); err != nil {
		log.Print(nil).Error(err.Error())
	}
}
