package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gdbrns/whatsapp-companion-bridge/internal/config"
	"github.com/gdbrns/whatsapp-companion-bridge/pkg/log"
)

type Watchdog interface {
	Watchdog() bool
}

type VersionRefresher interface {
	Refresh(ctx context.Context, force bool) error
}

// Routines schedules the connection watchdog and the optional WA Web version refresh.
func Routines(c *cron.Cron, cfg *config.Config, watchdog Watchdog, versions VersionRefresher) error {
	log.Print(nil).Info("Running Routine Tasks")

	if cfg.HealthCheckCron {
		_, err := c.AddFunc(cfg.HealthCheckCronSpec, func() {
			if watchdog.Watchdog() {
				log.Print(nil).Warn("Watchdog found the connection down, reconnect triggered")
			}
		})
		if err != nil {
			return fmt.Errorf("add health check cron job: %w", err)
		}
	} else {
		log.Print(nil).Info("Health check cron disabled; relying on connection events")
	}

	if cfg.VersionRefreshCron {
		force := cfg.VersionRefreshForce
		_, err := c.AddFunc(cfg.VersionRefreshCronSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := versions.Refresh(ctx, force); err != nil {
				log.Print(nil).WithField("force", force).Error("WA Web version refresh failed: " + err.Error())
				return
			}
			log.Print(nil).WithField("force", force).Info("WA Web version refresh completed")
		})
		if err != nil {
			return fmt.Errorf("add WA Web version refresh cron job: %w", err)
		}
		log.Print(nil).WithField("spec", cfg.VersionRefreshCronSpec).WithField("force", force).Info("WA Web version refresh cron enabled")
	}

	c.Start()
	return nil
}
