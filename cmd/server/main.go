package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/container"
	"github.com/mir00r/provider-resilience/internal/server"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

const version = "1.0.0"

// getConfigSource returns the configuration source for logging
func getConfigSource() string {
	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			return "file+env"
		}
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "file+env"
	}

	envVars := []string{
		"PR_LOG_LEVEL", "PR_STORE_DRIVER", "PR_STORE_DSN", "PR_ADMIN_PORT",
		"PR_GATE_MAX_ATTEMPTS", "PR_BREAKER_COOLDOWN",
	}
	for _, envVar := range envVars {
		if os.Getenv(envVar) != "" {
			return "environment"
		}
	}
	return "defaults"
}

func main() {
	if checkIfAdminMode() {
		runAdminProcess()
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"version":       version,
		"store":         cfg.Store.Driver,
		"services":      len(cfg.Services),
		"config_source": getConfigSource(),
		"process":       getProcessInfo(),
	}).Info("Starting provider resilience service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := container.NewContainer(ctx, cfg, log, container.WithVersion(version))
	if err != nil {
		log.WithError(err).Fatal("Failed to build components")
	}
	if err := c.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start components")
	}

	var watcher *container.ConfigWatcher
	if cfg.Watch.Enabled {
		watcher = container.NewConfigWatcher(config.ConfigFilePath(), cfg.Watch.Interval, c, log)
		if err := watcher.Start(ctx); err != nil {
			log.WithError(err).Warn("Configuration watcher disabled")
			watcher = nil
		}
	}

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		h, err := c.Handler()
		if err != nil {
			log.WithError(err).Fatal("Failed to build admin API")
		}
		cfg.Admin.Port = getPort(cfg.Admin.Port)
		admin, err = server.NewAdminServer(cfg.Admin, h, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to create admin server")
		}
		go func() {
			if err := admin.Start(); err != nil {
				log.WithError(err).Fatal("Admin server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			if err := c.Reload(ctx); err != nil {
				log.WithError(err).Error("Configuration reload failed")
			}
			continue
		}
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer shutdownCancel()

	if watcher != nil {
		watcher.Stop()
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}
	if err := c.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping components")
	}

	log.Info("Provider resilience service stopped gracefully")
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Admin.ShutdownTimeout > 0 {
		return cfg.Admin.ShutdownTimeout
	}
	return 30 * time.Second
}
