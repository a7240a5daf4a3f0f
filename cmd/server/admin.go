package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mir00r/provider-resilience/internal/config"
	"github.com/mir00r/provider-resilience/internal/container"
	"github.com/mir00r/provider-resilience/internal/middleware"
	"github.com/mir00r/provider-resilience/pkg/logger"
)

// One-off admin processes run against the configured shared store

func runConfigValidation() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed ✓")
	fmt.Printf("Store: %s\n", cfg.Store.Driver)
	fmt.Printf("Default routing strategy: %s\n", cfg.Routing.DefaultStrategy)
	fmt.Printf("Admin API: %t (port %d, auth %t)\n", cfg.Admin.Enabled, cfg.Admin.Port, cfg.Admin.JWTSecret != "")
	fmt.Printf("Services: %d\n", len(cfg.Services))
	for _, svc := range cfg.Services {
		fallback := "none"
		if svc.Fallback != nil {
			fallback = svc.Fallback.Type
		}
		fmt.Printf("  %s: %d nodes, fallback %s, budget %t\n", svc.Name, len(svc.Nodes), fallback, svc.Budget != nil)
	}
	return nil
}

// withContainer builds the components without starting their loops
func withContainer(fn func(ctx context.Context, c *container.Container) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.Logging.Level = "error"
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := container.NewContainer(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	defer c.Stop(ctx)
	return fn(ctx, c)
}

func runCircuits() error {
	return withContainer(func(ctx context.Context, c *container.Container) error {
		for _, service := range c.Registry().Services() {
			state, err := c.Breaker().State(ctx, service)
			if err != nil {
				fmt.Printf("  %s: unknown (%v)\n", service, err)
				continue
			}
			fmt.Printf("  %s: %s (failures %d)\n", service, state.State, state.FailureCount)
		}
		return nil
	})
}

func runHealthCheck() error {
	return withContainer(func(ctx context.Context, c *container.Container) error {
		c.Registry().RecomputeHealth(ctx)
		for _, service := range c.Registry().Services() {
			for _, node := range c.Registry().Nodes(service) {
				snap := node.Snapshot()
				fmt.Printf("  %s/%s (%s): health %.1f, circuit %s\n",
					service, snap.ID, snap.Endpoint, snap.HealthScore, snap.CircuitState)
			}
		}
		return nil
	})
}

func runSnapshot() error {
	return withContainer(func(ctx context.Context, c *container.Container) error {
		for _, service := range c.Governor().Services() {
			snap, err := c.Governor().Snapshot(ctx, service)
			if err != nil {
				fmt.Printf("  %s: %v\n", service, err)
				continue
			}
			fmt.Printf("  %s: spend %.4f of %.2f (%.1f%%), projected %.2f, emergency %t\n",
				service, snap.Spend, snap.Budget, snap.Utilization*100, snap.ProjectedSpend, snap.EmergencyActive)
		}
		return nil
	})
}

func runIssueToken(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: -admin token <subject> <role[,role]>")
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	jwtAuth, err := middleware.NewJWTAuthMiddleware(middleware.JWTAuthConfig{
		Secret:   cfg.Admin.JWTSecret,
		Issuer:   cfg.Admin.JWTIssuer,
		Audience: cfg.Admin.JWTAudience,
	}, logger.Discard())
	if err != nil {
		return err
	}
	token, err := jwtAuth.IssueToken(args[0], strings.Split(args[1], ","), 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runAdminProcess() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: provider-resilience -admin <command>")
		fmt.Println("Commands:")
		fmt.Println("  validate-config - Validate configuration")
		fmt.Println("  circuits        - Show circuit breaker states")
		fmt.Println("  health-check    - Run one health cycle and show node scores")
		fmt.Println("  snapshot        - Show budget snapshots")
		fmt.Println("  token           - Issue an admin token: token <subject> <roles>")
		os.Exit(1)
	}

	command := os.Args[2]
	var err error

	switch command {
	case "validate-config", "validate":
		err = runConfigValidation()
	case "circuits":
		err = runCircuits()
	case "health-check":
		err = runHealthCheck()
	case "snapshot":
		err = runSnapshot()
	case "token":
		err = runIssueToken(os.Args[3:])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		os.Exit(1)
	}
}

func checkIfAdminMode() bool {
	for _, arg := range os.Args {
		if arg == "-admin" {
			return true
		}
	}
	return false
}
