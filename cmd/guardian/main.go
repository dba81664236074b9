package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guardian-ai/internal/infra/config"
	"guardian-ai/internal/infra/logger"
	"guardian-ai/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	cmd, args := "serve", os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "status":
		err = runStatus(args, os.Stdout)
	case "sweep":
		err = runSweep(args, os.Stdout)
	case "nuke":
		err = runNuke(args, os.Stdout)
	case "ledger":
		err = runLedger(args, os.Stdout)
	case "policy":
		err = runPolicy(args, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'guardian --help' for usage information.\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`guardian - privacy lifecycle engine for conversation capture

USAGE:
    guardian [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the gateway and scheduler (default)
    status      Print the privacy status indicator state
    sweep       Purge records past their retention window
    nuke        Delete every record and the transmission ledger
    ledger      List recent transmissions (-limit N)
    policy      Show or change the privacy policy (-ttl H, -mode one-party|all-party)

FLAGS:
    -h, --help         Show this help message
    -config PATH       Config file path (default: ./guardian.yaml)

CONFIGURATION:
    Config file: ./guardian.yaml
    Environment: GUARDIAN_* variables override config

EXAMPLES:
    guardian                          # Serve with guardian.yaml
    guardian status                   # Inspect persisted state
    guardian policy -ttl 6 -mode all-party
    guardian ledger -limit 10`)
}

func defaultConfigPath() string {
	if p := os.Getenv("GUARDIAN_CONFIG"); p != "" {
		return p
	}
	return "guardian.yaml"
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 1. Config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Privacy core
	core, coreCleanup, err := initCore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	defer coreCleanup()

	// 4. Runtime (scheduler, guidance, gateway)
	rt, err := initRuntime(cfg, core, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. Start scheduler
	if err := rt.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer rt.Scheduler.Stop()

	// 7. Start gateway
	if rt.Gateway != nil {
		go func() {
			if err := rt.Gateway.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
				cancel()
			}
		}()
	}

	policy := core.Manager.Policy()
	log.Info("guardian starting",
		"consent_mode", string(policy.ConsentMode),
		"ttl_hours", policy.TTLHours,
		"restored", core.Restored,
		"persistence", core.Snapshotter != nil,
		"audit", core.Audit != nil,
		"gateway", cfg.Gateway.Enabled,
	)

	<-ctx.Done()
	log.Info("guardian shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if rt.Gateway != nil {
		if err := rt.Gateway.Stop(shutdownCtx); err != nil {
			log.Error("gateway shutdown error", "error", err)
		}
	}
	core.Manager.AutoSweep(shutdownCtx)
	if core.Snapshotter != nil {
		if err := core.Snapshotter.Persist(shutdownCtx); err != nil {
			log.Error("final snapshot failed", "error", err)
		}
	}
	return nil
}
