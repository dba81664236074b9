package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/config"
	"guardian-ai/internal/infra/logger"
	"guardian-ai/internal/security"
)

var errStorageDisabled = errors.New("storage is disabled; nothing persisted to act on")

// offlineAction acts on a core restored from the persisted snapshot. It
// reports whether the state changed and must be persisted again.
type offlineAction func(ctx context.Context, core *CoreComponents, out io.Writer) (changed bool, err error)

// runOffline loads config, restores the persisted state, runs act and
// persists the result when it changed.
func runOffline(fs *flag.FlagSet, args []string, out io.Writer, act offlineAction) error {
	cfgPath := fs.String("config", defaultConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Storage.Enabled {
		return errStorageDisabled
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := security.WithActor(context.Background(), "cli")
	core, cleanup, err := initCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	changed, err := act(ctx, core, out)
	if err != nil {
		return err
	}
	if changed {
		return core.Snapshotter.Persist(ctx)
	}
	return nil
}

func runStatus(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	return runOffline(fs, args, out, func(_ context.Context, core *CoreComponents, out io.Writer) (bool, error) {
		return false, writeJSON(out, core.Manager.Status(core.Manager.Now()))
	})
}

func runSweep(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	return runOffline(fs, args, out, func(ctx context.Context, core *CoreComponents, out io.Writer) (bool, error) {
		purged := core.Manager.SweepExpired(ctx, core.Manager.Now())
		fmt.Fprintf(out, "purged %d record(s)\n", len(purged))
		for _, r := range purged {
			fmt.Fprintf(out, "  %s  created %s\n", r.ID, r.CreatedAt.Format(time.RFC3339))
		}
		return len(purged) > 0, nil
	})
}

func runNuke(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("nuke", flag.ContinueOnError)
	return runOffline(fs, args, out, func(ctx context.Context, core *CoreComponents, out io.Writer) (bool, error) {
		report, err := core.Snapshotter.Nuke(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "deleted %d record(s) and %d transmission(s), stopped %d session(s)\n",
			report.Records, report.Transmissions, report.StoppedSessions)
		return false, nil
	})
}

func runLedger(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "entries to show, newest first")
	return runOffline(fs, args, out, func(_ context.Context, core *CoreComponents, out io.Writer) (bool, error) {
		entries := core.Manager.Transmissions(*limit)
		if len(entries) == 0 {
			fmt.Fprintln(out, "no transmissions recorded")
			return false, nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tAGE\tKIND\tSIZE\tPURPOSE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), humanize.Time(e.Timestamp),
				e.Kind, humanize.Bytes(uint64(e.SizeBytes)), e.Purpose)
		}
		return false, w.Flush()
	})
}

func runPolicy(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("policy", flag.ContinueOnError)
	ttl := fs.Int("ttl", 0, "retention window in hours (1-24)")
	mode := fs.String("mode", "", "consent mode: one-party or all-party")
	return runOffline(fs, args, out, func(ctx context.Context, core *CoreComponents, out io.Writer) (bool, error) {
		policy := core.Manager.Policy()
		changed := false
		if *ttl != 0 {
			policy.TTLHours = *ttl
			changed = true
		}
		if *mode != "" {
			m, err := domain.ParseConsentMode(*mode)
			if err != nil {
				return false, err
			}
			policy.ConsentMode = m
			changed = true
		}
		if changed {
			if err := core.Manager.UpdatePolicy(ctx, policy); err != nil {
				return false, err
			}
		}
		return changed, writeJSON(out, core.Manager.Policy())
	})
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
