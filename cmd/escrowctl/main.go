// escrowctl runs one-off escrow maintenance against the configured store.
//
// Usage:
//
//	escrowctl sweep                 # refund every conversation past its deadline
//	escrowctl reconcile             # re-drive failed and stuck payouts once
//	escrowctl show <conversation>   # print a conversation with its escrow record
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/config"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var timeout time.Duration
	var logLevel string

	flagSet := pflag.NewFlagSet("escrowctl", pflag.ContinueOnError)
	flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "abort the command after this long")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("command required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if cfg.NeedsSSM() {
		client, err := config.NewSSMClient(ctx, cfg.AWSRegion)
		if err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(ctx, client); err != nil {
			return err
		}
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = srv.Shutdown() }()

	switch args[0] {
	case "sweep":
		svc := srv.Escrow()
		res, err := svc.SweepExpired(ctx, svc.Now())
		if perr := printJSON(res); perr != nil {
			return perr
		}
		return err
	case "reconcile":
		report, err := srv.Reconciler().ReconcileFailedPayouts(ctx)
		if err != nil {
			return err
		}
		return printJSON(report)
	case "show":
		if len(args) != 2 {
			return errors.New("usage: escrowctl show <conversation>")
		}
		view, err := srv.Escrow().Get(ctx, args[1])
		if err != nil {
			return err
		}
		return printJSON(view)
	default:
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `escrowctl - one-off escrow maintenance

Usage:
  escrowctl [flags] sweep
  escrowctl [flags] reconcile
  escrowctl [flags] show <conversation>

Flags:
%s`, flagSet.FlagUsages())
}
