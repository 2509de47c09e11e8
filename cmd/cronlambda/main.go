// cronlambda runs the deadline sweep and payout reconciliation once per
// invocation, for deployments that schedule work with EventBridge instead
// of the in-process timers.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/config"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/escrow"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/logging"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/reconciliation"
	"github.com/Skizzcode/ror-messenger-mvp-sub000/internal/server"
)

// Result is returned to the scheduler.
type Result struct {
	Sweep     *escrow.SweepResult    `json:"sweep"`
	Reconcile *reconciliation.Report `json:"reconcile"`
}

type handler struct {
	srv    *server.Server
	logger *slog.Logger
}

func (h *handler) handle(ctx context.Context) (*Result, error) {
	svc := h.srv.Escrow()
	sweep, sweepErr := svc.SweepExpired(ctx, svc.Now())
	if sweepErr != nil {
		h.logger.Error("sweep finished with errors", "error", sweepErr)
	}
	report, recErr := h.srv.Reconciler().ReconcileFailedPayouts(ctx)
	if recErr != nil {
		h.logger.Error("reconciliation failed", "error", recErr)
	}
	return &Result{Sweep: sweep, Reconcile: report}, errors.Join(sweepErr, recErr)
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "json")

	if cfg.NeedsSSM() {
		client, err := config.NewSSMClient(ctx, cfg.AWSRegion)
		if err != nil {
			logger.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		if err := cfg.ResolveSecrets(ctx, client); err != nil {
			logger.Error("failed to resolve secrets", "err", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "err", err)
		os.Exit(1)
	}

	h := &handler{srv: srv, logger: logger}
	lambda.Start(h.handle)
}
