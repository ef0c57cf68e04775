package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/buyorders/internal/audit"
	"github.com/roach88/buyorders/internal/cache"
	"github.com/roach88/buyorders/internal/config"
	"github.com/roach88/buyorders/internal/engine"
	"github.com/roach88/buyorders/internal/escrow"
	"github.com/roach88/buyorders/internal/metrics"
	"github.com/roach88/buyorders/internal/sandbox"
	"github.com/roach88/buyorders/internal/settlement"
	"github.com/roach88/buyorders/internal/store"
	"github.com/roach88/buyorders/internal/transport/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// FlowGenerator overrides the flow token generator (for testing).
	// If nil, the market uses UUIDv7Generator.
	FlowGenerator engine.FlowTokenGenerator
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the marketplace over HTTP",
		Long: `Serve the buy order marketplace over HTTP.

Opens the SQLite database (creating it if it doesn't exist), seeds the
sandbox actors from the config file, starts the single-writer loop and
serves the HTTP API until interrupted. Queued settlements are flushed
and expired orders settled in the background.

Example:
  buyorders serve --config buyorders.yaml
  buyorders serve --db /tmp/orders.db --listen 127.0.0.1:8080 -v`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	logger, closer := newLogger(cfg.Log, cmd.ErrOrStderr())
	defer closer.Close()

	svc, err := newService(cfg, logger, opts.FlowGenerator)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer svc.close()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (db %s)\n", cfg.Listen, cfg.Database)
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := svc.run(ctx); err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("stopped gracefully")
	return nil
}

// service is the wired marketplace process.
type service struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.Store
	world   *sandbox.World
	loop    *engine.Loop
	metrics *metrics.Metrics
	market  *escrow.Market
	flusher *settlement.Flusher
	server  *httpapi.Server
}

// newService opens the store and wires every component. The loop is not
// started until run.
func newService(cfg config.Config, logger *slog.Logger, flows engine.FlowTokenGenerator) (*service, error) {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mt, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		st.Close()
		return nil, err
	}

	world := sandbox.New()
	seedWorld(world, cfg.Sandbox)

	loop := engine.NewLoop(engine.WithLogger(logger))
	auditLog := audit.NewLogger(logger)

	opts := []escrow.Option{
		escrow.WithLogger(logger),
		escrow.WithMetrics(mt),
		escrow.WithOrderTTL(cfg.OrderTTL),
		escrow.WithMaxOrdersPerPlacer(cfg.MaxOrdersPerPlacer),
		escrow.WithCacheOptions(cache.Options{
			ActiveTTL: cfg.Cache.ActiveTTL,
			PlacerTTL: cfg.Cache.PlacerTTL,
			Retain:    cfg.Cache.Retain,
		}),
	}
	if flows != nil {
		opts = append(opts, escrow.WithFlowGenerator(flows))
	}
	m, err := escrow.New(loop, escrow.Deps{
		Store:     st,
		Ledger:    world,
		Inventory: world,
		Presence:  world,
		Offline:   st,
		Audit:     auditLog,
	}, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	flusher, err := settlement.NewFlusher(settlement.Deps{
		Queue:     st,
		Ledger:    world,
		Inventory: world,
		Presence:  world,
		Audit:     auditLog,
	}, settlement.WithLogger(logger), settlement.WithMetrics(mt))
	if err != nil {
		st.Close()
		return nil, err
	}

	server := httpapi.New(m,
		httpapi.WithSandbox(world, flusher),
		httpapi.WithMetrics(mt),
		httpapi.WithRateLimiter(httpapi.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst, mt)),
		httpapi.WithLogger(logger),
	)

	return &service{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		world:   world,
		loop:    loop,
		metrics: mt,
		market:  m,
		flusher: flusher,
		server:  server,
	}, nil
}

// run starts the loop, the background workers and the HTTP server, and
// blocks until ctx is done or one of them fails.
func (s *service) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop.Run(gctx) })
	if interval := s.cfg.SettlementFlushInterval; interval > 0 {
		g.Go(func() error { return s.flusher.Run(gctx, interval) })
	}
	if interval := s.cfg.ExpirySettlementInterval; interval > 0 {
		g.Go(func() error { return s.settleExpired(gctx, interval) })
	}
	g.Go(func() error { return s.server.ListenAndServe(gctx, s.cfg.Listen) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// settleExpired refunds expired orders every interval until ctx is done.
// Settled orders that hold nothing are deleted, as with an explicit cancel.
func (s *service) settleExpired(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.market.SettleExpired(ctx)
			if err != nil {
				s.logger.Warn("expiry settlement failed", "error", err)
				continue
			}
			if len(report.Settled) > 0 {
				s.logger.Info("expired orders settled", "settled", len(report.Settled), "skipped", report.Skipped)
			}
		}
	}
}

// close stops the loop and closes the database.
func (s *service) close() {
	s.loop.Stop()
	<-s.loop.Done()
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// seedWorld loads the configured sandbox actors.
func seedWorld(world *sandbox.World, cfg config.SandboxConfig) {
	for _, id := range cfg.ActorIDs() {
		a := cfg.Actors[id]
		world.SetBalance(id, a.Balance)
		world.SetOnline(id, a.Online)
		world.SetCapacity(id, a.Capacity)
		for _, b := range a.Items {
			world.AddItems(id, b.Item, b.Quantity)
		}
	}
}
