package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/straddle_bot/internal/config"
	"github.com/eddiefleurent/straddle_bot/internal/models"
	"github.com/eddiefleurent/straddle_bot/internal/monitor"
	"github.com/eddiefleurent/straddle_bot/internal/strategy"
)

// Process exit codes.
const (
	exitOK       = 0
	exitRejected = 1
	exitFatal    = 2
)

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case strategy.IsFatal(err):
		return exitFatal
	default:
		return exitRejected
	}
}

type appFactory func(context.Context, *config.Config) (*App, error)

type signalSource func() (<-chan os.Signal, func())

func osSignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// cli carries the state shared between the root command and its subcommands.
type cli struct {
	configPath string
	debug      bool
	newApp     appFactory
	signals    signalSource
	app        *App
}

func newCLI() *cli {
	return &cli{newApp: newApp, signals: osSignals}
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	return c.app.Close()
}

func (c *cli) logger() zerolog.Logger {
	if c.app == nil {
		return zerolog.Nop()
	}
	return c.app.logger
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "straddle-bot",
		Short: "Intraday short straddle and iron butterfly bot for Indian index options",
		Long: `straddle-bot sells an at-the-money straddle on an index, protects both legs
with stop orders, trails the stops as premium decays and converts to an iron
butterfly when one leg is stopped out. Every instance squares off by the
day's cutoff.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.app != nil {
				return nil
			}
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			if c.debug {
				cfg.Logging.Level = "debug"
			}
			app, err := c.newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			c.app = app
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		c.runCmd(),
		c.resumeCmd(),
		c.strikesCmd(),
		c.setTargetCmd(),
		c.exitCmd(),
		c.statusCmd(),
		c.statsCmd(),
	)
	return root
}

// requestFlags are the per-run overrides of the configured strategy defaults.
type requestFlags struct {
	indices          []string
	quantity         int
	instanceID       string
	slFactor         float64
	target           float64
	targetMTM        float64
	bookProfit       float64
	samePremium      bool
	premiumTolerance float64
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.indices, "index", []string{string(models.IndexNifty)}, "index to trade, repeatable")
	fl.IntVar(&f.quantity, "quantity", 0, "order quantity, a multiple of the lot size")
	fl.StringVar(&f.instanceID, "instance", "", "instance id (single index only)")
	fl.Float64Var(&f.slFactor, "sl-factor", 0, "initial stop at entry*(1+sl_factor)")
	fl.Float64Var(&f.target, "target", 0, "profit target as a fraction of collected premium")
	fl.Float64Var(&f.targetMTM, "target-mtm", 0, "absolute profit target")
	fl.Float64Var(&f.bookProfit, "book-profit", 0, "fraction of premium the trailed stop sits at")
	fl.BoolVar(&f.samePremium, "same-premium", false, "match CE and PE premiums across nearby strikes")
	fl.Float64Var(&f.premiumTolerance, "premium-tolerance", 0, "allowed CE/PE premium gap")
}

func (f *requestFlags) requests(cmd *cobra.Command, cfg *config.Config) ([]strategy.Request, error) {
	if f.instanceID != "" && len(f.indices) > 1 {
		return nil, fmt.Errorf("--instance needs exactly one --index")
	}
	changed := cmd.Flags().Changed
	reqs := make([]strategy.Request, 0, len(f.indices))
	for _, name := range f.indices {
		idx, err := models.ParseIndex(name)
		if err != nil {
			return nil, err
		}
		req := cfg.RequestTemplate(idx, f.quantity)
		if req.Quantity == 0 {
			spec, _ := idx.Spec()
			req.Quantity = spec.LotSize
		}
		req.InstanceID = f.instanceID
		if changed("sl-factor") {
			req.SLFactor = f.slFactor
		}
		if changed("target") {
			req.Target = f.target
		}
		if changed("target-mtm") {
			req.TargetMTM = f.targetMTM
		}
		if changed("book-profit") {
			req.BookProfit = f.bookProfit
		}
		if changed("same-premium") {
			req.SamePremium = f.samePremium
		}
		if changed("premium-tolerance") {
			req.PremiumTolerance = f.premiumTolerance
		}
		req, err = strategy.NewRequest(req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", idx, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (c *cli) runCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open one straddle per index and monitor until square-off",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := flags.requests(cmd, c.app.cfg)
			if err != nil {
				return err
			}
			return c.supervise(cmd.Context(), func(ctx context.Context, reg register) error {
				var errs []error
				for _, req := range reqs {
					engine := c.app.newEngine()
					if err := engine.Initiate(ctx, req); err != nil {
						errs = append(errs, fmt.Errorf("instance %s: %w", req.InstanceID, err))
					}
					if engine.InstanceID() == "" || engine.Terminal() {
						continue
					}
					if err := reg(engine); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func (c *cli) resumeCmd() *cobra.Command {
	var ids []string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Reconcile persisted instances with the broker and monitor them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.supervise(cmd.Context(), func(ctx context.Context, reg register) error {
				rec := c.app.newReconciler()
				if len(ids) == 0 {
					active, err := rec.ActiveIDs(ctx)
					if err != nil {
						return err
					}
					ids = active
				}
				res := rec.Resume(ctx, ids)
				if len(res.Stray) > 0 {
					c.app.logger.Warn().Strs("orders", res.Stray).Msg("stray working orders need manual review")
				}
				errs := []error{res.Err}
				for _, e := range res.Engines {
					if err := reg(e); err != nil {
						errs = append(errs, err)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().StringSliceVar(&ids, "instance", nil, "instance ids to resume (default: every active instance)")
	return cmd
}

type register func(monitor.Engine) error

// supervise runs start to register instances, then monitors them. The first
// SIGINT/SIGTERM asks every instance to square off; a second one cancels.
func (c *cli) supervise(parent context.Context, start func(context.Context, register) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	mon := c.app.newMonitor()
	sigs, stop := c.signals()
	defer stop()
	go watchSignals(ctx, sigs, mon, cancel, c.app.logger)

	startErr := start(ctx, func(e monitor.Engine) error { return mon.Register(e) })
	runErr := mon.Run(ctx)

	errs := []error{startErr, runErr}
	if parent.Err() == nil && ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("interrupted before square-off: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

type exitRequester interface {
	RequestExitAll()
}

func watchSignals(ctx context.Context, sigs <-chan os.Signal, mon exitRequester,
	cancel context.CancelFunc, logger zerolog.Logger) {
	select {
	case <-ctx.Done():
		return
	case sig := <-sigs:
		logger.Warn().Str("signal", sig.String()).Msg("shutdown signal received, squaring off all instances")
		mon.RequestExitAll()
	}
	select {
	case <-ctx.Done():
	case sig := <-sigs:
		logger.Error().Str("signal", sig.String()).Msg("second signal received, stopping without square-off")
		cancel()
	}
}

func (c *cli) strikesCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "strikes",
		Short: "Show the straddle and hedge strikes, targets and max loss without trading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reqs, err := flags.requests(cmd, c.app.cfg)
			if err != nil {
				return err
			}
			engine := c.app.newEngine()
			for _, req := range reqs {
				plan, err := engine.PlanStrikes(cmd.Context(), req)
				if err != nil {
					return fmt.Errorf("%s: %w", req.Index, err)
				}
				if err := printPlan(cmd, req, plan); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printPlan(cmd *cobra.Command, req strategy.Request, plan *strategy.StrikePlan) error {
	qty := float64(req.Quantity)
	mtm, loss := strategy.DeriveTargets(plan.Premium()*qty, req.Target, req.TargetMTM)
	be := strategy.ComputeBreakeven(plan.ATM, plan.Premium())

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "index\t%s\n", req.Index)
	fmt.Fprintf(tw, "underlying\t%.2f\n", plan.Underlying)
	fmt.Fprintf(tw, "atm\t%.0f\n", plan.ATM)
	fmt.Fprintf(tw, "ce\t%s @ %.2f\n", plan.CE.ID, plan.CELTP)
	fmt.Fprintf(tw, "pe\t%s @ %.2f\n", plan.PE.ID, plan.PELTP)
	fmt.Fprintf(tw, "premium\t%.2f (%.2f total)\n", plan.Premium(), plan.Premium()*qty)
	fmt.Fprintf(tw, "breakeven\t%.2f / %.2f\n", be.Put, be.Call)
	fmt.Fprintf(tw, "call_hedge\t%s @ %.2f\n", plan.CallHedge.ID, plan.CallHedgeLTP)
	fmt.Fprintf(tw, "put_hedge\t%s @ %.2f\n", plan.PutHedge.ID, plan.PutHedgeLTP)
	fmt.Fprintf(tw, "target_mtm\t%.2f\n", mtm)
	fmt.Fprintf(tw, "target_loss\t%.2f\n", loss)
	fmt.Fprintf(tw, "max_loss\t%.2f\n", strategy.MaxLoss(plan, req.Quantity, req.SLFactor))
	return tw.Flush()
}

func (c *cli) setTargetCmd() *cobra.Command {
	var (
		id        string
		targetMTM float64
	)
	cmd := &cobra.Command{
		Use:   "set-target",
		Short: "Override target_mtm of a live instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := strategy.SetTarget(cmd.Context(), c.app.store, id, targetMTM)
			if err != nil {
				return err
			}
			c.app.logger.Info().Str("instance", id).Float64("target_mtm", st.TargetMTM).
				Float64("target_loss", st.TargetLoss).Msg("target updated")
			return printStrategy(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id")
	cmd.Flags().Float64Var(&targetMTM, "target-mtm", 0, "new absolute profit target")
	_ = cmd.MarkFlagRequired("instance")
	_ = cmd.MarkFlagRequired("target-mtm")
	return cmd
}

func (c *cli) exitCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Ask the running monitor to square off an instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := strategy.RequestExit(cmd.Context(), c.app.store, id)
			if err != nil {
				return err
			}
			c.app.logger.Info().Str("instance", id).Str("status", string(st.Status)).Msg("exit requested")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "exit requested for %s (%s)\n", shortID(st.InstanceID), st.Status)
			return err
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id")
	_ = cmd.MarkFlagRequired("instance")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids := []string{id}
			if id == "" {
				active, err := c.app.store.ListActive(cmd.Context())
				if err != nil {
					return err
				}
				sort.Strings(active)
				ids = active
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				_, err := fmt.Fprintln(out, "no active instances")
				return err
			}
			for _, id := range ids {
				st, err := c.app.store.Load(cmd.Context(), id)
				if err != nil {
					return err
				}
				if err := printStrategy(out, st); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "instance", "", "instance id (default: every active instance)")
	return cmd
}

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize finished instances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := c.app.store.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "trades\t%d\n", stats.TotalTrades)
			fmt.Fprintf(tw, "win_rate\t%.1f%%\n", stats.WinRate*100)
			fmt.Fprintf(tw, "total_pnl\t%.2f\n", stats.TotalPnL)
			fmt.Fprintf(tw, "average_win\t%.2f\n", stats.AverageWin)
			fmt.Fprintf(tw, "average_loss\t%.2f\n", stats.AverageLoss)
			fmt.Fprintf(tw, "max_drawdown\t%.2f\n", stats.MaxDrawdown)
			fmt.Fprintf(tw, "streak\t%d\n", stats.CurrentStreak)
			days := make([]string, 0, len(stats.DailyPnL))
			for d := range stats.DailyPnL {
				days = append(days, d)
			}
			sort.Strings(days)
			for _, d := range days {
				fmt.Fprintf(tw, "%s\t%.2f\n", d, stats.DailyPnL[d])
			}
			return tw.Flush()
		},
	}
}
