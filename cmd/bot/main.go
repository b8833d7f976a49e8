package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddiefleurent/scranton_condor/internal/condor"
	"github.com/eddiefleurent/scranton_condor/internal/config"
	"github.com/eddiefleurent/scranton_condor/internal/models"
	"github.com/eddiefleurent/scranton_condor/internal/storage"
)

// liveModeDelay gives the operator a chance to abort a live start.
var liveModeDelay = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "condorbot",
		Short: "Iron condor entry and management bot",
		Long: `condorbot opens defined-risk iron condors on a schedule when the
volatility gate is open, and manages them to a profit target, loss stop,
time exit or delta roll.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	root.AddCommand(
		newRunCmd(&configPath),
		newCheckConfigCmd(&configPath),
		newPositionsCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and dashboard until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := cfg.NewLogger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Infof("Starting condor bot in %s mode", cfg.Environment.Mode)
			if cfg.IsPaperTrading() {
				logger.Info("PAPER TRADING MODE - No real money at risk")
			} else {
				logger.Warnf("LIVE TRADING MODE - Real money at risk! Starting in %s", liveModeDelay)
				select {
				case <-time.After(liveModeDelay):
				case <-ctx.Done():
					return nil
				}
			}

			bot, err := NewBot(cfg, logger)
			if err != nil {
				return err
			}
			if err := bot.Run(ctx); err != nil {
				return fmt.Errorf("bot error: %w", err)
			}
			logger.Info("Bot stopped")
			return nil
		},
	}
}

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective strategy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			printParams(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printParams(out io.Writer, cfg *config.Config) {
	p := cfg.EngineParams()
	hour, minute := cfg.EntryClock()
	mHour, mMinute := cfg.ManagementClock()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"mode", cfg.Environment.Mode},
		{"broker", cfg.Broker.Provider},
		{"underlying", p.Underlying},
		{"risk cap", p.RiskCapFraction.String()},
		{"short delta", p.ShortDelta.String()},
		{"wing width", p.WingWidth.String()},
		{"dte window", fmt.Sprintf("%d-%d", p.DTEMin, p.DTEMax)},
		{"vix min", p.VIXMin.String()},
		{"ivr min", p.IVRMin.String()},
		{"credit target", p.CreditTargetFraction.String()},
		{"profit target", p.ProfitTargetPct.String()},
		{"loss stop", p.LossStopMult.String()},
		{"time exit days", fmt.Sprint(p.TimeExitDays)},
		{"delta roll", p.DeltaRollTrigger.String()},
		{"min unit risk", p.EffectiveMinUnitRisk().StringFixed(2)},
		{"entry", fmt.Sprintf("%v %02d:%02d %s", cfg.Schedule.EntryDays, hour, minute, cfg.Schedule.Timezone)},
		{"management", fmt.Sprintf("weekdays %02d:%02d", mHour, mMinute)},
	}
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", r[0], r[1])
	}
	_ = w.Flush()
	_, _ = fmt.Fprintln(out, "config OK")
}

func newPositionsCmd(configPath *string) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List open positions and reserved risk from the store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := storage.NewStorage(cfg.Storage.Path, cfg.Strategy.Multiplier)
			if err != nil {
				return err
			}
			open := store.GetOpenPositions()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(open)
			}
			printPositions(cmd.OutOrStdout(), open, time.Now().In(cfg.Location()))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	return cmd
}

func printPositions(out io.Writer, open []models.Position, now time.Time) {
	if len(open) == 0 {
		_, _ = fmt.Fprintln(out, "No open positions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCONDOR\tQTY\tCREDIT\tRISK\tDTE")
	for i := range open {
		p := &open[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n",
			shortID(p.ID), p.Spec.String(), p.Quantity,
			p.EntryCredit.StringFixed(2), p.RiskReserved.StringFixed(2), p.DaysToExpiry(now))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "risk in use: %s\n", condor.RiskInUse(open).StringFixed(2))
}
