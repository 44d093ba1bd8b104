package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/predict-risk/internal/outbox"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
)

var (
	snapshotPath   string
	driftThreshold float64
	emitOrders     bool
	outboxPath     string
)

var allocateCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Compute the fractional-Kelly target for every position",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		e, err := a.engine(snapshotPath)
		if err != nil {
			return err
		}

		alloc := e.OptimalAllocation()
		if outFormat == "json" {
			return printJSON(os.Stdout, map[string]any{"bankroll": e.Bankroll(), "allocation": alloc})
		}
		ids := make([]string, 0, len(alloc))
		for id := range alloc {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		held := make(map[string]portfolio.Position)
		for _, p := range e.Positions() {
			held[p.MarketID] = p
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "MARKET\tSECTOR\tEDGE\tKELLY\tCURRENT\tTARGET\t")
		total := 0.0
		for _, id := range ids {
			p := held[id]
			total += alloc[id]
			fmt.Fprintf(w, "%s\t%s\t%.3f\t%.3f\t%.2f\t%.2f\t\n", id, p.Sector, p.Edge(), e.KellyFraction(p), p.Amount, alloc[id])
		}
		fmt.Fprintf(w, "\t\t\t\tTOTAL\t%.2f\t\n", total)
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("bankroll %.2f, %.1f%% deployed\n", e.Bankroll(), pct(total, e.Bankroll()))
		return nil
	},
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance",
	Short: "List orders that move drifted positions back to target",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		e, err := a.engine(snapshotPath)
		if err != nil {
			return err
		}
		threshold := driftThreshold
		if !cmd.Flags().Changed("threshold") {
			threshold = a.cfg.Allocation.DriftThreshold
		}

		orders := e.RebalanceOrders(threshold)
		if emitOrders {
			return emit(a, orders)
		}
		if outFormat == "json" {
			return printJSON(os.Stdout, orders)
		}
		if len(orders) == 0 {
			fmt.Printf("no position drifted more than %.1f%% of bankroll\n", threshold*100)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SIDE\tMARKET\tNOTIONAL\tCURRENT\tTARGET\tEDGE")
		for _, o := range orders {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%.3f\n",
				strings.ToUpper(string(o.Side)), o.MarketID, o.Notional().StringFixed(2), o.Current, o.Target, o.Edge)
		}
		return w.Flush()
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Report exposure, concentration, sector usage and VaR",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		e, err := a.engine(snapshotPath)
		if err != nil {
			return err
		}

		an := e.Analyze()
		if outFormat == "json" {
			return printJSON(os.Stdout, an)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Bankroll:\t%.2f\n", an.Bankroll)
		fmt.Fprintf(w, "Exposure:\t%.2f (%.1f%%)\n", an.TotalExposure, an.Utilization*100)
		fmt.Fprintf(w, "Expected return:\t%.2f\n", an.ExpectedReturn)
		fmt.Fprintf(w, "HHI:\t%.4f (%s)\n", an.HHI, an.Concentration)
		fmt.Fprintf(w, "VaR %.0f%%:\t%.2f\n", an.VaRConfidence*100, an.VaR)
		fmt.Fprintln(w)

		sectors := make([]string, 0, len(an.Sectors))
		for s := range an.Sectors {
			sectors = append(sectors, string(s))
		}
		sort.Strings(sectors)
		fmt.Fprintln(w, "SECTOR\tEXPOSURE\tOF BANKROLL\tLIMIT\tPOSITIONS")
		for _, s := range sectors {
			se := an.Sectors[portfolio.Sector(s)]
			flag := ""
			if se.OverLimit {
				flag = " !"
			}
			fmt.Fprintf(w, "%s\t%.2f\t%.1f%%\t%.0f%%%s\t%d\n", s, se.Exposure, se.PctOfBankroll, se.LimitPct, flag, se.Positions)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		for _, warn := range an.Warnings {
			fmt.Printf("warning: %s\n", warn)
		}
		return nil
	},
}

// emit journals orders through the kill switch guard.
func emit(a *app, orders []portfolio.Order) error {
	ks, err := a.killSwitch()
	if err != nil {
		return err
	}
	path := outboxPath
	if path == "" {
		path = a.cfg.Allocation.OutboxPath
	}
	box, err := outbox.New(path, a.cfg.Allocation.DedupeWindow)
	if err != nil {
		return err
	}
	res, err := outbox.NewGuard(ks, box, a.log, a.metrics).Submit(orders)
	if err != nil {
		return err
	}
	if outFormat == "json" {
		return printJSON(os.Stdout, res)
	}
	fmt.Printf("kill switch level %s: %d written, %d blocked, %d duplicate -> %s\n",
		res.Level, len(res.Written), len(res.Blocked), len(res.Duplicates), box.Path())
	for _, o := range res.Blocked {
		fmt.Printf("  blocked %s %s %s (%s)\n", strings.ToUpper(string(o.Side)), o.MarketID, o.Notional.StringFixed(2), o.Reason)
	}
	return nil
}

func pct(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return part / whole * 100
}

func init() {
	for _, c := range []*cobra.Command{allocateCmd, rebalanceCmd, analyzeCmd} {
		c.Flags().StringVar(&snapshotPath, "snapshot", "", "Portfolio snapshot (YAML or JSON); defaults to allocation.snapshot_path")
	}
	rebalanceCmd.Flags().BoolVar(&emitOrders, "emit", false, "Write the orders to the outbox, subject to the kill switch")
	rebalanceCmd.Flags().StringVar(&outboxPath, "outbox", "", "Outbox journal path (defaults to allocation.outbox_path)")
	rebalanceCmd.Flags().Float64Var(&driftThreshold, "threshold", portfolio.DefaultDriftThreshold, "Drift as a fraction of bankroll that triggers an order")

	rootCmd.AddCommand(allocateCmd, rebalanceCmd, analyzeCmd)
}
