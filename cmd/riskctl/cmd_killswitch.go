package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

var (
	checkBalance  float64
	triggerLevel  string
	triggerReason string
	actor         string
	resetForce    bool
	historyLimit  int
	sentinelNote  string
	sentinelTTL   time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kill switch state",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		st := ks.Status()
		if outFormat == "json" {
			return printJSON(os.Stdout, st)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "State:\t%s\n", st.State)
		fmt.Fprintf(w, "Trading allowed:\t%t\n", st.TradingAllowed)
		if st.Triggered {
			fmt.Fprintf(w, "Level:\t%d (%s)\n", st.Level, st.LevelName)
			fmt.Fprintf(w, "Reason:\t%s\n", st.TriggerReason)
			fmt.Fprintf(w, "Triggered by:\t%s\n", st.TriggeredBy)
			if st.TriggerTime != nil {
				fmt.Fprintf(w, "Triggered at:\t%s\n", st.TriggerTime.Format(time.RFC3339))
			}
			if st.CooldownRemaining != "" {
				fmt.Fprintf(w, "Cooldown remaining:\t%s\n", st.CooldownRemaining)
			}
			fmt.Fprintf(w, "Actions:\t%s\n", strings.Join(st.Actions, ", "))
		}
		if st.PeakBalance != nil {
			fmt.Fprintf(w, "Peak balance:\t%.2f\n", *st.PeakBalance)
		}
		if st.SessionStartBalance != nil {
			fmt.Fprintf(w, "Session start:\t%.2f\n", *st.SessionStartBalance)
		}
		fmt.Fprintf(w, "Limits:\tcircuit breaker %.1f%%, daily loss %.1f%%, cooldown %gh\n",
			st.CircuitBreakerPct, st.DailyLossLimitPct, st.CooldownHours)
		fmt.Fprintf(w, "Triggers recorded:\t%d\n", st.HistoryCount)
		return w.Flush()
	}),
}

var armCmd = &cobra.Command{
	Use:   "arm",
	Short: "Start monitoring balances against the loss thresholds",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		if err := ks.Arm(true); err != nil {
			return err
		}
		fmt.Println("kill switch armed")
		return nil
	}),
}

var disarmCmd = &cobra.Command{
	Use:   "disarm",
	Short: "Stop balance monitoring (manual triggers still work)",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		if err := ks.Arm(false); err != nil {
			return err
		}
		fmt.Println("kill switch disarmed")
		return nil
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a balance observation against the thresholds",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		fired, err := ks.Check(checkBalance)
		if fired {
			st := ks.Status()
			fmt.Printf("TRIGGERED: %s (level %d, %s)\n", st.TriggerReason, st.Level, st.LevelName)
		} else {
			fmt.Printf("ok: trading allowed=%t\n", ks.TradingAllowed())
		}
		return err
	}),
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manually trip the kill switch",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		if actor == "" {
			return risk.ErrMissingActor
		}
		level, err := risk.ParseLevel(triggerLevel)
		if err != nil {
			return err
		}
		fired, err := ks.Trigger(triggerReason, level, actor)
		if err != nil {
			// In-memory trigger holds for this process only.
			return fmt.Errorf("trigger not persisted: %w", err)
		}
		if !fired {
			st := ks.Status()
			fmt.Printf("already triggered: %s (level %d) by %s\n", st.TriggerReason, st.Level, st.TriggeredBy)
			return nil
		}
		fmt.Printf("kill switch TRIGGERED at level %d (%s)\n", level, level)
		return nil
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear a trigger once the cooldown has elapsed",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		if actor == "" {
			return risk.ErrMissingActor
		}
		ok, err := ks.Reset(actor, resetForce)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("reset refused: cooldown has %s remaining (use --force to override)", ks.Status().CooldownRemaining)
		}
		fmt.Println("kill switch reset; re-arm to resume monitoring")
		return nil
	}),
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded triggers",
	RunE: withKillSwitch(func(a *app, ks *risk.KillSwitch, args []string) error {
		h := ks.History(historyLimit)
		if outFormat == "json" {
			return printJSON(os.Stdout, h)
		}
		if len(h) == 0 {
			fmt.Println("no triggers recorded")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tLEVEL\tREASON\tBY\tBALANCE")
		for _, e := range h {
			balance := "-"
			if e.Balance != nil {
				balance = fmt.Sprintf("%.2f", *e.Balance)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", e.Time.Format(time.RFC3339), e.Level, e.Reason, e.TriggeredBy, balance)
		}
		return w.Flush()
	}),
}

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Raise or clear the out-of-band halt signal",
	Long: `The sentinel is a file (and optionally a Redis key) watched by every
check. While present, the next check trips the switch at full shutdown.`,
}

var sentinelRaiseCmd = &cobra.Command{
	Use:   "raise",
	Short: "Create the sentinel",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return forEachSentinel(a, func(f fileOrRedis) error { return f.raise(cmd.Context()) })
	},
}

var sentinelClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the sentinel (does not reset a triggered switch)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		return forEachSentinel(a, func(f fileOrRedis) error { return f.clear(cmd.Context()) })
	},
}

type fileOrRedis struct {
	name  string
	raise func(ctx context.Context) error
	clear func(ctx context.Context) error
}

func forEachSentinel(a *app, fn func(fileOrRedis) error) error {
	var targets []fileOrRedis
	if path := a.cfg.KillSwitch.SentinelPath; path != "" {
		s := risk.NewFileSentinel(path)
		targets = append(targets, fileOrRedis{
			name:  s.Name(),
			raise: func(context.Context) error { return s.Raise(sentinelNote) },
			clear: func(context.Context) error { return s.Clear() },
		})
	}
	if s := a.redisSentinel(); s != nil {
		targets = append(targets, fileOrRedis{
			name:  s.Name(),
			raise: func(ctx context.Context) error { return s.Raise(ctx, sentinelNote, sentinelTTL) },
			clear: func(ctx context.Context) error { return s.Clear(ctx) },
		})
	}
	if len(targets) == 0 {
		return fmt.Errorf("no sentinel configured: set kill_switch.sentinel_path or kill_switch.redis_sentinel_key with redis.addr")
	}
	for _, t := range targets {
		if err := fn(t); err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		fmt.Printf("%s: done\n", t.name)
	}
	return nil
}

// withKillSwitch builds the app and switch for a command and waits for
// alerts before returning.
func withKillSwitch(fn func(a *app, ks *risk.KillSwitch, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		ks, err := a.killSwitch()
		if err != nil {
			return err
		}
		return fn(a, ks, args)
	}
}

func init() {
	checkCmd.Flags().Float64Var(&checkBalance, "balance", 0, "Current account balance")
	checkCmd.MarkFlagRequired("balance")

	triggerCmd.Flags().StringVar(&triggerLevel, "level", "4", "Response level: 1-4 or stop_new_trades, close_profitable, close_all, full_shutdown")
	triggerCmd.Flags().StringVar(&triggerReason, "reason", "manual", "Why trading is being halted")
	triggerCmd.Flags().StringVar(&actor, "by", os.Getenv("USER"), "Operator recorded on the trigger")

	resetCmd.Flags().StringVar(&actor, "by", os.Getenv("USER"), "Operator authorizing the reset")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Reset before the cooldown has elapsed")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Most recent entries to show (0 for all)")

	sentinelRaiseCmd.Flags().StringVar(&sentinelNote, "note", "halt", "Text written into the sentinel")
	sentinelRaiseCmd.Flags().DurationVar(&sentinelTTL, "ttl", 0, "Expiry for the Redis sentinel (0 keeps it until cleared)")
	sentinelCmd.AddCommand(sentinelRaiseCmd, sentinelClearCmd)

	rootCmd.AddCommand(statusCmd, armCmd, disarmCmd, checkCmd, triggerCmd, resetCmd, historyCmd, sentinelCmd)
}
