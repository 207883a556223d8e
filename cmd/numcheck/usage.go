package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/quota"
	"github.com/goodtune/numcheck/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var usageCmd = &cobra.Command{
	Use:   "usage [IDENTITY]",
	Short: "Show quota usage",
	Long:  `Show the quota position of one identity, or the counters of every identity seen in the current window.`,
	Example: `  numcheck -c config.yaml usage
  numcheck usage user-42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUsage,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect or assign plan tiers",
}

var planGetCmd = &cobra.Command{
	Use:   "get IDENTITY",
	Short: "Show the plan tier of an identity",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanGet,
}

var planSetCmd = &cobra.Command{
	Use:     "set IDENTITY TIER",
	Short:   "Assign a plan tier to an identity",
	Example: `  numcheck plan set user-42 starter`,
	Args:    cobra.ExactArgs(2),
	RunE:    runPlanSet,
}

func init() {
	planCmd.AddCommand(planGetCmd)
	planCmd.AddCommand(planSetCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(planCmd)
}

// quietEnv opens storage and the quota components with a logger that only
// reports errors, for use by the one-shot commands.
type quietEnv struct {
	cfg     *config.Config
	store   storage.Store
	tracker *quota.Tracker
	plans   *quota.PlanBook
}

func openQuietEnv() (*quietEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	tracker, err := newTracker(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize quota tracker: %w", err)
	}

	return &quietEnv{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		plans:   newPlanBook(cfg, store),
	}, nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	env, err := openQuietEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	ctx := context.Background()

	if len(args) == 1 {
		plan, limits, err := env.plans.Resolve(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve plan: %w", err)
		}
		usage, err := env.tracker.Usage(ctx, args[0], plan, limits)
		if err != nil {
			return fmt.Errorf("failed to read usage: %w", err)
		}
		printUsage(usage)
		return nil
	}

	if err := env.tracker.ResetIfDue(ctx); err != nil {
		return fmt.Errorf("failed to read quota state: %w", err)
	}
	state, err := env.store.Quota().Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to read quota state: %w", err)
	}
	printSnapshot(state)
	return nil
}

func runPlanGet(cmd *cobra.Command, args []string) error {
	env, err := openQuietEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	plan, limits, err := env.plans.Resolve(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve plan: %w", err)
	}

	fmt.Printf("Identity:   %s\n", args[0])
	fmt.Printf("Plan:       %s\n", plan)
	fmt.Printf("Daily:      %s\n", formatLimit(limits.Daily))
	fmt.Printf("Monthly:    %s\n", formatLimit(limits.Monthly))
	return nil
}

func runPlanSet(cmd *cobra.Command, args []string) error {
	env, err := openQuietEnv()
	if err != nil {
		return err
	}
	defer env.store.Close()

	if err := env.plans.Assign(context.Background(), args[0], args[1]); err != nil {
		return fmt.Errorf("failed to assign plan: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("✓ %s is now on the %s plan\n", args[0], args[1])
	return nil
}

// printUsage prints the quota position of one identity with colors
func printUsage(u *quota.Usage) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("QUOTA USAGE")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("Identity:   %s\n", u.Identity)
	fmt.Printf("Plan:       %s\n", u.Plan)
	fmt.Println()

	fmt.Printf("Daily:      %d / %s  ", u.Daily, formatLimit(u.Limits.Daily))
	printRemaining(u.RemainingDaily)
	fmt.Printf("Monthly:    %d / %s  ", u.Monthly, formatLimit(u.Limits.Monthly))
	printRemaining(u.RemainingMonthly)
	fmt.Println()

	if u.RemainingDaily == 0 || u.RemainingMonthly == 0 {
		red.Println("Further lookups will be refused until the next reset")
	}
	fmt.Printf("Last daily reset:   %s\n", u.LastDailyReset)
	fmt.Printf("Last monthly reset: %s\n", u.LastMonthlyReset)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

func printRemaining(remaining int64) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	switch {
	case remaining == quota.Unbounded:
		green.Println("(unlimited)")
	case remaining == 0:
		red.Println("(exhausted)")
	case remaining <= 3:
		yellow.Printf("(%d left)\n", remaining)
	default:
		green.Printf("(%d left)\n", remaining)
	}
}

// printSnapshot prints the counters of every tracked identity
func printSnapshot(state *storage.QuotaState) {
	cyan := color.New(color.FgCyan, color.Bold)

	fmt.Println()
	cyan.Printf("Last daily reset:   %s\n", state.LastDailyReset)
	cyan.Printf("Last monthly reset: %s\n", state.LastMonthlyReset)
	fmt.Println()

	if len(state.Users) == 0 {
		fmt.Println("No usage recorded.")
		return
	}

	identities := make([]string, 0, len(state.Users))
	for id := range state.Users {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	fmt.Printf("%-32s %10s %10s\n", "IDENTITY", "DAILY", "MONTHLY")
	for _, id := range identities {
		rec := state.Users[id]
		fmt.Printf("%-32s %10d %10d\n", id, rec.Daily, rec.Monthly)
	}
	fmt.Println()
}

func formatLimit(limit int64) string {
	if limit == quota.Unbounded {
		return "unlimited"
	}
	return strconv.FormatInt(limit, 10)
}
