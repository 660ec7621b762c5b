package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ocppsim/replay"
	"ocppsim/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	replayMode  string
	replaySpeed float64
	replayURL   string
)

var replayCmd = &cobra.Command{
	Use:   "replay <scenario-id>",
	Short: "Replay a recorded scenario against a central system",
	Long: `Replay a recorded scenario against a live central system and compare the
resulting event stream against the scenario's recorded baseline.
Exits non-zero when the run fails or differences are found.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReplay(args[0])
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayMode, "mode", "", "timing mode: instant, fast, smart, stress or realtime")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "realtime speed factor (>1 is faster)")
	replayCmd.Flags().StringVar(&replayURL, "url", "", "central system URL (overrides scenario and config)")

	rootCmd.AddCommand(replayCmd)
}

func runReplay(scenarioID string) {
	cfg := loadConfig()

	store := openStore(cfg)
	defer store.Close()

	scenario, err := store.GetScenario(scenarioID)
	if err != nil {
		log.Fatal("Failed to load scenario:", err)
	}

	mode := replayMode
	if mode == "" {
		mode = cfg.Replay.Mode
	}
	parsedMode, err := replay.ParseMode(mode)
	if err != nil {
		log.Fatal("Invalid mode:", err)
	}

	speed := replaySpeed
	if speed <= 0 {
		speed = cfg.Replay.SpeedFactor
	}

	rep := newReplayer(cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("Cancelling replay...")
		cancel()
	}()

	fmt.Printf("Replaying scenario '%s' (%d events, mode %s)\n",
		scenario.Name, len(scenario.Events), parsedMode)

	execution := rep.Run(ctx, uuid.New().String(), scenario, replay.Options{
		URL:         replayURL,
		Mode:        parsedMode,
		SpeedFactor: speed,
	})

	printExecution(execution)

	if execution.Status != storage.StatusSuccess {
		os.Exit(1)
	}
}

func printExecution(execution *storage.Execution) {
	fmt.Printf("\nReplay Summary:\n")
	fmt.Printf("Execution:   %s\n", execution.ID)
	fmt.Printf("Status:      %s\n", execution.Status)
	fmt.Printf("Events sent: %d/%d\n", execution.Metrics.EventsDispatched, execution.Metrics.EventsPlanned)
	fmt.Printf("Differences: %d\n", len(execution.Differences))
	if !execution.BaselinePresent {
		fmt.Println("Baseline:    none (no comparison performed)")
	}
	if execution.Error != "" {
		fmt.Printf("Error:       %s\n", execution.Error)
	}

	if len(execution.Differences) > 0 {
		fmt.Printf("\nDifferences:\n")
		for i, diff := range execution.Differences {
			fmt.Printf("%d. [%s] %s\n", i+1, diff.Kind, diff.Path)
			if diff.Expected != nil {
				fmt.Printf("   Expected: %v\n", diff.Expected)
			}
			if diff.Actual != nil {
				fmt.Printf("   Actual:   %v\n", diff.Actual)
			}
		}
	}
}
