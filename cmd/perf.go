package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocppsim/perf"

	"github.com/spf13/cobra"
)

var (
	perfURL         string
	perfSessions    int
	perfConcurrency int
	perfRamp        time.Duration
	perfHold        time.Duration
	perfFleetFile   string
)

var perfCmd = &cobra.Command{
	Use:   "perf",
	Short: "Run a load test against a central system",
	Long: `Spawn a fleet of simulated charge points against a central system under a
concurrency cap. Each session runs the full charging sequence: connect,
boot, authorize, start, meter, stop. Fleet identities are synthetic unless
a CSV file is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		runPerf()
	},
}

func init() {
	perfCmd.Flags().StringVar(&perfURL, "url", "", "central system URL (defaults to config)")
	perfCmd.Flags().IntVar(&perfSessions, "sessions", 10, "number of sessions to run")
	perfCmd.Flags().IntVar(&perfConcurrency, "concurrency", 0, "max concurrent sessions (defaults to config)")
	perfCmd.Flags().DurationVar(&perfRamp, "ramp", 0, "interval between admission ticks (defaults to config)")
	perfCmd.Flags().DurationVar(&perfHold, "hold", 0, "per-session charging hold duration (defaults to config)")
	perfCmd.Flags().StringVar(&perfFleetFile, "fleet", "", "CSV file with cpId,tagId rows (overrides --sessions)")

	rootCmd.AddCommand(perfCmd)
}

func runPerf() {
	cfg := loadConfig()

	url := perfURL
	if url == "" {
		url = cfg.OCPP.CentralSystemURL
	}
	concurrency := perfConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Perf.Concurrency
	}
	ramp := perfRamp
	if ramp <= 0 {
		ramp = cfg.Perf.RampInterval
	}
	hold := perfHold
	if hold <= 0 {
		hold = cfg.OCPP.HoldDuration
	}

	var fleet []perf.SessionSpec
	if perfFleetFile != "" {
		file, err := os.Open(perfFleetFile)
		if err != nil {
			log.Fatal("Failed to open fleet file:", err)
		}
		fleet, err = perf.ParseFleetCSV(file)
		file.Close()
		if err != nil {
			log.Fatal("Failed to parse fleet file:", err)
		}
	} else {
		fleet = perf.SyntheticFleet(perfSessions)
	}

	pool := perf.NewPool(perf.Config{
		URL:           url,
		Concurrency:   concurrency,
		RampInterval:  ramp,
		MeterInterval: cfg.OCPP.MeterInterval,
		HoldDuration:  hold,
		CallTimeout:   cfg.OCPP.CallTimeout,
		LatencyWindow: cfg.Perf.LatencyWindow,
	}, perf.NewMetrics(nil))

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Println("Stopping load test...")
		pool.Stop()
	}()

	fmt.Printf("Load test: %d sessions against %s (concurrency %d, ramp %v)\n",
		len(fleet), url, concurrency, ramp)

	if err := pool.Start(context.Background(), fleet); err != nil {
		log.Fatal("Failed to start load test:", err)
	}
	pool.Wait()

	status := pool.Status()
	fmt.Printf("\nLoad Test Summary:\n")
	fmt.Printf("Spawned:  %d\n", status.Spawned)
	fmt.Printf("Finished: %d\n", status.Finished)
	fmt.Printf("Errored:  %d\n", status.Errored)
	fmt.Printf("Messages: %d\n", status.Messages)
	fmt.Printf("Avg StartTransaction latency: %.1fms\n", status.AvgStartLatencyMs)

	if status.Errored > 0 {
		os.Exit(1)
	}
}
