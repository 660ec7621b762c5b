package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"ocppsim/config"
	"ocppsim/recorder"
	"ocppsim/replay"
	"ocppsim/storage"
	"ocppsim/web"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ocppsim",
	Short: "OCPP 1.6 charge point simulator - record, replay and load test",
	Long: `Simulates fleets of OCPP 1.6 charge points against a central system.
Records live protocol traffic into replayable scenarios, replays them for
regression testing with structural comparison against the recorded baseline,
and drives concurrency-capped load tests.`,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config.yaml)")
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration:", err)
	}
	return cfg
}

func openStore(cfg *config.Config) *storage.Store {
	store, err := storage.NewStore(cfg.Storage.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}
	return store
}

func newReplayer(cfg *config.Config, store *storage.Store) *replay.Replayer {
	return replay.New(store, replay.Config{
		DefaultURL:  cfg.OCPP.CentralSystemURL,
		CallTimeout: cfg.OCPP.CallTimeout,
		Grace:       cfg.Replay.Grace,
	})
}

func runServe() {
	cfg := loadConfig()

	store := openStore(cfg)
	defer store.Close()

	rec := recorder.New(0)
	rep := newReplayer(cfg, store)
	server := web.NewServer(cfg, store, rec, rep)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		log.Println("Shutting down...")
		store.Close()
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal("Server failed:", err)
	}
}
