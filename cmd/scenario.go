package cmd

import (
	"fmt"
	"log"

	"ocppsim/export"

	"github.com/spf13/cobra"
)

var (
	scenarioOutputFile string
	scenarioInputFile  string
	scenarioName       string
)

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Manage recorded scenarios",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored scenarios",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		scenarios, err := store.ListScenarios()
		if err != nil {
			log.Fatal("Failed to list scenarios:", err)
		}

		if len(scenarios) == 0 {
			fmt.Println("No scenarios found.")
			return
		}

		fmt.Printf("%-38s %-24s %-8s %-20s %s\n", "ID", "Name", "Events", "Created", "Folder")
		for _, s := range scenarios {
			fmt.Printf("%-38s %-24s %-8d %-20s %s\n",
				s.ID,
				s.Name,
				s.EventCount,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
				s.Folder)
		}
	},
}

var scenarioExportCmd = &cobra.Command{
	Use:   "export <scenario-id>",
	Short: "Export a scenario to a JSON file",
	Long:  `Export a scenario, baseline included, to JSON for backup or CI/CD integration.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		manager := export.NewExportManager(cfg, store)
		if err := manager.ExportScenario(args[0], scenarioOutputFile); err != nil {
			log.Fatal("Failed to export scenario:", err)
		}

		fmt.Printf("Scenario '%s' exported to '%s'\n", args[0], scenarioOutputFile)
	},
}

var scenarioImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a scenario from a JSON file",
	Long:  `Import a previously exported scenario. The scenario gets a fresh id so existing scenarios are never overwritten.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		manager := export.NewExportManager(cfg, store)
		scenario, err := manager.ImportScenario(scenarioInputFile, scenarioName)
		if err != nil {
			log.Fatal("Failed to import scenario:", err)
		}

		fmt.Printf("Scenario imported as '%s' (%s)\n", scenario.Name, scenario.ID)
	},
}

var scenarioDeleteCmd = &cobra.Command{
	Use:   "delete <scenario-id>",
	Short: "Delete a scenario",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		if err := store.DeleteScenario(args[0]); err != nil {
			log.Fatal("Failed to delete scenario:", err)
		}

		fmt.Printf("Scenario '%s' deleted\n", args[0])
	},
}

func init() {
	scenarioExportCmd.Flags().StringVar(&scenarioOutputFile, "output", "", "output file path")
	scenarioExportCmd.MarkFlagRequired("output")

	scenarioImportCmd.Flags().StringVar(&scenarioInputFile, "input", "", "input file path")
	scenarioImportCmd.Flags().StringVar(&scenarioName, "name", "", "override the scenario name")
	scenarioImportCmd.MarkFlagRequired("input")

	scenarioCmd.AddCommand(scenarioListCmd)
	scenarioCmd.AddCommand(scenarioExportCmd)
	scenarioCmd.AddCommand(scenarioImportCmd)
	scenarioCmd.AddCommand(scenarioDeleteCmd)

	rootCmd.AddCommand(scenarioCmd)
}
