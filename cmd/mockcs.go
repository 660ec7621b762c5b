package cmd

import (
	"fmt"
	"log"
	"net/http"

	"ocppsim/mock"

	"github.com/spf13/cobra"
)

var mockListen string

var mockCmd = &cobra.Command{
	Use:   "mockcs",
	Short: "Run a standalone mock central system",
	Long: `Run an OCPP 1.6 central system that accepts any charge point and answers
every call with a canned result. Useful as a local target for recording and
load testing.`,
	Run: func(cmd *cobra.Command, args []string) {
		cs := mock.NewCentralSystem()
		fmt.Printf("Mock central system listening on ws://%s/ocpp/<cpId>\n", mockListen)
		if err := http.ListenAndServe(mockListen, cs); err != nil {
			log.Fatal("Mock central system failed:", err)
		}
	},
}

func init() {
	mockCmd.Flags().StringVar(&mockListen, "listen", "localhost:9000", "listen address")
	rootCmd.AddCommand(mockCmd)
}
