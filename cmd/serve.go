package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/server"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the answer API over HTTP",
	Long: `Start the HTTP API.

Endpoints:
  POST /v1/answer  answer a question at a position in a movie or episode
  GET  /healthz    liveness check

Example request body:
  {"unit":{"tmdb_id":1399,"media_type":"tv","season_number":1,"episode_number":3},
   "cursor":"12:30","question":"Why did Jon leave?",
   "quota":{"remaining_free_questions":2,"coins_consumed":0}}`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "Listen address (overrides server.address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	companion, err := a.Companion(ctx)
	if err != nil {
		return err
	}

	address := cfg.Server.Address
	if serveAddress != "" {
		address = serveAddress
	}
	return server.New(address, companion).Run(ctx)
}
