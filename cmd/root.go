package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/config"
	"github.com/Yates-Labs/spoilerguard/internal/logging"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "spoilerguard",
	Short: "Spoilerguard - spoiler-safe answers about what you are watching",
	Long: `Spoilerguard answers questions about a movie or TV episode using only
subtitle evidence up to the viewer's current position.

It ingests subtitles into a vector store, tracks how far indexed data reaches,
retrieves recent and relevant scenes, and asks an LLM for a cited answer.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("SPOILERGUARD_CONFIG")
		}
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// Execute runs the root command
func Execute() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
