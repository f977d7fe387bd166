package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run speaker annotation jobs from the Redis enrichment queue",
	Long: `Consume enrichment jobs queued by "serve" or "ask" when populator.queue is
"redis", annotating speakers in stored chunks. Failed jobs are logged and
dropped. Requires TMDB_API_KEY for the cast list.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := logging.Component("worker")

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.AnnotationJob()
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("speaker annotation needs TMDB_API_KEY")
	}
	queue, err := a.Queue(ctx)
	if err != nil {
		return err
	}

	log.Info().Str("queue", cfg.Redis.QueueKey).Msg("worker started")
	err = queue.Consume(ctx, job)
	if errors.Is(err, context.Canceled) {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}
