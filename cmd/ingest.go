package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

var (
	ingestFile     string
	ingestForce    bool
	ingestBackfill bool
	ingestJSON     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest subtitles for a movie or episode",
	Long: `Parse, chunk and embed the subtitles of one unit into the chunk store.

The subtitle document comes from --file, or from the configured transcript
sources (TRANSCRIPTS_DIR, then OpenSubtitles). Chunks already embedded are
skipped unless --force is given.

Examples:
  spoilerguard ingest --tmdb-id 603 --file matrix.srt
  spoilerguard ingest --tmdb-id 1399 --season 1 --episode 2
  spoilerguard ingest --tmdb-id 1399 --season 1 --episode 2 --backfill`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	addUnitFlags(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "Read the SRT document from this file")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "Re-embed chunks that already have a vector")
	ingestCmd.Flags().BoolVar(&ingestBackfill, "backfill", false, "Only embed stored chunks that have no vector")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "Print the result as JSON")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	unit, err := unitFromFlags(tmdbID, season, episode)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := rag.DefaultIndexOptions()
	if cfg.Populator.EmbedBatchSize > 0 {
		opts.BatchSize = cfg.Populator.EmbedBatchSize
	}
	opts.ForceReembed = ingestForce

	var result rag.IngestResult
	if ingestBackfill {
		result, err = rag.Backfill(ctx, unit, a.embedder, a.chunks, opts)
	} else {
		var doc string
		if ingestFile != "" {
			data, readErr := os.ReadFile(ingestFile)
			if readErr != nil {
				return fmt.Errorf("failed to read subtitle file: %w", readErr)
			}
			doc = string(data)
		} else if doc, err = a.transcripts.Fetch(ctx, unit); err != nil {
			return fmt.Errorf("failed to fetch transcript for %s: %w", unit, err)
		}
		result, err = rag.IngestUnit(ctx, unit, doc, a.chunker, a.embedder, a.chunks, opts)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if ingestJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#8BE9FD")).Width(12)
	successStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))

	fmt.Println(successStyle.Render(fmt.Sprintf("✓ Ingested %s", unit)))
	rows := []struct {
		label string
		value int
	}{
		{"Lines", result.Lines},
		{"Chunks", result.Chunks},
		{"Skipped", result.Skipped},
		{"Embedded", result.Embedded},
		{"Unembedded", result.Unembedded},
	}
	for _, row := range rows {
		fmt.Printf("%s %d\n", labelStyle.Render(row.label), row.value)
	}
	return nil
}
