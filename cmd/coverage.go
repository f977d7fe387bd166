package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

var (
	coverageAt   string
	coverageJSON bool
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Show how far indexed subtitles reach for a unit",
	Long: `Report the indexed time span of a unit and the cursor retrieval would use.

Examples:
  spoilerguard coverage --tmdb-id 603 --at 45:00
  spoilerguard coverage --tmdb-id 1399 --season 2 --episode 4 --at 1:02:00 --json`,
	Args: cobra.NoArgs,
	RunE: runCoverage,
}

func init() {
	rootCmd.AddCommand(coverageCmd)
	addUnitFlags(coverageCmd)
	coverageCmd.Flags().StringVar(&coverageAt, "at", "0", "Current position: seconds, mm:ss or h:mm:ss")
	coverageCmd.Flags().BoolVar(&coverageJSON, "json", false, "Print the result as JSON")
}

func runCoverage(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	unit, err := unitFromFlags(tmdbID, season, episode)
	if err != nil {
		return err
	}
	cursor, err := media.ParseCursor(coverageAt)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := rag.ComputeCoverage(ctx, a.chunks, unit, cursor)
	if err != nil {
		return err
	}

	if coverageJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	warnStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB86C"))

	switch {
	case !result.HasData:
		fmt.Println(warnStyle.Render(fmt.Sprintf("No chunks indexed for %s", unit)))
	case result.CoverageComplete:
		fmt.Println(okStyle.Render(fmt.Sprintf("%s: %d chunks, %s-%s, cursor %s covered",
			unit, result.ChunkCount,
			media.FormatTimestamp(result.MinAvailableSeconds), media.FormatTimestamp(result.MaxAvailableSeconds),
			media.FormatTimestamp(cursor))))
	default:
		fmt.Println(warnStyle.Render(fmt.Sprintf("%s: %d chunks, indexed only up to %s; cursor %s clamped to %s",
			unit, result.ChunkCount, media.FormatTimestamp(result.MaxAvailableSeconds),
			media.FormatTimestamp(cursor), media.FormatTimestamp(result.AdjustedCursorSeconds))))
	}
	return nil
}
