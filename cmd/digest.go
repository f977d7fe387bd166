package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Generate season digests for the seasons before --season",
	Long: `Build, embed and store the digest of every season before --season that
does not have one yet. Requires DATABASE_URL and TMDB_API_KEY.

Example:
  spoilerguard digest --tmdb-id 1399 --season 4`,
	Args: cobra.NoArgs,
	RunE: runDigest,
}

func init() {
	rootCmd.AddCommand(digestCmd)
	digestCmd.Flags().Int64Var(&tmdbID, "tmdb-id", 0, "TMDB id of the series")
	digestCmd.Flags().IntVar(&season, "season", 0, "Current season; digests are built for earlier ones")
	_ = digestCmd.MarkFlagRequired("tmdb-id")
	_ = digestCmd.MarkFlagRequired("season")
}

func runDigest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if tmdbID <= 0 || season <= 1 {
		return fmt.Errorf("--tmdb-id must be positive and --season greater than 1")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.digests == nil || a.tmdb == nil {
		return fmt.Errorf("digests need DATABASE_URL and TMDB_API_KEY")
	}

	missing, err := a.digests.MissingSeasons(ctx, tmdbID, season)
	if err != nil {
		return err
	}

	successStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	mutedStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4")).Italic(true)
	if len(missing) == 0 {
		fmt.Println(mutedStyle.Render("All prior seasons already have digests"))
		return nil
	}

	for _, s := range missing {
		inserted, err := rag.GenerateSeasonDigest(ctx, tmdbID, s, a.tmdb, a.compact, a.digests)
		if err != nil {
			return err
		}
		if inserted {
			fmt.Println(successStyle.Render(fmt.Sprintf("✓ Season %d digest stored", s)))
		} else {
			fmt.Println(mutedStyle.Render(fmt.Sprintf("Season %d already present", s)))
		}
	}
	return nil
}
