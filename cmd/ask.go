package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/orchestrator"
)

var (
	askAt      string
	askVerbose bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a spoiler-safe question about what you are watching",
	Long: `Ask a question about a movie or episode at your current position.

This command:
1. Checks how far indexed subtitles reach and clamps your position to it
2. Ingests missing episodes and generates prior-season digests
3. Retrieves the scenes just before your position plus related moments
4. Generates a cited answer using an LLM (OpenAI)

Required environment variables:
  OPENAI_API_KEY     - OpenAI API key for embeddings and LLM
  MILVUS_ADDRESS     - Milvus server address (default: localhost:19530)

Optional:
  TMDB_API_KEY, OPENSUBTITLES_API_KEY, TRANSCRIPTS_DIR, DATABASE_URL

Examples:
  spoilerguard ask --tmdb-id 603 --at 45:00 "Who is Morpheus?"
  spoilerguard ask --tmdb-id 1399 --season 1 --episode 3 --at 12:30 "Why did Jon leave?"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	addUnitFlags(askCmd)
	askCmd.Flags().StringVar(&askAt, "at", "0", "Current position: seconds, mm:ss or h:mm:ss")
	askCmd.Flags().BoolVar(&askVerbose, "verbose", false, "Show evidence and coverage details")
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := args[0]
	ctx, _ := logging.WithRequest(cmd.Context())

	unit, err := unitFromFlags(tmdbID, season, episode)
	if err != nil {
		return err
	}
	cursor, err := media.ParseCursor(askAt)
	if err != nil {
		return err
	}

	// Styling
	var (
		headerColor   = lipgloss.Color("#F780FF") // Bright pink
		questionColor = lipgloss.Color("#8BE9FD") // Cyan
		answerColor   = lipgloss.Color("#E9E9F4") // Light purple/white
		contextColor  = lipgloss.Color("#6272A4") // Muted purple
		errorColor    = lipgloss.Color("#FF5555") // Red
		warnColor     = lipgloss.Color("#FFB86C") // Orange
	)

	headerStyle := lipgloss.NewStyle().Foreground(headerColor).Bold(true)
	questionStyle := lipgloss.NewStyle().Foreground(questionColor).Italic(true)
	answerStyle := lipgloss.NewStyle().Foreground(answerColor)
	contextStyle := lipgloss.NewStyle().Foreground(contextColor).Italic(true)
	errorStyle := lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warnStyle := lipgloss.NewStyle().Foreground(warnColor)

	fmt.Println()
	fmt.Println(headerStyle.Render(fmt.Sprintf("Question (%s at %s):", unit, media.FormatTimestamp(cursor))))
	fmt.Println(questionStyle.Render(question))
	fmt.Println()

	if askVerbose {
		fmt.Println(contextStyle.Render("→ Connecting to stores..."))
	}
	a, err := newApp(ctx)
	if err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}
	defer a.Close()

	companion, err := a.Companion(ctx)
	if err != nil {
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}

	if askVerbose {
		fmt.Println(contextStyle.Render("→ Retrieving evidence and generating answer..."))
	}
	result, err := companion.Answer(ctx, orchestrator.AskRequest{
		Unit:          unit,
		CursorSeconds: cursor,
		Question:      question,
	})
	if err != nil {
		var answerErr *orchestrator.AnswerError
		if errors.As(err, &answerErr) {
			return fmt.Errorf("%s %s (%w)", errorStyle.Render("Error:"), answerErr.Message, err)
		}
		return fmt.Errorf("%s %w", errorStyle.Render("Error:"), err)
	}

	fmt.Println(headerStyle.Render("Answer:"))
	fmt.Println()
	fmt.Println(answerStyle.Render(strings.TrimSpace(result.Answer)))
	fmt.Println()

	if !result.CoverageComplete && result.MaxAvailableSeconds > 0 {
		fmt.Println(warnStyle.Render(fmt.Sprintf("Subtitles are only indexed up to %s.", media.FormatTimestamp(result.MaxAvailableSeconds))))
	}
	if askVerbose {
		fmt.Println(contextStyle.Render(fmt.Sprintf("Evidence chunks: %d, citations: %d", result.EvidenceCount, len(result.Citations))))
		for _, c := range result.Citations {
			fmt.Println(contextStyle.Render("  " + c.Raw))
		}
	}
	return nil
}
