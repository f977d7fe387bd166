package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Yates-Labs/spoilerguard/internal/enrich"
	"github.com/Yates-Labs/spoilerguard/internal/ingest/subtitle"
	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/metadata/tmdb"
	"github.com/Yates-Labs/spoilerguard/internal/narrative"
	"github.com/Yates-Labs/spoilerguard/internal/orchestrator"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
	"github.com/Yates-Labs/spoilerguard/internal/rag/store"
	"github.com/Yates-Labs/spoilerguard/internal/transcript"
)

// app holds the collaborators built from cfg. Optional parts stay nil when
// their credentials are missing.
type app struct {
	chunks      *rag.MilvusChunkStore
	embedder    *rag.OpenAIEmbedder
	chunker     *subtitle.Chunker
	transcripts transcript.Chain

	digests  *store.PostgresDigestStore
	compact  *rag.CompactEmbedder
	tmdb     *tmdb.Client
	llm      *narrative.OpenAILLM
	queue    *enrich.RedisQueue
	detached *enrich.DetachedDispatcher
}

func newApp(ctx context.Context) (*app, error) {
	a := &app{chunker: subtitle.NewChunker(cfg.Chunking)}
	log := logging.Component("app")

	embedder, err := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
		APIKey:    cfg.OpenAI.APIKey,
		BaseURL:   cfg.OpenAI.BaseURL,
		Model:     cfg.OpenAI.EmbeddingModel,
		Dimension: cfg.Milvus.Dimension,
		Retry:     cfg.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	a.embedder = embedder

	chunks, err := rag.NewMilvusChunkStore(ctx, rag.MilvusConfig{
		Address:        cfg.Milvus.Address,
		CollectionName: cfg.Milvus.Collection,
		Dimension:      cfg.Milvus.Dimension,
		M:              cfg.Milvus.HNSWM,
		EfConstruction: cfg.Milvus.EfConstruction,
		EfSearch:       cfg.Milvus.EfSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk store: %w", err)
	}
	a.chunks = chunks

	if cfg.Transcripts.Dir != "" {
		a.transcripts = append(a.transcripts, transcript.DirProvider{Dir: cfg.Transcripts.Dir})
	}
	if cfg.OpenSubtitles.APIKey != "" {
		provider, err := transcript.NewOpenSubtitlesProvider(transcript.OpenSubtitlesConfig{
			APIKey:    cfg.OpenSubtitles.APIKey,
			UserAgent: cfg.OpenSubtitles.UserAgent,
			BaseURL:   cfg.OpenSubtitles.BaseURL,
			Languages: cfg.OpenSubtitles.Languages,
			Policy:    cfg.Retry,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.transcripts = append(a.transcripts, provider)
	}
	if len(a.transcripts) == 0 {
		log.Warn().Msg("no transcript source configured; missing units cannot be ingested")
	}

	if cfg.TMDB.APIKey != "" {
		client, err := tmdb.New(cfg.TMDB.APIKey, cfg.TMDB.BaseURL, cfg.TMDB.Language, tmdb.WithRetryPolicy(cfg.Retry))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tmdb = client
	}

	if cfg.Postgres.DSN != "" {
		digests, err := store.NewPostgresDigestStore(ctx, store.PostgresConfig{DSN: cfg.Postgres.DSN, Debug: cfg.Postgres.Debug})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create digest store: %w", err)
		}
		a.digests = digests

		compact, err := rag.NewCompactEmbedder(rag.CompactEmbedderConfig{
			ServerURL: cfg.Compact.ServerURL,
			Model:     cfg.Compact.Model,
			Dimension: rag.CompactDimension,
			Retry:     cfg.Retry,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create compact embedder: %w", err)
		}
		a.compact = compact
	} else {
		log.Info().Msg("DATABASE_URL not set; season digests disabled")
	}

	return a, nil
}

// LLM builds the chat client on first use.
func (a *app) LLM() (*narrative.OpenAILLM, error) {
	if a.llm != nil {
		return a.llm, nil
	}
	llm, err := narrative.NewOpenAILLM(narrative.LLMConfig{
		Model:       cfg.OpenAI.ChatModel,
		Temperature: cfg.OpenAI.Temperature,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
	}, cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM: %w", err)
	}
	a.llm = llm
	return llm, nil
}

// AnnotationJob returns the speaker annotation pass, or nil without TMDB.
func (a *app) AnnotationJob() (enrich.Job, error) {
	if a.tmdb == nil {
		return nil, nil
	}
	llm, err := a.LLM()
	if err != nil {
		return nil, err
	}
	annotator, err := enrich.NewSpeakerAnnotator(a.chunks, a.tmdb, llm, 4)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, unit media.MediaUnit) error {
		_, err := annotator.Annotate(ctx, unit)
		return err
	}, nil
}

// Queue connects to the Redis enrichment queue.
func (a *app) Queue(ctx context.Context) (*enrich.RedisQueue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	queue, err := enrich.ConnectRedis(ctx, enrich.RedisConfig{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		Key:       cfg.Redis.QueueKey,
		DedupeTTL: cfg.Redis.DedupeTTL,
	})
	if err != nil {
		return nil, err
	}
	a.queue = queue
	return queue, nil
}

// Dispatcher selects the enrichment dispatcher from populator.queue.
func (a *app) Dispatcher(ctx context.Context) (enrich.Dispatcher, error) {
	switch cfg.Populator.Queue {
	case "redis":
		queue, err := a.Queue(ctx)
		if err != nil {
			return nil, err
		}
		return queue, nil
	case "detached":
		job, err := a.AnnotationJob()
		if err != nil || job == nil {
			return nil, err
		}
		a.detached = enrich.NewDetachedDispatcher(job, cfg.Populator.EnrichmentTimeout)
		return a.detached, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown enrichment queue %q", cfg.Populator.Queue)
	}
}

// Populator wires the cache populator. Enrichment is disabled when
// withEnrichment is false.
func (a *app) Populator(ctx context.Context, withEnrichment bool) (*orchestrator.Populator, error) {
	p := &orchestrator.Populator{
		Chunks:      a.chunks,
		Transcripts: a.transcripts,
		Chunker:     a.chunker,
		Embedder:    a.embedder,
		Config: orchestrator.PopulatorConfig{
			IngestDelay:     cfg.Populator.IngestDelay,
			MaxPriorSeasons: cfg.Populator.MaxPriorSeasons,
			EmbedBatchSize:  cfg.Populator.EmbedBatchSize,
		},
	}
	if a.digests != nil && a.tmdb != nil {
		p.Digests = a.digests
		p.Seasons = a.tmdb
		p.CompactEmbedder = a.compact
	}
	if withEnrichment {
		dispatcher, err := a.Dispatcher(ctx)
		if err != nil {
			return nil, err
		}
		if dispatcher != nil {
			p.Dispatcher = dispatcher
		}
	}
	return p, nil
}

// Companion wires the full question pipeline.
func (a *app) Companion(ctx context.Context) (*orchestrator.Companion, error) {
	populator, err := a.Populator(ctx, true)
	if err != nil {
		return nil, err
	}
	hybrid, err := rag.NewHybridRetriever(a.chunks, cfg.Retrieval)
	if err != nil {
		return nil, err
	}
	llm, err := a.LLM()
	if err != nil {
		return nil, err
	}

	c := &orchestrator.Companion{
		Chunks:      a.chunks,
		Populator:   populator,
		Embedder:    a.embedder,
		Hybrid:      hybrid,
		Synthesizer: narrative.NewSynthesizer(llm, llm.Model()),
	}
	if a.digests != nil {
		retriever, err := rag.NewDigestRetriever(a.digests, cfg.Digests)
		if err != nil {
			return nil, err
		}
		c.Digests = retriever
		c.CompactEmbedder = a.compact
	}
	if a.tmdb != nil {
		c.Metadata = a.tmdb
	}
	return c, nil
}

// Close waits for detached enrichment and releases connections.
func (a *app) Close() error {
	if a.detached != nil {
		a.detached.Wait()
	}
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.digests != nil {
		errs = append(errs, a.digests.Close())
	}
	if a.chunks != nil {
		errs = append(errs, a.chunks.Close())
	}
	return errors.Join(errs...)
}

var (
	tmdbID  int64
	season  int
	episode int
)

func addUnitFlags(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&tmdbID, "tmdb-id", 0, "TMDB id of the movie or series")
	cmd.Flags().IntVar(&season, "season", 0, "Season number (TV only)")
	cmd.Flags().IntVar(&episode, "episode", 0, "Episode number (TV only)")
	_ = cmd.MarkFlagRequired("tmdb-id")
}

// unitFromFlags returns a movie unless a season or episode is given.
func unitFromFlags(id int64, season, episode int) (media.MediaUnit, error) {
	unit := media.NewMovie(id)
	if season != 0 || episode != 0 {
		unit = media.NewEpisode(id, season, episode)
	}
	if err := unit.Validate(); err != nil {
		return media.MediaUnit{}, err
	}
	return unit, nil
}
