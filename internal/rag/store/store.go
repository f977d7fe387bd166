// Package store persists season digests in Postgres with pgvector.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/Yates-Labs/spoilerguard/internal/media"
	"github.com/Yates-Labs/spoilerguard/internal/rag"
)

// Common errors for digest storage
var (
	ErrMissingDSN = errors.New("postgres dsn not set")
)

// seasonDigest is the season_digests row. (tmdb_id, season_number) is unique.
type seasonDigest struct {
	bun.BaseModel `bun:"table:season_digests,alias:sd"`

	ID               int64                  `bun:"id,pk,autoincrement"`
	TMDBID           int64                  `bun:"tmdb_id,notnull,unique:season_digests_key"`
	SeasonNumber     int                    `bun:"season_number,notnull,unique:season_digests_key"`
	SeasonName       string                 `bun:"season_name,notnull"`
	Overview         string                 `bun:"overview,notnull"`
	EpisodeSummaries []media.EpisodeSummary `bun:"episode_summaries,type:jsonb,notnull"`
	Embedding        pgvector.Vector        `bun:"embedding,notnull,type:vector(384)"`
	CreatedAt        time.Time              `bun:"created_at,nullzero,notnull,default:current_timestamp"`

	Similarity float64 `bun:"similarity,scanonly"`
}

func (r seasonDigest) toDigest() media.SeasonDigest {
	return media.SeasonDigest{
		ID:               r.ID,
		TMDBID:           r.TMDBID,
		SeasonNumber:     r.SeasonNumber,
		SeasonName:       r.SeasonName,
		Overview:         r.Overview,
		EpisodeSummaries: r.EpisodeSummaries,
		Embedding:        r.Embedding.Slice(),
	}
}

// PostgresConfig configures the digest database connection.
type PostgresConfig struct {
	DSN   string
	Debug bool // log every query through bundebug
}

// PostgresDigestStore implements rag.DigestStore on Postgres + pgvector.
type PostgresDigestStore struct {
	db        *bun.DB
	dimension int
}

// NewDB opens a bun handle for dsn. The connection is established lazily.
func NewDB(cfg PostgresConfig) (*bun.DB, error) {
	if cfg.DSN == "" {
		return nil, ErrMissingDSN
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db, nil
}

// NewPostgresDigestStore connects and creates the schema when missing.
func NewPostgresDigestStore(ctx context.Context, cfg PostgresConfig) (*PostgresDigestStore, error) {
	db, err := NewDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresDigestStore{db: db, dimension: rag.CompactDimension}
	if err := s.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the vector extension, the table and its indexes.
func (s *PostgresDigestStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}
	if _, err := s.db.NewCreateTable().Model((*seasonDigest)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create season_digests: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*seasonDigest)(nil)).
		Index("season_digests_embedding_idx").
		IfNotExists().
		Using("hnsw").
		ColumnExpr("embedding vector_cosine_ops").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create embedding index: %w", err)
	}
	return nil
}

// Insert stores digest unless the season already has one.
func (s *PostgresDigestStore) Insert(ctx context.Context, digest media.SeasonDigest) error {
	if len(digest.Embedding) != s.dimension {
		return fmt.Errorf("%w: expected %d, got %d", rag.ErrInvalidDimension, s.dimension, len(digest.Embedding))
	}
	episodes := digest.EpisodeSummaries
	if episodes == nil {
		episodes = []media.EpisodeSummary{}
	}

	row := &seasonDigest{
		TMDBID:           digest.TMDBID,
		SeasonNumber:     digest.SeasonNumber,
		SeasonName:       digest.SeasonName,
		Overview:         digest.Overview,
		EpisodeSummaries: episodes,
		Embedding:        pgvector.NewVector(digest.Embedding),
	}
	if _, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (tmdb_id, season_number) DO NOTHING").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to insert digest for season %d: %w", digest.SeasonNumber, err)
	}
	return nil
}

// Exists reports whether a digest is stored for the season.
func (s *PostgresDigestStore) Exists(ctx context.Context, tmdbID int64, season int) (bool, error) {
	exists, err := s.db.NewSelect().
		Model((*seasonDigest)(nil)).
		Where("sd.tmdb_id = ?", tmdbID).
		Where("sd.season_number = ?", season).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check digest: %w", err)
	}
	return exists, nil
}

// MissingSeasons lists seasons in [1, beforeSeason) with no stored digest.
func (s *PostgresDigestStore) MissingSeasons(ctx context.Context, tmdbID int64, beforeSeason int) ([]int, error) {
	if beforeSeason <= 1 {
		return nil, nil
	}
	var present []int
	err := s.db.NewSelect().
		Model((*seasonDigest)(nil)).
		Column("season_number").
		Where("sd.tmdb_id = ?", tmdbID).
		Where("sd.season_number < ?", beforeSeason).
		Scan(ctx, &present)
	if err != nil {
		return nil, fmt.Errorf("failed to list digests: %w", err)
	}
	return missingSeasons(present, beforeSeason), nil
}

func missingSeasons(present []int, beforeSeason int) []int {
	have := make(map[int]bool, len(present))
	for _, s := range present {
		have[s] = true
	}
	var missing []int
	for season := 1; season < beforeSeason; season++ {
		if !have[season] {
			missing = append(missing, season)
		}
	}
	return missing
}

// Search returns the k digests of seasons before beforeSeason closest to
// vector by cosine distance. Similarity is 1 - distance.
func (s *PostgresDigestStore) Search(ctx context.Context, tmdbID int64, beforeSeason int, vector []float32, k int) ([]rag.DigestMatch, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", rag.ErrInvalidDimension, s.dimension, len(vector))
	}
	if k <= 0 || beforeSeason <= 1 {
		return []rag.DigestMatch{}, nil
	}

	var rows []seasonDigest
	if err := s.searchQuery(&rows, tmdbID, beforeSeason, vector, k).Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to search digests: %w", err)
	}

	matches := make([]rag.DigestMatch, len(rows))
	for i, r := range rows {
		matches[i] = rag.DigestMatch{Digest: r.toDigest(), Similarity: r.Similarity}
	}
	return matches, nil
}

func (s *PostgresDigestStore) searchQuery(rows *[]seasonDigest, tmdbID int64, beforeSeason int, vector []float32, k int) *bun.SelectQuery {
	vec := pgvector.NewVector(vector)
	return s.db.NewSelect().
		Model(rows).
		ColumnExpr("sd.*").
		ColumnExpr("1 - (sd.embedding <=> ?) AS similarity", vec).
		Where("sd.tmdb_id = ?", tmdbID).
		Where("sd.season_number < ?", beforeSeason).
		OrderExpr("sd.embedding <=> ?", vec).
		Limit(k)
}

// Close releases resources and closes connections
func (s *PostgresDigestStore) Close() error {
	return s.db.Close()
}
