package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// Common errors for Milvus operations
var (
	ErrConnectionFailed = errors.New("failed to connect to Milvus")
	ErrInsertFailed     = errors.New("failed to upsert chunks")
	ErrSearchFailed     = errors.New("failed to search vectors")
	ErrQueryFailed      = errors.New("failed to query chunks")
	ErrChunkNotFound    = errors.New("chunk not found")
)

// Column names of the chunk collection.
const (
	fieldID           = "id"
	fieldUnitKey      = "unit_key"
	fieldTMDBID       = "tmdb_id"
	fieldMediaType    = "media_type"
	fieldSeason       = "season"
	fieldEpisode      = "episode"
	fieldChunkIndex   = "chunk_index"
	fieldStartSeconds = "start_seconds"
	fieldEndSeconds   = "end_seconds"
	fieldContent      = "content"
	fieldEmbedded     = "embedded"
	fieldEmbedding    = "embedding"
)

var rowFields = []string{
	fieldID, fieldTMDBID, fieldMediaType, fieldSeason, fieldEpisode,
	fieldChunkIndex, fieldStartSeconds, fieldEndSeconds, fieldContent, fieldEmbedded,
}

// MilvusConfig holds configuration for Milvus connection and collection
type MilvusConfig struct {
	Address        string // Milvus server address (e.g., "localhost:19530")
	CollectionName string // Name of the collection
	Dimension      int    // Content-space vector dimension

	// HNSW index parameters
	M              int // HNSW M parameter (default: 16)
	EfConstruction int // HNSW efConstruction (default: 200)
	EfSearch       int // ef used at query time (default: 128)
}

// DefaultMilvusConfig returns the default local configuration
func DefaultMilvusConfig() MilvusConfig {
	return MilvusConfig{
		Address:        "localhost:19530",
		CollectionName: "subtitle_chunks",
		Dimension:      ContentDimension,
		M:              16,
		EfConstruction: 200,
		EfSearch:       128,
	}
}

// milvusClient is the subset of client.Client the store uses.
type milvusClient interface {
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string, vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Close() error
}

// MilvusChunkStore implements ChunkStore using Milvus
type MilvusChunkStore struct {
	client milvusClient
	config MilvusConfig
}

// NewMilvusChunkStore connects to Milvus and ensures the collection exists
// with the chunk schema.
func NewMilvusChunkStore(ctx context.Context, config MilvusConfig) (*MilvusChunkStore, error) {
	if config.Dimension <= 0 {
		return nil, ErrInvalidDimension
	}

	c, err := client.NewGrpcClient(ctx, config.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &MilvusChunkStore{
		client: c,
		config: config,
	}

	if err := store.ensureCollection(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the collection with schema if it doesn't exist
func (m *MilvusChunkStore) ensureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.config.CollectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}

	if !has {
		if err := m.client.CreateCollection(ctx, chunkSchema(m.config), entity.DefaultShardNumber); err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}

		idx, err := entity.NewIndexHNSW(entity.COSINE, m.config.M, m.config.EfConstruction)
		if err != nil {
			return fmt.Errorf("failed to create index config: %w", err)
		}
		if err := m.client.CreateIndex(ctx, m.config.CollectionName, fieldEmbedding, idx, false); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := m.client.LoadCollection(ctx, m.config.CollectionName, false); err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}
	return nil
}

// chunkSchema keys rows on the deterministic chunk id so upserts replace
// rather than duplicate.
func chunkSchema(config MilvusConfig) *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}
	scalar := func(name string, dt entity.FieldType) *entity.Field {
		return &entity.Field{Name: name, DataType: dt}
	}

	id := varchar(fieldID, 128)
	id.PrimaryKey = true

	return &entity.Schema{
		CollectionName: config.CollectionName,
		Description:    "subtitle chunks",
		AutoID:         false,
		Fields: []*entity.Field{
			id,
			varchar(fieldUnitKey, 64),
			scalar(fieldTMDBID, entity.FieldTypeInt64),
			varchar(fieldMediaType, 8),
			scalar(fieldSeason, entity.FieldTypeInt64),
			scalar(fieldEpisode, entity.FieldTypeInt64),
			scalar(fieldChunkIndex, entity.FieldTypeInt64),
			scalar(fieldStartSeconds, entity.FieldTypeDouble),
			scalar(fieldEndSeconds, entity.FieldTypeDouble),
			varchar(fieldContent, 65535),
			scalar(fieldEmbedded, entity.FieldTypeBool),
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(config.Dimension)},
			},
		},
	}
}

// placeholderVector stands in for a missing embedding. Rows carrying it have
// embedded == false and are filtered out of every search.
func (m *MilvusChunkStore) placeholderVector() []float32 {
	vec := make([]float32, m.config.Dimension)
	vec[0] = 1
	return vec
}

// Upsert writes chunks keyed on their deterministic id
func (m *MilvusChunkStore) Upsert(ctx context.Context, chunks []media.SubtitleChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	n := len(chunks)
	ids := make([]string, n)
	unitKeys := make([]string, n)
	tmdbIDs := make([]int64, n)
	mediaTypes := make([]string, n)
	seasons := make([]int64, n)
	episodes := make([]int64, n)
	indexes := make([]int64, n)
	starts := make([]float64, n)
	ends := make([]float64, n)
	contents := make([]string, n)
	embedded := make([]bool, n)
	vectors := make([][]float32, n)

	for i, c := range chunks {
		if c.Content == "" {
			return fmt.Errorf("%w: chunk %d of %s has empty content", ErrInsertFailed, c.ChunkIndex, c.Unit)
		}
		if c.Searchable() && len(c.Embedding) != m.config.Dimension {
			return fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, m.config.Dimension, len(c.Embedding))
		}
		id := c.ID
		if id == "" {
			id = media.ChunkID(c.Unit, c.ChunkIndex)
		}

		ids[i] = id
		unitKeys[i] = c.Unit.Key()
		tmdbIDs[i] = c.Unit.TMDBID
		mediaTypes[i] = string(c.Unit.Type)
		seasons[i] = int64(c.Unit.Season)
		episodes[i] = int64(c.Unit.Episode)
		indexes[i] = int64(c.ChunkIndex)
		starts[i] = c.StartSeconds
		ends[i] = c.EndSeconds
		contents[i] = c.Content
		embedded[i] = c.Searchable()
		if embedded[i] {
			vectors[i] = c.Embedding
		} else {
			vectors[i] = m.placeholderVector()
		}
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(fieldID, ids),
		entity.NewColumnVarChar(fieldUnitKey, unitKeys),
		entity.NewColumnInt64(fieldTMDBID, tmdbIDs),
		entity.NewColumnVarChar(fieldMediaType, mediaTypes),
		entity.NewColumnInt64(fieldSeason, seasons),
		entity.NewColumnInt64(fieldEpisode, episodes),
		entity.NewColumnInt64(fieldChunkIndex, indexes),
		entity.NewColumnDouble(fieldStartSeconds, starts),
		entity.NewColumnDouble(fieldEndSeconds, ends),
		entity.NewColumnVarChar(fieldContent, contents),
		entity.NewColumnBool(fieldEmbedded, embedded),
		entity.NewColumnFloatVector(fieldEmbedding, m.config.Dimension, vectors),
	}

	if _, err := m.client.Upsert(ctx, m.config.CollectionName, "", columns...); err != nil {
		return fmt.Errorf("%w: %v", ErrInsertFailed, err)
	}
	return nil
}

// ExistingIndexes maps stored chunk indexes of unit to their embedded flag
func (m *MilvusChunkStore) ExistingIndexes(ctx context.Context, unit media.MediaUnit) (map[int]bool, error) {
	chunks, embedded, err := m.query(ctx, unitExpr(unit), []string{fieldChunkIndex, fieldEmbedded})
	if err != nil {
		return nil, err
	}
	existing := make(map[int]bool, len(chunks))
	for i, c := range chunks {
		existing[c.ChunkIndex] = embedded[i]
	}
	return existing, nil
}

// TimeRanges returns the spans of all stored chunks of unit
func (m *MilvusChunkStore) TimeRanges(ctx context.Context, unit media.MediaUnit) ([]TimeRange, error) {
	chunks, _, err := m.query(ctx, unitExpr(unit), []string{fieldChunkIndex, fieldStartSeconds, fieldEndSeconds})
	if err != nil {
		return nil, err
	}
	ranges := make([]TimeRange, len(chunks))
	for i, c := range chunks {
		ranges[i] = TimeRange{ChunkIndex: c.ChunkIndex, StartSeconds: c.StartSeconds, EndSeconds: c.EndSeconds}
	}
	return ranges, nil
}

// AnchorWindow returns chunks overlapping [from, cursor] in ascending start order
func (m *MilvusChunkStore) AnchorWindow(ctx context.Context, unit media.MediaUnit, from, cursor float64, limit int) ([]media.SubtitleChunk, error) {
	expr := fmt.Sprintf("%s && %s <= %s && %s >= %s",
		unitExpr(unit), fieldStartSeconds, formatFloat(cursor), fieldEndSeconds, formatFloat(from))
	chunks, _, err := m.query(ctx, expr, rowFields)
	if err != nil {
		return nil, err
	}
	sortByStart(chunks)
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

// Latest returns the latest-ending chunks starting at or before maxStart
func (m *MilvusChunkStore) Latest(ctx context.Context, unit media.MediaUnit, maxStart float64, limit int) ([]media.SubtitleChunk, error) {
	expr := unitExpr(unit)
	if !math.IsInf(maxStart, 1) {
		expr = fmt.Sprintf("%s && %s <= %s", expr, fieldStartSeconds, formatFloat(maxStart))
	}
	chunks, _, err := m.query(ctx, expr, rowFields)
	if err != nil {
		return nil, err
	}
	return LatestEnding(chunks, limit), nil
}

// Search performs top-K similarity search over embedded chunks in scope
func (m *MilvusChunkStore) Search(ctx context.Context, vector []float32, topK int, opts SearchOptions) ([]ScoredChunk, error) {
	if len(vector) != m.config.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrInvalidDimension, m.config.Dimension, len(vector))
	}
	if topK <= 0 {
		return []ScoredChunk{}, nil
	}

	sp, err := entity.NewIndexHNSWSearchParam(m.efSearch(topK))
	if err != nil {
		return nil, fmt.Errorf("failed to create search params: %w", err)
	}

	results, err := m.client.Search(
		ctx,
		m.config.CollectionName,
		nil, // partition names
		SearchExpr(opts),
		rowFields,
		[]entity.Vector{entity.FloatVector(vector)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if len(results) == 0 || results[0].ResultCount == 0 {
		return []ScoredChunk{}, nil
	}

	result := results[0]
	chunks, _, err := decodeChunks(result.Fields, result.ResultCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}

	scored := make([]ScoredChunk, len(chunks))
	for i, c := range chunks {
		scored[i] = ScoredChunk{Chunk: c, Similarity: float64(result.Scores[i])}
	}
	return scored, nil
}

// ListUnit returns every chunk of unit, with embeddings, by chunk index
func (m *MilvusChunkStore) ListUnit(ctx context.Context, unit media.MediaUnit) ([]media.SubtitleChunk, error) {
	fields := append(append([]string{}, rowFields...), fieldEmbedding)
	chunks, _, err := m.query(ctx, unitExpr(unit), fields)
	if err != nil {
		return nil, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

// UpdateContent rewrites chunk content and keeps every other stored field
func (m *MilvusChunkStore) UpdateContent(ctx context.Context, unit media.MediaUnit, contents map[int]string) error {
	if len(contents) == 0 {
		return nil
	}
	stored, err := m.ListUnit(ctx, unit)
	if err != nil {
		return err
	}

	updated := make([]media.SubtitleChunk, 0, len(contents))
	for _, c := range stored {
		content, ok := contents[c.ChunkIndex]
		if !ok {
			continue
		}
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("%w: empty content for chunk %d", ErrInsertFailed, c.ChunkIndex)
		}
		c.Content = content
		updated = append(updated, c)
	}
	if len(updated) != len(contents) {
		return fmt.Errorf("%w: %d of %d chunks of %s", ErrChunkNotFound, len(contents)-len(updated), len(contents), unit)
	}
	return m.Upsert(ctx, updated)
}

// HasChunks reports whether any chunk is stored for unit
func (m *MilvusChunkStore) HasChunks(ctx context.Context, unit media.MediaUnit) (bool, error) {
	result, err := m.client.Query(ctx, m.config.CollectionName, nil, unitExpr(unit), []string{fieldID},
		client.WithLimit(1),
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	for _, col := range result {
		if col.Name() == fieldID {
			return col.Len() > 0, nil
		}
	}
	return false, nil
}

// Close releases resources and closes the Milvus connection
func (m *MilvusChunkStore) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

func (m *MilvusChunkStore) query(ctx context.Context, expr string, fields []string) ([]media.SubtitleChunk, []bool, error) {
	result, err := m.client.Query(ctx, m.config.CollectionName, nil, expr, fields,
		client.WithSearchQueryConsistencyLevel(entity.ClStrong),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	rows := 0
	if len(result) > 0 {
		rows = result[0].Len()
	}
	chunks, embedded, err := decodeChunks(result, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return chunks, embedded, nil
}

func (m *MilvusChunkStore) efSearch(topK int) int {
	ef := m.config.EfSearch
	if ef < topK {
		ef = topK
	}
	return ef
}

// unitExpr filters rows of exactly one media unit.
func unitExpr(unit media.MediaUnit) string {
	return fmt.Sprintf(`%s == "%s"`, fieldUnitKey, unit.Key())
}

// SearchExpr builds the boolean filter for a scoped similarity search. Chunks
// of the current unit past MaxStartSeconds never match.
func SearchExpr(opts SearchOptions) string {
	unit := opts.Unit
	scopes := []string{
		fmt.Sprintf("(%s && %s <= %s)", unitExpr(unit), fieldStartSeconds, formatFloat(opts.MaxStartSeconds)),
	}

	if unit.IsTV() {
		title := fmt.Sprintf(`%s == %d && %s == "%s"`, fieldTMDBID, unit.TMDBID, fieldMediaType, media.TV)
		switch {
		case opts.PriorSeasons:
			scopes = append(scopes, fmt.Sprintf("(%s && (%s < %d || (%s == %d && %s < %d)))",
				title, fieldSeason, unit.Season, fieldSeason, unit.Season, fieldEpisode, unit.Episode))
		case opts.PriorEpisodes:
			scopes = append(scopes, fmt.Sprintf("(%s && %s == %d && %s < %d)",
				title, fieldSeason, unit.Season, fieldEpisode, unit.Episode))
		}
	}

	return fmt.Sprintf("%s == true && (%s)", fieldEmbedded, strings.Join(scopes, " || "))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// decodeChunks converts column-oriented results into chunks plus each row's
// embedded flag. Columns absent from the result leave their fields zero; the
// vector is attached only to rows flagged as embedded.
func decodeChunks(columns []entity.Column, rows int) ([]media.SubtitleChunk, []bool, error) {
	chunks := make([]media.SubtitleChunk, rows)
	embedded := make([]bool, rows)
	for i := range embedded {
		embedded[i] = true
	}
	var vectors [][]float32

	for _, col := range columns {
		if col.Len() < rows {
			return nil, nil, fmt.Errorf("column %s has %d rows, expected %d", col.Name(), col.Len(), rows)
		}
		switch c := col.(type) {
		case *entity.ColumnVarChar:
			data := c.Data()
			for i := 0; i < rows; i++ {
				switch c.Name() {
				case fieldID:
					chunks[i].ID = data[i]
				case fieldMediaType:
					chunks[i].Unit.Type = media.MediaType(data[i])
				case fieldContent:
					chunks[i].Content = data[i]
				}
			}
		case *entity.ColumnInt64:
			data := c.Data()
			for i := 0; i < rows; i++ {
				switch c.Name() {
				case fieldTMDBID:
					chunks[i].Unit.TMDBID = data[i]
				case fieldSeason:
					chunks[i].Unit.Season = int(data[i])
				case fieldEpisode:
					chunks[i].Unit.Episode = int(data[i])
				case fieldChunkIndex:
					chunks[i].ChunkIndex = int(data[i])
				}
			}
		case *entity.ColumnDouble:
			data := c.Data()
			for i := 0; i < rows; i++ {
				switch c.Name() {
				case fieldStartSeconds:
					chunks[i].StartSeconds = data[i]
				case fieldEndSeconds:
					chunks[i].EndSeconds = data[i]
				}
			}
		case *entity.ColumnBool:
			if c.Name() == fieldEmbedded {
				copy(embedded, c.Data()[:rows])
			}
		case *entity.ColumnFloatVector:
			if c.Name() == fieldEmbedding {
				vectors = c.Data()
			}
		}
	}

	if vectors != nil {
		for i := range chunks {
			if embedded[i] {
				chunks[i].Embedding = vectors[i]
			}
		}
	}
	return chunks, embedded, nil
}

func sortByStart(chunks []media.SubtitleChunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].StartSeconds != chunks[j].StartSeconds {
			return chunks[i].StartSeconds < chunks[j].StartSeconds
		}
		return chunks[i].ChunkIndex < chunks[j].ChunkIndex
	})
}

// LatestEnding keeps the limit chunks with the latest end times and returns
// them in ascending start order.
func LatestEnding(chunks []media.SubtitleChunk, limit int) []media.SubtitleChunk {
	out := make([]media.SubtitleChunk, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EndSeconds != out[j].EndSeconds {
			return out[i].EndSeconds > out[j].EndSeconds
		}
		return out[i].ChunkIndex > out[j].ChunkIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	sortByStart(out)
	return out
}
