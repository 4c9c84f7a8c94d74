package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"finrag/internal/domain"
	"finrag/internal/filter"
	"finrag/internal/port"
)

var collectionName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PostgresStore implements port.VectorStore and port.LexicalIndex on a
// pgvector-enabled Postgres database. Each collection is one table.
type PostgresStore struct {
	db        *sql.DB
	table     string
	dimension int
}

// NewPostgresStore connects with dsn and creates the collection table.
func NewPostgresStore(ctx context.Context, dsn, collection string, dimension int) (*PostgresStore, error) {
	if !collectionName.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q", collection)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("postgres store needs a positive embedding dimension, got %d", dimension)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	s := &PostgresStore{db: db, table: collection, dimension: dimension}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if err := s.createTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTable(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding vector(%d) NOT NULL,
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
		)`, s.table, s.dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_tsv_idx ON %s USING GIN (tsv)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_metadata_idx ON %s USING GIN (metadata)`, s.table, s.table),
		`CREATE TABLE IF NOT EXISTS finrag_embedding_spaces (
			collection TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			dimension INT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create collection %s: %w", s.table, err)
		}
	}
	return nil
}

// GuardEmbeddingSpace records want for the collection on first use and
// rejects a different space afterwards.
func (s *PostgresStore) GuardEmbeddingSpace(ctx context.Context, want EmbeddingSpace) error {
	var have EmbeddingSpace
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, model, dimension FROM finrag_embedding_spaces WHERE collection = $1`,
		s.table,
	).Scan(&have.Provider, &have.Model, &have.Dimension)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO finrag_embedding_spaces (collection, provider, model, dimension) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (collection) DO NOTHING`,
			s.table, want.Provider, want.Model, want.Dimension,
		)
		return err
	}
	if err != nil {
		return err
	}
	if have != want {
		return fmt.Errorf("%w: stored %s/%s (%d), configured %s/%s (%d)",
			domain.ErrEmbeddingSpaceMismatch,
			have.Provider, have.Model, have.Dimension,
			want.Provider, want.Model, want.Dimension)
	}
	return nil
}

// AddDocuments upserts chunks and vectors in one transaction.
func (s *PostgresStore) AddDocuments(ctx context.Context, chunks []domain.Chunk, embeddings [][]float32) ([]string, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("%w: %d chunks, %d embeddings", domain.ErrEmbeddingCountMismatch, len(chunks), len(embeddings))
	}
	for i, vec := range embeddings {
		if len(vec) != s.dimension {
			return nil, fmt.Errorf("%w: expected %d, got %d at index %d", domain.ErrDimensionMismatch, s.dimension, len(vec), i)
		}
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, content, metadata, embedding) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
		s.table))
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		md, err := json.Marshal(c.Metadata.Map())
		if err != nil {
			return nil, err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.Text, md, pgvector.NewVector(embeddings[i])); err != nil {
			return nil, fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
		ids[i] = c.ID
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// QueryByEmbedding orders by pgvector cosine distance.
func (s *PostgresStore) QueryByEmbedding(ctx context.Context, vector []float32, n int, where, whereDocument *filter.Clause) (port.QueryResponse, error) {
	if n <= 0 {
		return port.QueryResponse{}, nil
	}
	if len(vector) != s.dimension {
		return port.QueryResponse{}, fmt.Errorf("%w: query has %d, collection has %d", domain.ErrDimensionMismatch, len(vector), s.dimension)
	}

	args := []any{pgvector.NewVector(vector)}
	cond, args, err := buildSQLWhere(where, whereDocument, args)
	if err != nil {
		return port.QueryResponse{}, err
	}
	args = append(args, n)
	query := fmt.Sprintf(
		`SELECT id, content, metadata, embedding <=> $1 AS distance FROM %s WHERE %s ORDER BY distance, id LIMIT $%d`,
		s.table, cond, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return port.QueryResponse{}, fmt.Errorf("similarity query failed: %w", err)
	}
	defer rows.Close()

	var resp port.QueryResponse
	for rows.Next() {
		var (
			id, content string
			raw         []byte
			distance    float64
		)
		if err := rows.Scan(&id, &content, &raw, &distance); err != nil {
			return port.QueryResponse{}, err
		}
		md, err := decodeMetadata(raw)
		if err != nil {
			return port.QueryResponse{}, err
		}
		resp.IDs = append(resp.IDs, id)
		resp.Documents = append(resp.Documents, content)
		resp.Metadatas = append(resp.Metadatas, md)
		resp.Distances = append(resp.Distances, distance)
	}
	return resp, rows.Err()
}

// Search implements port.LexicalIndex with Postgres full text ranking.
func (s *PostgresStore) Search(ctx context.Context, query string, k int, where, whereDocument *filter.Clause) ([]domain.ScoredChunk, error) {
	if strings.TrimSpace(query) == "" || k <= 0 {
		return nil, nil
	}

	args := []any{query}
	cond, args, err := buildSQLWhere(where, whereDocument, args)
	if err != nil {
		return nil, err
	}
	args = append(args, k)
	q := fmt.Sprintf(
		`SELECT id, content, metadata, ts_rank(tsv, plainto_tsquery('english', $1)) AS rank
		 FROM %s WHERE tsv @@ plainto_tsquery('english', $1) AND %s
		 ORDER BY rank DESC, id LIMIT $%d`,
		s.table, cond, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical query failed: %w", err)
	}
	defer rows.Close()

	var results []domain.ScoredChunk
	for rows.Next() {
		var (
			id, content string
			raw         []byte
			score       float64
		)
		if err := rows.Scan(&id, &content, &raw, &score); err != nil {
			return nil, err
		}
		md, err := decodeMetadata(raw)
		if err != nil {
			return nil, err
		}
		results = append(results, domain.ScoredChunk{
			Chunk: domain.Chunk{ID: id, Text: content, Metadata: domain.MetadataFromMap(md)},
			Score: score,
			Rank:  len(results),
		})
	}
	return results, rows.Err()
}

// GetByIDs returns the stored chunks in the order of ids.
func (s *PostgresStore) GetByIDs(ctx context.Context, ids []string) (port.QueryResponse, error) {
	if len(ids) == 0 {
		return port.QueryResponse{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, content, metadata FROM %s WHERE id = ANY($1)`, s.table),
		pq.Array(ids))
	if err != nil {
		return port.QueryResponse{}, err
	}
	defer rows.Close()

	type row struct {
		content string
		md      map[string]string
	}
	found := make(map[string]row, len(ids))
	for rows.Next() {
		var (
			id, content string
			raw         []byte
		)
		if err := rows.Scan(&id, &content, &raw); err != nil {
			return port.QueryResponse{}, err
		}
		md, err := decodeMetadata(raw)
		if err != nil {
			return port.QueryResponse{}, err
		}
		found[id] = row{content: content, md: md}
	}
	if err := rows.Err(); err != nil {
		return port.QueryResponse{}, err
	}

	var resp port.QueryResponse
	for _, id := range ids {
		r, ok := found[id]
		if !ok {
			continue
		}
		resp.IDs = append(resp.IDs, id)
		resp.Documents = append(resp.Documents, r.content)
		resp.Metadatas = append(resp.Metadatas, r.md)
	}
	return resp, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

// DeleteCollection truncates the collection. The embedding space record is kept.
func (s *PostgresStore) DeleteCollection(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s`, s.table))
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	md := make(map[string]string)
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("corrupt metadata: %w", err)
	}
	return md, nil
}

// buildSQLWhere renders both clauses as one SQL condition, appending the
// bound values to args. Dates are stored as YYYY-MM-DD so text comparison
// orders them chronologically.
func buildSQLWhere(where, whereDocument *filter.Clause, args []any) (string, []any, error) {
	parts := []string{"TRUE"}
	var err error
	if where != nil {
		var cond string
		cond, args, err = clauseSQL(*where, args)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, cond)
	}
	if whereDocument != nil {
		var cond string
		cond, args, err = clauseSQL(*whereDocument, args)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, cond)
	}
	return strings.Join(parts, " AND "), args, nil
}

func clauseSQL(c filter.Clause, args []any) (string, []any, error) {
	switch c.Op {
	case filter.OpAnd:
		conds := make([]string, 0, len(c.And))
		for _, child := range c.And {
			var cond string
			var err error
			cond, args, err = clauseSQL(child, args)
			if err != nil {
				return "", nil, err
			}
			conds = append(conds, cond)
		}
		return "(" + strings.Join(conds, " AND ") + ")", args, nil
	case filter.OpContains:
		args = append(args, c.Value)
		return fmt.Sprintf("position(lower($%d) in lower(content)) > 0", len(args)), args, nil
	case filter.OpEq, filter.OpGte, filter.OpLte:
		ops := map[filter.Operator]string{filter.OpEq: "=", filter.OpGte: ">=", filter.OpLte: "<="}
		args = append(args, c.Field, c.Value)
		return fmt.Sprintf("metadata->>$%d %s $%d", len(args)-1, ops[c.Op], len(args)), args, nil
	default:
		return "", nil, fmt.Errorf("%w: unsupported operator %s", domain.ErrInvalidFilter, c.Op)
	}
}
