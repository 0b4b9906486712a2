package repository

import (
	"context"
	"fmt"
	"strings"

	"policyscan-backend/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// KnowledgeRepository handles read access to the compliance knowledge base.
// It exposes both retrieval paths: approximate nearest-neighbor search over
// the pgvector index, and a recency-ordered relational listing used as the
// degraded path. The repository never writes during analysis.
type KnowledgeRepository struct {
	db *pgxpool.Pool
}

// NewKnowledgeRepository creates a new knowledge repository
func NewKnowledgeRepository(db *pgxpool.Pool) *KnowledgeRepository {
	return &KnowledgeRepository{db: db}
}

// formatVector formats an embedding vector as a string for pgx
func formatVector(embedding []float64) string {
	if len(embedding) == 0 {
		return "[]"
	}
	var parts []string
	for _, v := range embedding {
		parts = append(parts, fmt.Sprintf("%.6f", v))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// HasVectorIndex reports whether vector search is usable: the pgvector
// extension must be installed and the knowledge base must carry embeddings.
func (r *KnowledgeRepository) HasVectorIndex(ctx context.Context) bool {
	var installed bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT FROM pg_extension WHERE extname = 'vector')").Scan(&installed)
	if err != nil || !installed {
		return false
	}

	var hasRows bool
	err = r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT FROM knowledge_base WHERE embedding IS NOT NULL)").Scan(&hasRows)
	return err == nil && hasRows
}

// SearchByVector performs a nearest-neighbor search over knowledge items of
// one category, ranked by similarity.
// embedding: query embedding vector
// kbType: category filter ("regulation" or "case")
// limit: maximum number of items to return
func (r *KnowledgeRepository) SearchByVector(
	ctx context.Context,
	embedding []float64,
	kbType string,
	limit int,
) ([]models.KnowledgeItem, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	vectorStr := formatVector(embedding)

	query := `
		SELECT
			kb_id,
			kb_type,
			title,
			content,
			created_at,
			updated_at,
			embedding <=> $1::vector AS distance
		FROM knowledge_base
		WHERE
			kb_type = $2
			AND embedding IS NOT NULL
		ORDER BY
			embedding <=> $1::vector
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, vectorStr, kbType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge base: %w", err)
	}
	defer rows.Close()

	var items []models.KnowledgeItem
	for rows.Next() {
		var item models.KnowledgeItem
		err := rows.Scan(
			&item.KbID,
			&item.KbType,
			&item.Title,
			&item.Content,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge items: %w", err)
	}

	return items, nil
}

// ListRecent returns the most recently updated items of one category,
// in recency order with no similarity ranking.
func (r *KnowledgeRepository) ListRecent(
	ctx context.Context,
	kbType string,
	limit int,
) ([]models.KnowledgeItem, error) {
	query := `
		SELECT kb_id, kb_type, title, content, created_at, updated_at
		FROM knowledge_base
		WHERE kb_type = $1
		ORDER BY updated_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, kbType, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge base: %w", err)
	}
	defer rows.Close()

	var items []models.KnowledgeItem
	for rows.Next() {
		var item models.KnowledgeItem
		err := rows.Scan(
			&item.KbID,
			&item.KbType,
			&item.Title,
			&item.Content,
			&item.CreatedAt,
			&item.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge items: %w", err)
	}

	return items, nil
}

// Upsert inserts or replaces a knowledge item with its embedding. Used by
// the loading tool, never by the analysis pipeline.
func (r *KnowledgeRepository) Upsert(ctx context.Context, item *models.KnowledgeItem, embedding []float64) error {
	query := `
		INSERT INTO knowledge_base (kb_id, kb_type, title, content, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (kb_id) DO UPDATE SET
			kb_type = EXCLUDED.kb_type,
			title = EXCLUDED.title,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()`

	// Items loaded without an embedding stay reachable through ListRecent.
	var vector interface{}
	if len(embedding) > 0 {
		vector = formatVector(embedding)
	}

	_, err := r.db.Exec(ctx, query, item.KbID, item.KbType, item.Title, item.Content, vector)
	return err
}
