package service

import (
	"context"
	"log"

	"policyscan-backend/models"
)

// KnowledgeSearcher is the retrieval contract the pipeline consumes:
// top-K supporting knowledge items for an embedding and a category.
// Implementations never return an error; an empty slice means nothing
// could be retrieved from any store.
type KnowledgeSearcher interface {
	Search(ctx context.Context, embedding []float64, kbType string, topK int) []models.KnowledgeItem
}

// knowledgeSource is the store access the retriever needs: vector search
// and the recency-ordered relational listing. *repository.KnowledgeRepository
// implements it.
type knowledgeSource interface {
	SearchByVector(ctx context.Context, embedding []float64, kbType string, limit int) ([]models.KnowledgeItem, error)
	ListRecent(ctx context.Context, kbType string, limit int) ([]models.KnowledgeItem, error)
}

// Compile-time interface implementation check.
var _ KnowledgeSearcher = (*RagRetriever)(nil)

// RagRetriever retrieves knowledge items for the pipeline. When the vector
// index is usable it searches by similarity first and falls back to the
// recency listing on error or zero hits; a relational-only retriever skips
// the vector path entirely. Holds read-only store access.
type RagRetriever struct {
	source knowledgeSource
	vector bool
}

// NewRagRetriever creates a retriever over the knowledge repository.
// The backing variant is selected once at construction: vector-backed when
// probe reports a usable index, relational-only otherwise.
func NewRagRetriever(source knowledgeSource, vectorBacked bool) *RagRetriever {
	if !vectorBacked {
		log.Printf("Vector index unavailable, knowledge retrieval uses recency order")
	}
	return &RagRetriever{source: source, vector: vectorBacked}
}

// Search returns up to topK knowledge items of the given category.
// Failures in either store are logged, never surfaced.
func (r *RagRetriever) Search(ctx context.Context, embedding []float64, kbType string, topK int) []models.KnowledgeItem {
	if r.vector {
		items, err := r.source.SearchByVector(ctx, embedding, kbType, topK)
		if err == nil && len(items) > 0 {
			return items
		}
		if err != nil {
			log.Printf("Warning: vector search failed for %s, falling back to recency listing: %v", kbType, err)
		}
	}

	items, err := r.source.ListRecent(ctx, kbType, topK)
	if err != nil {
		log.Printf("Warning: knowledge listing failed for %s: %v", kbType, err)
		return nil
	}
	return items
}
