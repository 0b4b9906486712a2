package service

import (
	"context"
	"errors"
	"testing"

	"policyscan-backend/models"

	"github.com/stretchr/testify/assert"
)

type fakeKnowledgeSource struct {
	vectorItems []models.KnowledgeItem
	vectorErr   error
	recentItems []models.KnowledgeItem
	recentErr   error

	vectorCalls int
	recentCalls int
}

func (f *fakeKnowledgeSource) SearchByVector(ctx context.Context, embedding []float64, kbType string, limit int) ([]models.KnowledgeItem, error) {
	f.vectorCalls++
	return f.vectorItems, f.vectorErr
}

func (f *fakeKnowledgeSource) ListRecent(ctx context.Context, kbType string, limit int) ([]models.KnowledgeItem, error) {
	f.recentCalls++
	return f.recentItems, f.recentErr
}

func TestRagRetriever_VectorHit(t *testing.T) {
	source := &fakeKnowledgeSource{
		vectorItems: []models.KnowledgeItem{{KbID: "reg-1"}},
		recentItems: []models.KnowledgeItem{{KbID: "reg-recent"}},
	}
	r := NewRagRetriever(source, true)

	items := r.Search(context.Background(), []float64{0.1}, models.KbTypeRegulation, 2)

	assert.Equal(t, "reg-1", items[0].KbID)
	assert.Equal(t, 1, source.vectorCalls)
	assert.Equal(t, 0, source.recentCalls)
}

func TestRagRetriever_VectorErrorFallsBack(t *testing.T) {
	source := &fakeKnowledgeSource{
		vectorErr:   errors.New("index offline"),
		recentItems: []models.KnowledgeItem{{KbID: "reg-recent"}},
	}
	r := NewRagRetriever(source, true)

	items := r.Search(context.Background(), []float64{0.1}, models.KbTypeRegulation, 2)

	assert.Equal(t, "reg-recent", items[0].KbID)
	assert.Equal(t, 1, source.vectorCalls)
	assert.Equal(t, 1, source.recentCalls)
}

func TestRagRetriever_ZeroHitsFallBack(t *testing.T) {
	source := &fakeKnowledgeSource{
		recentItems: []models.KnowledgeItem{{KbID: "case-recent"}},
	}
	r := NewRagRetriever(source, true)

	items := r.Search(context.Background(), []float64{0.1}, models.KbTypeCase, 2)

	assert.Equal(t, "case-recent", items[0].KbID)
	assert.Equal(t, 1, source.recentCalls)
}

func TestRagRetriever_RelationalOnlySkipsVector(t *testing.T) {
	source := &fakeKnowledgeSource{
		recentItems: []models.KnowledgeItem{{KbID: "reg-recent"}},
	}
	r := NewRagRetriever(source, false)

	items := r.Search(context.Background(), nil, models.KbTypeRegulation, 2)

	assert.Equal(t, "reg-recent", items[0].KbID)
	assert.Equal(t, 0, source.vectorCalls)
	assert.Equal(t, 1, source.recentCalls)
}

func TestRagRetriever_BothPathsFailing(t *testing.T) {
	source := &fakeKnowledgeSource{
		vectorErr: errors.New("index offline"),
		recentErr: errors.New("db offline"),
	}
	r := NewRagRetriever(source, true)

	items := r.Search(context.Background(), []float64{0.1}, models.KbTypeRegulation, 2)

	assert.Empty(t, items)
}
