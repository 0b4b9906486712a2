package models

import (
	"time"
)

// Knowledge-base item categories
const (
	KbTypeRegulation = "regulation"
	KbTypeCase       = "case"
)

// KnowledgeItem represents an item of the compliance knowledge base:
// a regulation clause or an enforcement case. Items are retrieved during
// analysis and never mutated by the pipeline.
type KnowledgeItem struct {
	KbID      string    `json:"kb_id"`
	KbType    string    `json:"kb_type"` // "regulation" or "case"
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Distance  float64   `json:"distance,omitempty"` // vector similarity distance, zero for recency results
}
