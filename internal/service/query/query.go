// Package query defines the read-only knowledge, catalog and customer
// history services the assistant consults, plus a static implementation
// loaded from a file.
package query

import (
	"context"
	"time"
)

// KnowledgeChunk is a retrieved passage with its similarity score in [0, 1]
type KnowledgeChunk struct {
	ID      string  `yaml:"id"`
	Source  string  `yaml:"source"`
	Content string  `yaml:"content"`
	Score   float64 `yaml:"-"`
}

// CatalogItem is a product or service offered by a tenant
type CatalogItem struct {
	ID         string            `yaml:"id"`
	Title      string            `yaml:"title"`
	Price      float64           `yaml:"price"`
	Currency   string            `yaml:"currency"`
	Attributes map[string]string `yaml:"attributes"`
	Score      float64           `yaml:"-"`
}

// CustomerRecord is one past interaction or order of a customer
type CustomerRecord struct {
	OrderID  string    `yaml:"order_id"`
	Summary  string    `yaml:"summary"`
	PlacedAt time.Time `yaml:"placed_at"`
}

// KnowledgeSearcher ranks knowledge chunks for a query
type KnowledgeSearcher interface {
	SearchKnowledge(ctx context.Context, tenantID, query string, limit int) ([]KnowledgeChunk, error)
	FuzzySearchKnowledge(ctx context.Context, tenantID, query string, limit int) ([]KnowledgeChunk, error)
}

// CatalogSearcher ranks catalog items for a query
type CatalogSearcher interface {
	SearchCatalog(ctx context.Context, tenantID, query string, limit int) ([]CatalogItem, error)
	FuzzySearchCatalog(ctx context.Context, tenantID, query string, limit int) ([]CatalogItem, error)
}

// CustomerHistory lists a customer's recent records, newest first
type CustomerHistory interface {
	RecentHistory(ctx context.Context, tenantID, customerID string, limit int) ([]CustomerRecord, error)
}
