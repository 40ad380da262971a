package contextbuilder

import (
	"commerce-assistant/internal/service/query"
	"strconv"
	"sync"
)

// Pass memoizes knowledge, catalog and customer lookups for one
// orchestration pass. It is discarded with the pass and never treated as
// authoritative.
type Pass struct {
	mu        sync.Mutex
	knowledge map[string][]query.KnowledgeChunk
	catalogs  map[string][]query.CatalogItem
	customers map[string][]query.CustomerRecord
	lookups   int
}

// NewPass returns an empty memo
func NewPass() *Pass {
	return &Pass{
		knowledge: make(map[string][]query.KnowledgeChunk),
		catalogs:  make(map[string][]query.CatalogItem),
		customers: make(map[string][]query.CustomerRecord),
	}
}

// Knowledge returns the memoized chunks for tenantID, q and limit, calling
// load on the first request. A nil Pass always calls load.
func (p *Pass) Knowledge(tenantID, q string, limit int, load func() []query.KnowledgeChunk) []query.KnowledgeChunk {
	if p == nil {
		return load()
	}
	key := tenantID + "\x00" + q + "\x00" + strconv.Itoa(limit)
	p.mu.Lock()
	if chunks, ok := p.knowledge[key]; ok {
		p.mu.Unlock()
		return chunks
	}
	p.mu.Unlock()

	chunks := load()
	p.mu.Lock()
	p.knowledge[key] = chunks
	p.lookups++
	p.mu.Unlock()
	return chunks
}

// Lookups returns how many lookups missed the memo
func (p *Pass) Lookups() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookups
}

func (p *Pass) catalog(tenantID, q string, load func() []query.CatalogItem) []query.CatalogItem {
	key := tenantID + "\x00" + q
	p.mu.Lock()
	if items, ok := p.catalogs[key]; ok {
		p.mu.Unlock()
		return items
	}
	p.mu.Unlock()

	items := load()
	p.mu.Lock()
	p.catalogs[key] = items
	p.lookups++
	p.mu.Unlock()
	return items
}

func (p *Pass) customer(tenantID, customerID string, load func() []query.CustomerRecord) []query.CustomerRecord {
	key := tenantID + "\x00" + customerID
	p.mu.Lock()
	if records, ok := p.customers[key]; ok {
		p.mu.Unlock()
		return records
	}
	p.mu.Unlock()

	records := load()
	p.mu.Lock()
	p.customers[key] = records
	p.lookups++
	p.mu.Unlock()
	return records
}
