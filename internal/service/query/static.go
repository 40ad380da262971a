package query

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// TenantData is the static content of one tenant
type TenantData struct {
	Knowledge []KnowledgeChunk            `yaml:"knowledge"`
	Catalog   []CatalogItem               `yaml:"catalog"`
	Customers map[string][]CustomerRecord `yaml:"customers"`
}

// Static serves queries from in-memory data. Exact search requires every
// query word to appear; fuzzy search ranks by shared word prefixes.
type Static struct {
	tenants map[string]TenantData
}

// NewStatic creates a Static from tenant data keyed by tenant id
func NewStatic(tenants map[string]TenantData) *Static {
	if tenants == nil {
		tenants = make(map[string]TenantData)
	}
	return &Static{tenants: tenants}
}

// LoadStatic reads tenant data from a YAML file
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query data: %w", err)
	}
	var tenants map[string]TenantData
	if err := yaml.Unmarshal(data, &tenants); err != nil {
		return nil, fmt.Errorf("failed to parse query data: %w", err)
	}
	return NewStatic(tenants), nil
}

// TenantIDs returns the tenants that have data, sorted
func (s *Static) TenantIDs() []string {
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Static) SearchKnowledge(ctx context.Context, tenantID, q string, limit int) ([]KnowledgeChunk, error) {
	return rankChunks(s.tenants[tenantID].Knowledge, q, limit, exactScore), nil
}

func (s *Static) FuzzySearchKnowledge(ctx context.Context, tenantID, q string, limit int) ([]KnowledgeChunk, error) {
	return rankChunks(s.tenants[tenantID].Knowledge, q, limit, fuzzyScore), nil
}

func (s *Static) SearchCatalog(ctx context.Context, tenantID, q string, limit int) ([]CatalogItem, error) {
	return rankItems(s.tenants[tenantID].Catalog, q, limit, exactScore), nil
}

func (s *Static) FuzzySearchCatalog(ctx context.Context, tenantID, q string, limit int) ([]CatalogItem, error) {
	return rankItems(s.tenants[tenantID].Catalog, q, limit, fuzzyScore), nil
}

func (s *Static) RecentHistory(ctx context.Context, tenantID, customerID string, limit int) ([]CustomerRecord, error) {
	records := append([]CustomerRecord(nil), s.tenants[tenantID].Customers[customerID]...)
	sort.SliceStable(records, func(i, j int) bool { return records[i].PlacedAt.After(records[j].PlacedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

type scorer func(query []string, doc map[string]bool) float64

func rankChunks(chunks []KnowledgeChunk, q string, limit int, score scorer) []KnowledgeChunk {
	terms := Words(q)
	var out []KnowledgeChunk
	for _, c := range chunks {
		if s := score(terms, wordSet(c.Content)); s > 0 {
			c.Score = s
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, limit)
}

func rankItems(items []CatalogItem, q string, limit int, score scorer) []CatalogItem {
	terms := Words(q)
	var out []CatalogItem
	for _, it := range items {
		text := it.Title
		for _, v := range it.Attributes {
			text += " " + v
		}
		if s := score(terms, wordSet(text)); s > 0 {
			it.Score = s
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return truncate(out, limit)
}

func truncate[T any](list []T, limit int) []T {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// exactScore is the share of query words present in doc, or 0 unless all are
func exactScore(query []string, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	for _, w := range query {
		if !doc[w] {
			return 0
		}
	}
	return 1
}

// fuzzyScore is the share of query words sharing a four letter prefix with a doc word
func fuzzyScore(query []string, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for _, w := range query {
		if doc[w] {
			hits++
			continue
		}
		p := prefix(w)
		for d := range doc {
			if len(p) >= 4 && strings.HasPrefix(d, p) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(query))
}

func prefix(w string) string {
	r := []rune(w)
	if len(r) > 4 {
		r = r[:4]
	}
	return string(r)
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "do": true, "does": true, "you": true,
	"your": true, "i": true, "me": true, "my": true, "what": true, "how": true, "of": true, "to": true,
	"for": true, "and": true, "or": true, "in": true, "on": true, "it": true, "can": true, "we": true,
	"na": true, "ya": true, "wa": true, "za": true, "kwa": true, "ni": true, "je": true,
}

// Words returns the lower-cased content words of text
func Words(text string) []string {
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(text) {
		set[w] = true
	}
	return set
}
