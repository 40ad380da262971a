package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sample = `
shop-1:
  knowledge:
    - id: k1
      source: faq
      content: We deliver within Nairobi in 2 days. Delivery costs 300 KES.
    - id: k2
      source: faq
      content: Returns are accepted within 7 days with a receipt.
  catalog:
    - id: p1
      title: Canvas sneakers
      price: 2500
      currency: KES
      attributes: {color: red}
    - id: p2
      title: Leather sandals
      price: 1800
      currency: KES
      attributes: {color: blue}
  customers:
    cust-1:
      - order_id: o1
        summary: Bought sandals
        placed_at: 2026-01-10T10:00:00Z
      - order_id: o2
        summary: Bought sneakers
        placed_at: 2026-03-02T10:00:00Z
`

func loadSample(t *testing.T) *Static {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadStatic(path)
	if err != nil {
		t.Fatalf("LoadStatic() error = %v", err)
	}
	return s
}

func TestStatic_KnowledgeExactAndFuzzy(t *testing.T) {
	s := loadSample(t)
	ctx := context.Background()

	got, _ := s.SearchKnowledge(ctx, "shop-1", "returns receipt", 3)
	if len(got) != 1 || got[0].ID != "k2" || got[0].Score != 1 {
		t.Errorf("SearchKnowledge() = %+v, want k2 with score 1", got)
	}

	got, _ = s.SearchKnowledge(ctx, "shop-1", "do you deliver to Mombasa", 3)
	if len(got) != 0 {
		t.Errorf("SearchKnowledge() = %+v, want no exact hit", got)
	}
	got, _ = s.FuzzySearchKnowledge(ctx, "shop-1", "do you deliver to Mombasa", 3)
	if len(got) != 1 || got[0].ID != "k1" || got[0].Score != 0.5 {
		t.Errorf("FuzzySearchKnowledge() = %+v, want k1 with score 0.5", got)
	}
}

func TestStatic_Catalog(t *testing.T) {
	s := loadSample(t)
	got, _ := s.SearchCatalog(context.Background(), "shop-1", "blue sandals", 5)
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("SearchCatalog() = %+v, want p2", got)
	}
	if got, _ := s.SearchCatalog(context.Background(), "other", "sandals", 5); len(got) != 0 {
		t.Errorf("unknown tenant returned %+v", got)
	}
}

func TestStatic_RecentHistoryNewestFirst(t *testing.T) {
	s := loadSample(t)
	got, _ := s.RecentHistory(context.Background(), "shop-1", "cust-1", 1)
	if len(got) != 1 || got[0].OrderID != "o2" {
		t.Errorf("RecentHistory() = %+v, want o2", got)
	}
}

func TestStatic_TenantIDs(t *testing.T) {
	s := NewStatic(map[string]TenantData{"shop-2": {}, "shop-1": {}})
	ids := s.TenantIDs()
	if len(ids) != 2 || ids[0] != "shop-1" || ids[1] != "shop-2" {
		t.Errorf("TenantIDs() = %v", ids)
	}
	if got := loadSample(t).TenantIDs(); len(got) != 1 || got[0] != "shop-1" {
		t.Errorf("TenantIDs() from file = %v", got)
	}
}
