package rag

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/contextbuilder"
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/query"
	"commerce-assistant/internal/testutil"
	"context"
	"errors"
	"strings"
	"testing"
)

var tenant = &db.Tenant{ID: "tenant-1"}

func knowledge(chunks ...query.KnowledgeChunk) *testutil.MockKnowledge {
	return &testutil.MockKnowledge{
		SearchFunc: func(context.Context, string, string, int) ([]query.KnowledgeChunk, error) {
			return chunks, nil
		},
	}
}

var deliveryChunk = query.KnowledgeChunk{
	ID:      "faq-delivery",
	Content: "Delivery within Nairobi takes 2 days and costs 300 KES. Orders outside Nairobi take 5 days.",
	Score:   0.9,
}

func TestAnswerQuestion_BelowThresholdSkipsGeneration(t *testing.T) {
	gen := &testutil.MockGenerator{GenerateFunc: testutil.Reply("should not be used")}
	low := deliveryChunk
	low.Score = 0.5
	p := NewPipeline(knowledge(low), gen, Config{})

	got, err := p.AnswerQuestion(context.Background(), Question{Text: "how long is delivery", Tenant: tenant, Language: language.English})
	if err != nil {
		t.Fatalf("AnswerQuestion() error = %v", err)
	}
	if len(gen.Calls()) != 0 {
		t.Errorf("generator called %d times, want 0", len(gen.Calls()))
	}
	if !got.Uncertain || !got.HandoffOffered || got.Text != UncertaintyText(language.English) {
		t.Errorf("answer = %+v, want localized uncertainty with handoff", got)
	}
	if got.TopScore != 0.5 {
		t.Errorf("TopScore = %v, want 0.5", got.TopScore)
	}
}

func TestAnswerQuestion_NoChunks(t *testing.T) {
	gen := &testutil.MockGenerator{}
	p := NewPipeline(&testutil.MockKnowledge{}, gen, Config{})

	got, err := p.AnswerQuestion(context.Background(), Question{Text: "je mnauza simu", Tenant: tenant, Language: language.Swahili})
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != UncertaintyText(language.Swahili) || len(gen.Calls()) != 0 {
		t.Errorf("answer = %q after %d calls", got.Text, len(gen.Calls()))
	}
}

func TestAnswerQuestion_Grounded(t *testing.T) {
	gen := &testutil.MockGenerator{GenerateFunc: testutil.Reply("Delivery within Nairobi takes 2 days and costs 300 KES.")}
	p := NewPipeline(knowledge(deliveryChunk), gen, Config{})

	got, err := p.AnswerQuestion(context.Background(), Question{Text: "delivery to nairobi?", Tenant: tenant, ConversationID: "conv-1"})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Grounded || got.Uncertain {
		t.Fatalf("answer = %+v, want grounded", got)
	}
	if len(got.Sources) != 1 || got.Sources[0] != "faq-delivery" {
		t.Errorf("Sources = %v", got.Sources)
	}

	calls := gen.Calls()
	if len(calls) != 1 || calls[0].Task != llm.TaskRAGAnswer {
		t.Fatalf("calls = %+v, want one rag_answer call", calls)
	}
	if !strings.Contains(calls[0].Messages[0].Content, deliveryChunk.Content) {
		t.Errorf("system prompt does not carry the chunk")
	}
}

func TestAnswerQuestion_UngroundedFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{name: "invented number", reply: "Delivery within Nairobi takes 1 day."},
		{name: "invented claim", reply: "We also offer free gift wrapping for birthdays."},
		{name: "model unsure", reply: "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &testutil.MockGenerator{GenerateFunc: testutil.Reply(tt.reply)}
			p := NewPipeline(knowledge(deliveryChunk), gen, Config{})

			got, err := p.AnswerQuestion(context.Background(), Question{Text: "delivery?", Tenant: tenant})
			if err != nil {
				t.Fatal(err)
			}
			if !got.Uncertain || got.Grounded {
				t.Errorf("answer = %+v, want uncertainty", got)
			}
			if got.Usage == nil {
				t.Errorf("usage of the discarded generation is lost")
			}
		})
	}
}

func TestAnswerQuestion_BudgetExceeded(t *testing.T) {
	gen := &testutil.MockGenerator{
		GenerateFunc: func(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
			return nil, apperr.New(apperr.KindBudgetExceeded, "Generate", errors.New("cap reached"))
		},
	}
	p := NewPipeline(knowledge(deliveryChunk), gen, Config{})

	got, err := p.AnswerQuestion(context.Background(), Question{Text: "delivery?", Tenant: tenant})
	if err != nil {
		t.Fatal(err)
	}
	if !got.BudgetExceeded || !got.Uncertain {
		t.Errorf("answer = %+v, want budget tagged uncertainty", got)
	}
}

func TestAnswerQuestion_ProviderErrorPropagates(t *testing.T) {
	gen := &testutil.MockGenerator{
		GenerateFunc: func(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
			return nil, apperr.New(apperr.KindProvider, "Generate", errors.New("all providers failed"))
		},
	}
	p := NewPipeline(knowledge(deliveryChunk), gen, Config{})

	if _, err := p.AnswerQuestion(context.Background(), Question{Text: "delivery?", Tenant: tenant}); !errors.Is(err, apperr.ErrProvider) {
		t.Errorf("AnswerQuestion() error = %v, want provider error", err)
	}
}

func TestAnswerQuestion_FuzzyFallbackAndTopK(t *testing.T) {
	k := &testutil.MockKnowledge{
		SearchFunc: func(context.Context, string, string, int) ([]query.KnowledgeChunk, error) {
			return nil, errors.New("index offline")
		},
		FuzzySearchFunc: func(context.Context, string, string, int) ([]query.KnowledgeChunk, error) {
			return []query.KnowledgeChunk{
				{ID: "a", Content: "Returns are accepted within 7 days.", Score: 0.75},
				{ID: "b", Content: "Delivery takes 2 days.", Score: 0.95},
				{ID: "c", Content: "We open at 9.", Score: 0.8},
			}, nil
		},
	}
	gen := &testutil.MockGenerator{GenerateFunc: testutil.Reply("Delivery takes 2 days.")}
	p := NewPipeline(k, gen, Config{})

	got, err := p.AnswerQuestion(context.Background(), Question{Text: "delivery", Tenant: tenant, TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got.TopScore != 0.95 || len(got.Sources) != 2 || got.Sources[0] != "b" || got.Sources[1] != "c" {
		t.Errorf("answer = %+v, want top 2 by score", got)
	}
}

func TestAnswerQuestion_PassMemoizesRetrieval(t *testing.T) {
	k := knowledge(deliveryChunk)
	gen := &testutil.MockGenerator{GenerateFunc: testutil.Reply("Delivery within Nairobi takes 2 days.")}
	p := NewPipeline(k, gen, Config{})
	pass := contextbuilder.NewPass()

	q := Question{Text: "how long is delivery", Tenant: tenant, Language: language.English, Pass: pass}
	for i := 0; i < 2; i++ {
		if _, err := p.AnswerQuestion(context.Background(), q); err != nil {
			t.Fatal(err)
		}
	}
	if k.SearchCount() != 1 {
		t.Errorf("knowledge searched %d times, want 1 within a pass", k.SearchCount())
	}

	q.Pass = nil
	if _, err := p.AnswerQuestion(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if k.SearchCount() != 2 {
		t.Errorf("knowledge searched %d times, want a fresh search without a pass", k.SearchCount())
	}
}

func TestAnswerQuestion_Validation(t *testing.T) {
	p := NewPipeline(nil, &testutil.MockGenerator{}, Config{})
	if _, err := p.AnswerQuestion(context.Background(), Question{Text: "  ", Tenant: tenant}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestGroundingValidator(t *testing.T) {
	chunks := []query.KnowledgeChunk{deliveryChunk, {Content: "Payment is by M-Pesa or card. The Kitenge dress costs 1,500 KES."}}
	v := NewGroundingValidator(0)

	tests := []struct {
		name    string
		answer  string
		wantErr bool
	}{
		{name: "verbatim", answer: "Orders outside Nairobi take 5 days."},
		{name: "paraphrase", answer: "Delivery in Nairobi costs 300 KES! It takes 2 days."},
		{name: "stemmed", answer: "We deliver within Nairobi."},
		{name: "formatted price", answer: "The kitenge dress costs 1500 KES."},
		{name: "filler sentence", answer: "Sure! Payment is by M-Pesa."},
		{name: "wrong price", answer: "The kitenge dress costs 1,200 KES.", wantErr: true},
		{name: "unsupported sentence", answer: "Delivery takes 2 days. Our founders started the company in a garage.", wantErr: true},
		{name: "empty", answer: " ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.answer, chunks)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.answer, err, tt.wantErr)
			}
		})
	}
}

func TestUncertaintyText(t *testing.T) {
	if UncertaintyText("fr") != UncertaintyText(language.English) {
		t.Errorf("unknown language is not answered in English")
	}
	mixed := UncertaintyText(language.Mixed)
	if !strings.Contains(mixed, UncertaintyText(language.English)) || !strings.Contains(mixed, UncertaintyText(language.Swahili)) {
		t.Errorf("mixed uncertainty = %q", mixed)
	}
}
