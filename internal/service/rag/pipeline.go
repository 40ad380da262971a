// Package rag answers customer questions from retrieved knowledge only.
package rag

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/contextbuilder"
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/query"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	DefaultThreshold = 0.7
	DefaultTopK      = 3

	// unknownMarker is what the model is told to reply when the sources do not answer the question
	unknownMarker = "UNKNOWN"
)

var uncertainty = map[language.Language]string{
	language.English: "I'm not sure about that. Would you like me to connect you with someone from the shop?",
	language.Swahili: "Samahani, sina uhakika kuhusu hilo. Ungependa nikuunganishe na mhudumu wa duka?",
}

// UncertaintyText returns the uncertainty reply in lang. Mixed conversations get both languages.
func UncertaintyText(lang language.Language) string {
	if lang == language.Mixed {
		return uncertainty[language.English] + "\n" + uncertainty[language.Swahili]
	}
	return uncertainty[language.NormalizeLanguage(string(lang))]
}

// Generator is the routed generation call
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error)
}

// Question is a customer question to answer
type Question struct {
	Text           string
	Tenant         *db.Tenant
	ConversationID string
	Language       language.Language
	TopK           int
	Pass           *contextbuilder.Pass // optional lookup memo of the enclosing pass
}

// Answer is the pipeline outcome. Uncertain answers carry a handoff offer.
type Answer struct {
	Text           string
	Grounded       bool
	Uncertain      bool
	HandoffOffered bool
	BudgetExceeded bool
	Sources        []string
	TopScore       float64
	Usage          *llm.GenerateResult
}

// Config tunes the retrieval gate
type Config struct {
	Threshold  float64
	TopK       int
	MinOverlap float64
}

// Pipeline retrieves, generates and validates grounded answers
type Pipeline struct {
	knowledge query.KnowledgeSearcher
	gen       Generator
	validator *GroundingValidator
	cfg       Config
	log       *logrus.Entry
}

// NewPipeline creates a Pipeline
func NewPipeline(knowledge query.KnowledgeSearcher, gen Generator, cfg Config) *Pipeline {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Pipeline{
		knowledge: knowledge,
		gen:       gen,
		validator: NewGroundingValidator(cfg.MinOverlap),
		cfg:       cfg,
		log:       logger.ForComponent("rag"),
	}
}

// AnswerQuestion answers from the top chunks. Below the similarity threshold,
// on a budget stop, or when the reply fails grounding it returns the
// localized uncertainty answer. Provider exhaustion is returned to the caller.
func (p *Pipeline) AnswerQuestion(ctx context.Context, q Question) (*Answer, error) {
	if q.Tenant == nil || strings.TrimSpace(q.Text) == "" {
		return nil, apperr.Validation("AnswerQuestion", "tenant and question text are required")
	}
	topK := q.TopK
	if topK <= 0 {
		topK = p.cfg.TopK
	}
	entry := p.log.WithFields(logrus.Fields{
		"tenant":       q.Tenant.ID,
		"conversation": q.ConversationID,
	})

	chunks := q.Pass.Knowledge(q.Tenant.ID, q.Text, topK, func() []query.KnowledgeChunk {
		return p.retrieve(ctx, q.Tenant.ID, q.Text, topK, entry)
	})
	var top float64
	if len(chunks) > 0 {
		top = chunks[0].Score
	}
	if top < p.cfg.Threshold {
		entry.WithFields(logrus.Fields{
			"chunks":    len(chunks),
			"top_score": top,
			"threshold": p.cfg.Threshold,
		}).Info("No confident knowledge match, answering with uncertainty")
		return p.uncertain(q.Language, top), nil
	}

	res, err := p.gen.Generate(ctx, llm.GenerateRequest{
		Tenant:         q.Tenant,
		ConversationID: q.ConversationID,
		Task:           llm.TaskRAGAnswer,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: groundedPrompt(chunks, q.Language)},
			{Role: llm.RoleUser, Content: q.Text},
		},
		MaxTokens: 300,
	})
	switch {
	case errors.Is(err, apperr.ErrBudgetExceeded):
		a := p.uncertain(q.Language, top)
		a.BudgetExceeded = true
		return a, nil
	case err != nil:
		return nil, fmt.Errorf("generating grounded answer: %w", err)
	}

	reply := strings.TrimSpace(res.Content)
	if reply == "" || strings.EqualFold(strings.Trim(reply, ". "), unknownMarker) {
		entry.Info("Model found no answer in the sources")
		a := p.uncertain(q.Language, top)
		a.Usage = res
		return a, nil
	}
	if err := p.validator.Validate(reply, chunks); err != nil {
		entry.WithError(err).Warn("Answer failed grounding validation")
		a := p.uncertain(q.Language, top)
		a.Usage = res
		return a, nil
	}

	sources := make([]string, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, c.ID)
	}
	return &Answer{
		Text:     reply,
		Grounded: true,
		Sources:  sources,
		TopScore: top,
		Usage:    res,
	}, nil
}

func (p *Pipeline) uncertain(lang language.Language, top float64) *Answer {
	return &Answer{
		Text:           UncertaintyText(lang),
		Uncertain:      true,
		HandoffOffered: true,
		TopScore:       top,
	}
}

// retrieve runs the exact search, then the fuzzy one when nothing matched.
// Search failures degrade to no chunks.
func (p *Pipeline) retrieve(ctx context.Context, tenantID, text string, topK int, entry *logrus.Entry) []query.KnowledgeChunk {
	if p.knowledge == nil {
		return nil
	}
	chunks, err := p.knowledge.SearchKnowledge(ctx, tenantID, text, topK)
	if err != nil {
		logger.Degraded(entry, "search_knowledge", err)
	}
	if len(chunks) == 0 {
		chunks, err = p.knowledge.FuzzySearchKnowledge(ctx, tenantID, text, topK)
		if err != nil {
			logger.Degraded(entry, "fuzzy_search_knowledge", err)
			return nil
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Score > chunks[j].Score })
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks
}

func groundedPrompt(chunks []query.KnowledgeChunk, lang language.Language) string {
	var b strings.Builder
	b.WriteString("You answer customer questions for a shop using only the sources below.\n")
	b.WriteString("Do not add facts, prices or numbers that are not in the sources.\n")
	fmt.Fprintf(&b, "If the sources do not answer the question, reply with exactly %s.\n", unknownMarker)
	switch lang {
	case language.Swahili:
		b.WriteString("Reply in Swahili.\n")
	case language.Mixed:
		b.WriteString("Reply in the mix of English and Swahili the customer uses.\n")
	default:
		b.WriteString("Reply in English.\n")
	}
	b.WriteString("\nSources:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Content)
	}
	return b.String()
}
