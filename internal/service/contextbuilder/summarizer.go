package contextbuilder

import (
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/llm"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Summarizer condenses older turns, extending a previous summary when there is one
type Summarizer interface {
	Summarize(ctx context.Context, tenant *db.Tenant, conversationID, previous string, msgs []db.Message) (string, error)
}

// Generator is the routed generation call
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error)
}

// LLMSummarizer summarizes through the router on the summarization task
type LLMSummarizer struct {
	gen    Generator
	prompt string
}

// NewLLMSummarizer creates a summarizer with the given system prompt
func NewLLMSummarizer(gen Generator, prompt string) *LLMSummarizer {
	return &LLMSummarizer{gen: gen, prompt: prompt}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, tenant *db.Tenant, conversationID, previous string, msgs []db.Message) (string, error) {
	input := buildSummarizationInput(previous, msgs)

	logger.Log.WithFields(logrus.Fields{
		"conversation":  conversationID,
		"message_count": len(msgs),
		"incremental":   previous != "",
	}).Info("Calling LLM to generate summary")

	res, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Tenant:         tenant,
		ConversationID: conversationID,
		Task:           llm.TaskSummarization,
		Messages:       append([]llm.Message{{Role: llm.RoleSystem, Content: s.prompt}}, input...),
		MaxTokens:      400,
	})
	if err != nil {
		return "", fmt.Errorf("LLM error during summarization: %w", err)
	}

	logger.Log.WithField("summary_chars", len(res.Content)).Info("Generated summary")
	return res.Content, nil
}

// buildSummarizationInput starts from the previous summary, when present,
// followed by the turns it does not cover yet
func buildSummarizationInput(previous string, msgs []db.Message) []llm.Message {
	var out []llm.Message
	if previous != "" {
		out = append(out, llm.Message{Role: llm.RoleAssistant, Content: fmt.Sprintf("Previous summary:\n%s", previous)})
	}
	return append(out, ToLLMMessages(msgs)...)
}

// ToLLMMessages maps stored messages to chat turns
func ToLLMMessages(msgs []db.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Direction == db.DirectionOutbound {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}
