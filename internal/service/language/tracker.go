// Package language keeps a conversation in the language the customer is
// using. Detection relies on an injectable lexicon; this package owns the
// consistency policy.
package language

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/cache"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const cacheTTL = time.Hour

// Tracker detects and persists per-conversation language
type Tracker struct {
	detector *Detector
	store    db.ContextStore
	cache    cache.Cache
	log      *logrus.Entry
}

// NewTracker creates a Tracker. A nil lexicon uses DefaultLexicon and a nil cache disables caching.
func NewTracker(store db.ContextStore, c cache.Cache, lex Lexicon) *Tracker {
	if c == nil {
		c = cache.Nop{}
	}
	return &Tracker{
		detector: NewDetector(lex),
		store:    store,
		cache:    c,
		log:      logger.ForComponent("language"),
	}
}

func cacheKey(conversationID string) string { return "lang:" + conversationID }

// DetectLanguage returns en, sw or mixed. Empty or indicator-free text is en.
func (t *Tracker) DetectLanguage(text string) Language {
	lang, _ := t.detector.Detect(text)
	return lang
}

// GetConversationLanguage reads cache, then store, then falls back to the default. It never fails.
func (t *Tracker) GetConversationLanguage(ctx context.Context, conversationID string) Language {
	entry := logger.FromContext(ctx, t.log.WithField("conversation", conversationID))

	data, ok, err := t.cache.Get(ctx, cacheKey(conversationID))
	if err != nil {
		logger.Degraded(entry, "cache_get", err)
	} else if ok {
		return NormalizeLanguage(string(data))
	}

	c, err := t.store.GetContext(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			logger.Degraded(entry, "store_get", err)
		}
		return Default
	}

	lang := Default
	if cur := c.CurrentLanguage(); cur != "" {
		lang = NormalizeLanguage(cur)
	}
	t.remember(ctx, conversationID, lang)
	return lang
}

// SetConversationLanguage persists code as the current language
func (t *Tracker) SetConversationLanguage(ctx context.Context, conversationID, code string, updateUsage bool) error {
	c, err := t.store.GetContext(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading context for language update: %w", err)
	}
	lang := Apply(c, code, updateUsage)
	if err := t.store.SaveContext(ctx, c); err != nil {
		return fmt.Errorf("saving language: %w", err)
	}
	t.remember(ctx, conversationID, lang)
	return nil
}

// ShouldMaintainLanguage reports whether the conversation should stay in its current language given new text
func (t *Tracker) ShouldMaintainLanguage(ctx context.Context, conversationID, text string) bool {
	locked := false
	if c, err := t.store.GetContext(ctx, conversationID); err == nil {
		locked = c.LanguageLocked
	} else if !errors.Is(err, apperr.ErrNotFound) {
		logger.Degraded(logger.FromContext(ctx, t.log.WithField("conversation", conversationID)), "store_get", err)
	}

	detected, hasIndicators := t.detector.Detect(text)
	return ShouldMaintain(t.GetConversationLanguage(ctx, conversationID), locked, detected, hasIndicators)
}

// Observe applies the consistency policy to an already loaded context and
// returns the language to answer in. The caller persists the context.
func (t *Tracker) Observe(ctx context.Context, c *db.ConversationContext, text string) Language {
	detected, hasIndicators := t.detector.Detect(text)

	current := Language(c.CurrentLanguage())
	if current == "" {
		lang := Apply(c, string(detected), hasIndicators)
		t.remember(ctx, c.ConversationID, lang)
		return lang
	}
	current = NormalizeLanguage(string(current))

	if ShouldMaintain(current, c.LanguageLocked, detected, hasIndicators) {
		if hasIndicators {
			c.LanguageUsage = bump(c.LanguageUsage, string(current))
		}
		return current
	}

	lang := Apply(c, string(detected), true)
	logger.FromContext(ctx, t.log).WithFields(logrus.Fields{
		"conversation": c.ConversationID,
		"from":         current,
		"to":           lang,
	}).Info("Conversation language switched")
	t.remember(ctx, c.ConversationID, lang)
	return lang
}

func (t *Tracker) remember(ctx context.Context, conversationID string, lang Language) {
	if err := t.cache.Set(ctx, cacheKey(conversationID), []byte(lang), cacheTTL); err != nil {
		logger.Degraded(logger.FromContext(ctx, t.log.WithField("conversation", conversationID)), "cache_set", err)
	}
}

// ShouldMaintain is the consistency policy. Locked conversations and
// indicator-free text always keep the current language. Mixed text never
// moves a conversation off a single language, while a mixed conversation
// switches to the first clear language it sees.
func ShouldMaintain(current Language, locked bool, detected Language, hasIndicators bool) bool {
	switch {
	case locked, !hasIndicators, detected == current:
		return true
	case detected == Mixed:
		return current != Mixed
	default:
		return false
	}
}

// Apply makes code the current language of c, moving it to the end of the
// ordered set, and counts it when updateUsage is set
func Apply(c *db.ConversationContext, code string, updateUsage bool) Language {
	lang := NormalizeLanguage(code)
	set := make([]string, 0, len(c.DetectedLanguage)+1)
	for _, l := range c.DetectedLanguage {
		if l != string(lang) {
			set = append(set, l)
		}
	}
	c.DetectedLanguage = append(set, string(lang))
	if updateUsage {
		c.LanguageUsage = bump(c.LanguageUsage, string(lang))
	}
	return lang
}

func bump(m map[string]int, key string) map[string]int {
	if m == nil {
		m = make(map[string]int)
	}
	m[key]++
	return m
}
