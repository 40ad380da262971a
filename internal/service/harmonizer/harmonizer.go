// Package harmonizer merges rapid bursts of inbound messages into one turn.
package harmonizer

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/taskqueue"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultWindow   = 3 * time.Second
	DefaultMaxDepth = 10
)

// ProcessFunc runs one orchestration pass over a harmonized burst
type ProcessFunc func(ctx context.Context, conv *db.Conversation, messages []db.Message) error

// Harmonizer decides when to buffer and runs the deferred combined pass
type Harmonizer struct {
	messages  db.MessageStore
	queue     db.QueueStore
	scheduler taskqueue.Scheduler
	clock     clock.Clock
	window    time.Duration
	maxDepth  int
	log       *logrus.Entry

	mu       sync.Mutex
	process  ProcessFunc
	combined map[string]time.Time // newest message already part of a combined turn, per conversation
}

// NewHarmonizer creates a Harmonizer. SetProcessor must be called before
// the first deferred pass fires.
func NewHarmonizer(messages db.MessageStore, queue db.QueueStore, scheduler taskqueue.Scheduler, clk clock.Clock, window time.Duration, maxDepth int) *Harmonizer {
	if clk == nil {
		clk = clock.Real()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Harmonizer{
		messages:  messages,
		queue:     queue,
		scheduler: scheduler,
		clock:     clk,
		window:    window,
		maxDepth:  maxDepth,
		log:       logger.ForComponent("harmonizer"),
		combined:  make(map[string]time.Time),
	}
}

// SetProcessor sets the callback for harmonized passes
func (h *Harmonizer) SetProcessor(fn ProcessFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.process = fn
}

// Window returns the harmonization window
func (h *Harmonizer) Window() time.Duration { return h.window }

// ShouldBuffer reports whether msg belongs to a burst that is still open.
// A full buffer returns false so the message is processed immediately.
func (h *Harmonizer) ShouldBuffer(ctx context.Context, conv *db.Conversation, msg *db.Message) (bool, error) {
	if conv.InHandoff() {
		return false, nil
	}

	prior, err := h.messages.GetInboundMessagesBetween(ctx, conv.ID, msg.CreatedAt.Add(-h.window), msg.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("checking recent messages: %w", err)
	}
	recent := false
	for _, m := range prior {
		if m.ID != msg.ID {
			recent = true
			break
		}
	}
	if !recent {
		return false, nil
	}

	depth, err := h.queue.CountQueued(ctx, conv.ID)
	if err != nil {
		return false, fmt.Errorf("counting queued messages: %w", err)
	}
	if depth >= h.maxDepth {
		h.log.WithFields(logrus.Fields{
			"tenant":       conv.TenantID,
			"conversation": conv.ID,
			"depth":        depth,
		}).Warn("Harmonization buffer full, processing immediately")
		return false, nil
	}
	return true, nil
}

// Buffer queues msg and schedules the deferred re-check. It returns without
// waiting for the window.
func (h *Harmonizer) Buffer(ctx context.Context, conv *db.Conversation, msg *db.Message) (*db.MessageQueueEntry, error) {
	depth, err := h.queue.CountQueued(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("counting queued messages: %w", err)
	}
	entry := &db.MessageQueueEntry{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Status:         db.QueueQueued,
		QueuePosition:  depth + 1,
		QueuedAt:       h.clock.Now(),
	}
	if err := h.queue.EnqueueMessage(ctx, entry); err != nil {
		return nil, fmt.Errorf("queueing message: %w", err)
	}

	snapshot := *conv
	entryID := entry.ID
	h.scheduler.EnqueueAfter(h.window, taskqueue.Task{
		Name: "harmonize:" + conv.ID,
		Run: func(ctx context.Context) error {
			return h.recheck(ctx, &snapshot, entryID)
		},
	})

	h.log.WithFields(logrus.Fields{
		"tenant":       conv.TenantID,
		"conversation": conv.ID,
		"message_id":   msg.ID,
		"position":     entry.QueuePosition,
	}).Debug("Message buffered")
	return entry, nil
}

// recheck runs after the window. Only the task of the newest queued entry
// harmonizes; earlier tasks yield to it.
func (h *Harmonizer) recheck(ctx context.Context, conv *db.Conversation, entryID string) error {
	entries, err := h.queue.QueuedEntries(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("loading queued entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	if entries[len(entries)-1].ID != entryID {
		h.log.WithFields(logrus.Fields{"conversation": conv.ID, "entry": entryID}).Debug("Newer message queued, yielding")
		return nil
	}
	return h.Harmonize(ctx, conv)
}

// Harmonize processes every queued entry of the conversation as one turn
func (h *Harmonizer) Harmonize(ctx context.Context, conv *db.Conversation) error {
	msgs, entries, err := h.ready(ctx, conv.ID, h.window)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	claimed, err := h.MarkProcessing(ctx, entries)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	h.mu.Lock()
	process := h.process
	h.mu.Unlock()
	if process == nil {
		err = errors.New("no processor configured")
	} else {
		err = process(ctx, conv, msgs)
	}

	entry := h.log.WithFields(logrus.Fields{
		"tenant":       conv.TenantID,
		"conversation": conv.ID,
		"messages":     len(msgs),
	})
	if err != nil {
		entry.WithError(err).Error("Harmonized pass failed")
		if markErr := h.MarkFailed(ctx, claimed, err); markErr != nil {
			entry.WithError(markErr).Error("Failed to mark queue entries failed")
		}
		return err
	}

	h.mu.Lock()
	if newest := msgs[len(msgs)-1].CreatedAt; newest.After(h.combined[conv.ID]) {
		h.combined[conv.ID] = newest
	}
	h.mu.Unlock()

	entry.Info("Harmonized burst processed")
	return h.MarkProcessed(ctx, claimed)
}

// GetReady returns the messages of the open burst in chronological order:
// the queued messages plus the inbound messages chained within window
// before them.
func (h *Harmonizer) GetReady(ctx context.Context, conversationID string, window time.Duration) ([]db.Message, error) {
	msgs, _, err := h.ready(ctx, conversationID, window)
	return msgs, err
}

func (h *Harmonizer) ready(ctx context.Context, conversationID string, window time.Duration) ([]db.Message, []db.MessageQueueEntry, error) {
	h.prune(h.clock.Now())

	entries, err := h.queue.QueuedEntries(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading queued entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.MessageID
	}
	queued, err := h.messages.GetMessagesByIDs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading queued messages: %w", err)
	}
	if len(queued) == 0 {
		return nil, entries, nil
	}
	sortMessages(queued)

	h.mu.Lock()
	through := h.combined[conversationID]
	h.mu.Unlock()

	seen := make(map[string]bool, len(queued))
	for _, m := range queued {
		seen[m.ID] = true
	}
	burst := queued
	earliest := queued[0].CreatedAt
	for i := 0; i < h.maxDepth; i++ {
		prior, err := h.messages.GetInboundMessagesBetween(ctx, conversationID, earliest.Add(-window), earliest)
		if err != nil {
			return nil, nil, fmt.Errorf("loading burst anchor: %w", err)
		}
		var added []db.Message
		for _, m := range prior {
			if seen[m.ID] || !m.CreatedAt.After(through) {
				continue
			}
			seen[m.ID] = true
			added = append(added, m)
		}
		if len(added) == 0 {
			break
		}
		burst = append(added, burst...)
		sortMessages(burst)
		earliest = burst[0].CreatedAt
	}
	return burst, entries, nil
}

// prune forgets combined markers too old to fall inside any burst chain.
// A chain reaches back at most maxDepth windows from a queued message.
func (h *Harmonizer) prune(now time.Time) {
	horizon := now.Add(-time.Duration(h.maxDepth+1) * h.window)
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, through := range h.combined {
		if through.Before(horizon) {
			delete(h.combined, id)
		}
	}
}

// Combine joins message texts with newlines in order
func Combine(messages []db.Message) string {
	switch len(messages) {
	case 0:
		return ""
	case 1:
		return messages[0].Text
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n")
}

// MarkProcessing claims queued entries. Entries another pass already claimed
// are skipped; the claimed ones are returned.
func (h *Harmonizer) MarkProcessing(ctx context.Context, entries []db.MessageQueueEntry) ([]db.MessageQueueEntry, error) {
	var claimed []db.MessageQueueEntry
	for _, e := range entries {
		err := h.queue.UpdateQueueStatus(ctx, e.ID, db.QueueQueued, db.QueueProcessing, "")
		if err != nil {
			if errors.Is(err, apperr.ErrStoreUnavailable) {
				return claimed, fmt.Errorf("claiming queue entry %s: %w", e.ID, err)
			}
			h.log.WithField("entry", e.ID).WithError(err).Debug("Queue entry already claimed")
			continue
		}
		e.Status = db.QueueProcessing
		claimed = append(claimed, e)
	}
	return claimed, nil
}

// MarkProcessed completes claimed entries
func (h *Harmonizer) MarkProcessed(ctx context.Context, entries []db.MessageQueueEntry) error {
	return h.finish(ctx, entries, db.QueueProcessed, "")
}

// MarkFailed fails claimed entries, recording cause on each
func (h *Harmonizer) MarkFailed(ctx context.Context, entries []db.MessageQueueEntry, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return h.finish(ctx, entries, db.QueueFailed, msg)
}

func (h *Harmonizer) finish(ctx context.Context, entries []db.MessageQueueEntry, status, errMsg string) error {
	var errs []error
	for _, e := range entries {
		if err := h.queue.UpdateQueueStatus(ctx, e.ID, db.QueueProcessing, status, errMsg); err != nil {
			errs = append(errs, fmt.Errorf("marking entry %s %s: %w", e.ID, status, err))
		}
	}
	return errors.Join(errs...)
}

func sortMessages(msgs []db.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
}
