package harmonizer

import (
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/repository/memory"
	"commerce-assistant/internal/taskqueue"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// clockScheduler runs tasks synchronously when the fake clock fires
type clockScheduler struct {
	clock *clock.FakeClock
	mu    sync.Mutex
	errs  []error
}

func (s *clockScheduler) EnqueueAfter(delay time.Duration, task taskqueue.Task) *clock.Timer {
	return s.clock.AfterFunc(delay, func() {
		if err := task.Run(context.Background()); err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
	})
}

type fixture struct {
	h     *Harmonizer
	clock *clock.FakeClock
	store *memory.Store
	sched *clockScheduler
	conv  *db.Conversation
	calls [][]db.Message
}

func newFixture(t *testing.T, maxDepth int) *fixture {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	sched := &clockScheduler{clock: clk}
	f := &fixture{
		h:     NewHarmonizer(store, store, sched, clk, 3*time.Second, maxDepth),
		clock: clk,
		store: store,
		sched: sched,
		conv:  &db.Conversation{ID: "conv-1", TenantID: "tenant-1", Status: db.ConversationActive},
	}
	f.h.SetProcessor(func(ctx context.Context, conv *db.Conversation, msgs []db.Message) error {
		f.calls = append(f.calls, msgs)
		return nil
	})
	return f
}

func (f *fixture) inbound(t *testing.T, text string) *db.Message {
	t.Helper()
	msg := &db.Message{ConversationID: f.conv.ID, TenantID: f.conv.TenantID, Direction: db.DirectionInbound, Text: text}
	if err := f.store.AddMessage(context.Background(), msg); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
	return msg
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name string
		msgs []db.Message
		want string
	}{
		{name: "none", msgs: nil, want: ""},
		{name: "one verbatim", msgs: []db.Message{{Text: "hello\n"}}, want: "hello\n"},
		{name: "ordered join", msgs: []db.Message{{Text: "msg1"}, {Text: "msg2"}, {Text: "msg3"}}, want: "msg1\nmsg2\nmsg3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Combine(tt.msgs); got != tt.want {
				t.Errorf("Combine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBurstOfTwoMessagesIsHarmonized(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	msg1 := f.inbound(t, "msg1")
	buffer, err := f.h.ShouldBuffer(ctx, f.conv, msg1)
	if err != nil || buffer {
		t.Fatalf("ShouldBuffer(first) = %v, %v, want false", buffer, err)
	}

	f.clock.Advance(time.Second)
	msg2 := f.inbound(t, "msg2")
	buffer, err = f.h.ShouldBuffer(ctx, f.conv, msg2)
	if err != nil || !buffer {
		t.Fatalf("ShouldBuffer(second) = %v, %v, want true", buffer, err)
	}
	entry, err := f.h.Buffer(ctx, f.conv, msg2)
	if err != nil {
		t.Fatalf("Buffer() error = %v", err)
	}
	if len(f.calls) != 0 {
		t.Fatal("Buffer() processed synchronously")
	}

	f.clock.Advance(3 * time.Second)

	if len(f.calls) != 1 {
		t.Fatalf("processor calls = %d, want 1", len(f.calls))
	}
	if got := Combine(f.calls[0]); got != "msg1\nmsg2" {
		t.Errorf("combined = %q, want %q", got, "msg1\nmsg2")
	}
	stored, _ := f.store.QueueEntry(entry.ID)
	if stored.Status != db.QueueProcessed {
		t.Errorf("entry status = %s, want processed", stored.Status)
	}
}

func TestNewerMessageDefersPass(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.inbound(t, "a")
	f.clock.Advance(time.Second)
	b := f.inbound(t, "b")
	if _, err := f.h.Buffer(ctx, f.conv, b); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Second)
	c := f.inbound(t, "c")
	if _, err := f.h.Buffer(ctx, f.conv, c); err != nil {
		t.Fatal(err)
	}

	// first task fires and yields
	f.clock.Advance(time.Second)
	if len(f.calls) != 0 {
		t.Fatalf("processor ran before the burst went quiet")
	}

	f.clock.Advance(2 * time.Second)
	if len(f.calls) != 1 {
		t.Fatalf("processor calls = %d, want 1", len(f.calls))
	}
	if got := Combine(f.calls[0]); got != "a\nb\nc" {
		t.Errorf("combined = %q, want %q", got, "a\nb\nc")
	}
}

func TestShouldBuffer(t *testing.T) {
	ctx := context.Background()

	t.Run("outside window", func(t *testing.T) {
		f := newFixture(t, 10)
		f.inbound(t, "a")
		f.clock.Advance(3 * time.Second)
		b := f.inbound(t, "b")
		if ok, _ := f.h.ShouldBuffer(ctx, f.conv, b); ok {
			t.Error("ShouldBuffer() = true for message 3s after the previous one")
		}
	})

	t.Run("handoff", func(t *testing.T) {
		f := newFixture(t, 10)
		f.conv.Status = db.ConversationHandoff
		f.inbound(t, "a")
		f.clock.Advance(time.Second)
		b := f.inbound(t, "b")
		if ok, _ := f.h.ShouldBuffer(ctx, f.conv, b); ok {
			t.Error("ShouldBuffer() = true in handoff")
		}
	})

	t.Run("overflow processes immediately", func(t *testing.T) {
		f := newFixture(t, 2)
		f.inbound(t, "a")
		for _, text := range []string{"b", "c"} {
			f.clock.Advance(100 * time.Millisecond)
			m := f.inbound(t, text)
			if _, err := f.h.Buffer(ctx, f.conv, m); err != nil {
				t.Fatal(err)
			}
		}
		f.clock.Advance(100 * time.Millisecond)
		d := f.inbound(t, "d")
		if ok, err := f.h.ShouldBuffer(ctx, f.conv, d); ok || err != nil {
			t.Errorf("ShouldBuffer() at cap = %v, %v, want false", ok, err)
		}
	})

	t.Run("store failure", func(t *testing.T) {
		f := newFixture(t, 10)
		m := f.inbound(t, "a")
		f.store.SetFailure(errors.New("down"))
		if _, err := f.h.ShouldBuffer(ctx, f.conv, m); err == nil {
			t.Error("ShouldBuffer() error = nil, want store error")
		}
	})
}

func TestFailedPassMarksEntriesFailed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	f.h.SetProcessor(func(context.Context, *db.Conversation, []db.Message) error {
		return errors.New("provider exhausted")
	})

	f.inbound(t, "a")
	var entries []*db.MessageQueueEntry
	for _, text := range []string{"b", "c"} {
		f.clock.Advance(500 * time.Millisecond)
		m := f.inbound(t, text)
		e, err := f.h.Buffer(ctx, f.conv, m)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, e)
	}

	f.clock.Advance(5 * time.Second)

	for _, e := range entries {
		stored, _ := f.store.QueueEntry(e.ID)
		if stored.Status != db.QueueFailed || stored.ErrorMessage != "provider exhausted" {
			t.Errorf("entry %s = %s %q, want failed with error", e.ID, stored.Status, stored.ErrorMessage)
		}
	}
	if len(f.sched.errs) != 1 {
		t.Errorf("scheduler saw %d errors, want 1", len(f.sched.errs))
	}
}

func TestGetReadyExcludesAlreadyCombinedMessages(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	f.inbound(t, "a")
	f.clock.Advance(time.Second)
	b := f.inbound(t, "b")
	if _, err := f.h.Buffer(ctx, f.conv, b); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2500 * time.Millisecond)
	c := f.inbound(t, "c")
	if _, err := f.h.Buffer(ctx, f.conv, c); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.h.GetReady(ctx, f.conv.ID, 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := Combine(msgs); got != "a\nb\nc" {
		t.Fatalf("GetReady() = %q, want a,b,c", got)
	}

	f.clock.Advance(3 * time.Second)
	if len(f.calls) != 1 {
		t.Fatalf("processor calls = %d, want 1", len(f.calls))
	}

	d := f.inbound(t, "d")
	if _, err := f.h.Buffer(ctx, f.conv, d); err != nil {
		t.Fatal(err)
	}
	msgs, _ = f.h.GetReady(ctx, f.conv.ID, 3*time.Second)
	if got := Combine(msgs); got != "d" {
		t.Errorf("GetReady() after combined pass = %q, want %q", got, "d")
	}
}

func (h *Harmonizer) trackedConversations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.combined)
}

func TestCombinedMarkersArePruned(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.inbound(t, "a")
	f.clock.Advance(time.Second)
	b := f.inbound(t, "b")
	if _, err := f.h.Buffer(ctx, f.conv, b); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(3 * time.Second)
	if len(f.calls) != 1 {
		t.Fatalf("processor calls = %d, want 1", len(f.calls))
	}
	if n := f.h.trackedConversations(); n != 1 {
		t.Fatalf("tracked conversations = %d, want 1", n)
	}

	// within the chain horizon the marker is still needed
	f.clock.Advance(3 * time.Second)
	if _, err := f.h.GetReady(ctx, "conv-other", 3*time.Second); err != nil {
		t.Fatal(err)
	}
	if n := f.h.trackedConversations(); n != 1 {
		t.Fatalf("tracked conversations = %d, want marker kept inside horizon", n)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.h.GetReady(ctx, "conv-other", 3*time.Second); err != nil {
		t.Fatal(err)
	}
	if n := f.h.trackedConversations(); n != 0 {
		t.Errorf("tracked conversations = %d, want 0 after the horizon", n)
	}
}
