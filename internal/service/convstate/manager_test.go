package convstate

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/repository/memory"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func TestManager_LoadCreatesContext(t *testing.T) {
	fc := clock.Fake(t0)
	m := NewManager(memory.NewStore(fc), fc, 30*time.Minute)

	c, err := m.Load(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.ExpiresAt == nil || !c.ExpiresAt.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("ExpiresAt = %v, want last interaction + 30m", c.ExpiresAt)
	}
	if c.Version != db.ContextKeysVersion {
		t.Errorf("Version = %d, want %d", c.Version, db.ContextKeysVersion)
	}
}

func TestManager_ExpireOnReadClearsTransientFields(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(t0)
	store := memory.NewStore(fc)
	m := NewManager(store, fc, 30*time.Minute)

	c, _ := m.Load(ctx, "c1")
	menuAt := t0
	c.CurrentTopic = "shoes"
	c.PendingAction = "confirm_size"
	c.ExtractedEntities["color"] = "blue"
	c.LastMenu = []string{"a", "b"}
	c.LastMenuTimestamp = &menuAt
	c.ClarificationAttempts = 2
	c.ShoppingCart["p1"] = 2
	c.CheckoutState = "PRODUCT_SELECTED"
	c.DetectedLanguage = []string{"sw"}
	AddKeyFact(c, "delivers to Mombasa")
	if err := m.Save(ctx, c); err != nil {
		t.Fatal(err)
	}

	fc.Advance(29 * time.Minute)
	live, _ := m.Load(ctx, "c1")
	if live.CurrentTopic != "shoes" {
		t.Fatal("context cleared before expiry")
	}

	fc.Advance(time.Minute)
	got, err := m.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}

	if got.CurrentTopic != "" || got.PendingAction != "" || len(got.ExtractedEntities) != 0 {
		t.Errorf("transient fields not cleared: %+v", got)
	}
	if got.LastMenu != nil || got.LastMenuTimestamp != nil || got.ClarificationAttempts != 0 {
		t.Errorf("menu state not cleared: %+v", got)
	}
	if len(got.KeyFacts) != 1 || got.KeyFacts[0] != "delivers to Mombasa" {
		t.Errorf("KeyFacts = %v, want preserved", got.KeyFacts)
	}
	if got.ShoppingCart["p1"] != 2 || got.CheckoutState != "PRODUCT_SELECTED" || got.CurrentLanguage() != "sw" {
		t.Errorf("durable fields lost: %+v", got)
	}
	if !got.ExpiresAt.Equal(fc.Now().Add(30 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want re-armed", got.ExpiresAt)
	}

	// the reset is persisted
	stored, _ := store.GetContext(ctx, "c1")
	if stored.CurrentTopic != "" {
		t.Error("expired state not persisted")
	}
}

func TestManager_SaveExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(t0)
	m := NewManager(memory.NewStore(fc), fc, 30*time.Minute)

	c, _ := m.Load(ctx, "c1")
	fc.Advance(20 * time.Minute)
	_ = m.Save(ctx, c)

	if !c.LastInteraction.Equal(t0.Add(20 * time.Minute)) {
		t.Errorf("LastInteraction = %v", c.LastInteraction)
	}
	if !c.ExpiresAt.Equal(t0.Add(50 * time.Minute)) {
		t.Errorf("ExpiresAt = %v, want 50m after start", c.ExpiresAt)
	}
}

func TestManager_StoreUnavailablePropagates(t *testing.T) {
	fc := clock.Fake(t0)
	store := memory.NewStore(fc)
	store.SetFailure(errors.New("down"))
	m := NewManager(store, fc, 0)

	_, err := m.Load(context.Background(), "c1")
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("Load() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestAddKeyFact(t *testing.T) {
	c := &db.ConversationContext{}
	AddKeyFact(c, "  ")
	AddKeyFact(c, "likes red")
	AddKeyFact(c, "Likes Red")
	if len(c.KeyFacts) != 1 {
		t.Fatalf("KeyFacts = %v, want deduplicated", c.KeyFacts)
	}

	for i := 0; i < MaxKeyFacts+2; i++ {
		AddKeyFact(c, fmt.Sprintf("fact %d", i))
	}
	if len(c.KeyFacts) != MaxKeyFacts {
		t.Errorf("len(KeyFacts) = %d, want %d", len(c.KeyFacts), MaxKeyFacts)
	}
	if c.KeyFacts[len(c.KeyFacts)-1] != fmt.Sprintf("fact %d", MaxKeyFacts+1) {
		t.Errorf("newest fact missing: %v", c.KeyFacts)
	}
}

func TestManager_OnExpire(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(t0)
	store := memory.NewStore(fc)
	m := NewManager(store, fc, 30*time.Minute)

	calls := 0
	m.OnExpire(func(ctx context.Context, c *db.ConversationContext) error {
		calls++
		c.CheckoutState = ""
		return nil
	})

	c, _ := m.Load(ctx, "c1")
	c.CheckoutState = "PAYMENT_METHOD_SELECTED"
	_ = m.Save(ctx, c)

	fc.Advance(10 * time.Minute)
	if _, err := m.Load(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("hook ran %d times before expiry", calls)
	}

	fc.Advance(30 * time.Minute)
	got, err := m.Load(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || got.CheckoutState != "" {
		t.Errorf("calls = %d, CheckoutState = %q, want hook applied once", calls, got.CheckoutState)
	}
	if stored, _ := store.GetContext(ctx, "c1"); stored.CheckoutState != "" {
		t.Errorf("hook changes not persisted: %q", stored.CheckoutState)
	}
}

func TestManager_OnExpireErrorFailsLoad(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(t0)
	m := NewManager(memory.NewStore(fc), fc, time.Minute)
	m.OnExpire(func(context.Context, *db.ConversationContext) error {
		return apperr.StoreUnavailable("Abandon", errors.New("down"))
	})

	_, _ = m.Load(ctx, "c1")
	fc.Advance(2 * time.Minute)
	if _, err := m.Load(ctx, "c1"); !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Errorf("Load() error = %v, want store unavailable", err)
	}
}

func TestSetKeyFact_ReplacesLabel(t *testing.T) {
	c := &db.ConversationContext{}
	AddKeyFact(c, "prefers pickup")
	SetKeyFact(c, "delivery_location", "Nairobi")
	SetKeyFact(c, "delivery_location", "Mombasa")
	SetKeyFact(c, "size", " ")

	want := []string{"prefers pickup", "delivery_location: Mombasa"}
	if fmt.Sprint(c.KeyFacts) != fmt.Sprint(want) {
		t.Errorf("KeyFacts = %v, want %v", c.KeyFacts, want)
	}
}
