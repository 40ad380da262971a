package language

import (
	"commerce-assistant/internal/cache"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/repository/memory"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestDetectLanguage(t *testing.T) {
	tr := NewTracker(memory.NewStore(nil), nil, nil)

	tests := []struct {
		name string
		text string
		want Language
	}{
		{name: "empty", text: "", want: English},
		{name: "no indicators", text: "12345 ???", want: English},
		{name: "english only", text: "Hello, how much is the red one?", want: English},
		{name: "swahili only", text: "Habari, bei gani?", want: Swahili},
		{name: "both", text: "Habari, I want the red one", want: Mixed},
		{name: "case insensitive", text: "ASANTE SANA", want: Swahili},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tr.DetectLanguage(tt.text); got != tt.want {
				t.Errorf("DetectLanguage(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestDetector_InjectedLexiconIgnoresSharedWords(t *testing.T) {
	d := NewDetector(Lexicon{
		English: {"ok", "shoes"},
		Swahili: {"ok", "viatu"},
	})

	if lang, found := d.Detect("ok"); found || lang != Default {
		t.Errorf("Detect(shared word) = %s, %v, want default without indicators", lang, found)
	}
	if lang, _ := d.Detect("viatu ok"); lang != Swahili {
		t.Errorf("Detect() = %s, want sw", lang)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := map[string]Language{"en": English, "SW": Swahili, " mixed ": Mixed, "fr": English, "": English}
	for in, want := range tests {
		if got := NormalizeLanguage(in); got != want {
			t.Errorf("NormalizeLanguage(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestShouldMaintain(t *testing.T) {
	tests := []struct {
		name          string
		current       Language
		locked        bool
		detected      Language
		hasIndicators bool
		want          bool
	}{
		{name: "locked always maintains", current: English, locked: true, detected: Swahili, hasIndicators: true, want: true},
		{name: "no indicators maintains", current: Swahili, detected: English, hasIndicators: false, want: true},
		{name: "same language", current: Swahili, detected: Swahili, hasIndicators: true, want: true},
		{name: "mixed does not move single", current: English, detected: Mixed, hasIndicators: true, want: true},
		{name: "mixed state switches to clear", current: Mixed, detected: Swahili, hasIndicators: true, want: false},
		{name: "other single language switches", current: English, detected: Swahili, hasIndicators: true, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldMaintain(tt.current, tt.locked, tt.detected, tt.hasIndicators); got != tt.want {
				t.Errorf("ShouldMaintain() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTracker_GetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	fc := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(fc)
	c := cache.NewMemory(fc)
	tr := NewTracker(store, c, nil)

	if got := tr.GetConversationLanguage(ctx, "c1"); got != English {
		t.Errorf("GetConversationLanguage(missing) = %s, want en", got)
	}

	_ = store.SaveContext(ctx, &db.ConversationContext{ConversationID: "c1"})
	if err := tr.SetConversationLanguage(ctx, "c1", "sw", true); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetConversationLanguage(ctx, "c1", "klingon", true); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetConversationLanguage(ctx, "c1", "sw", false); err != nil {
		t.Fatal(err)
	}

	stored, _ := store.GetContext(ctx, "c1")
	if len(stored.DetectedLanguage) != 2 || stored.DetectedLanguage[0] != "en" || stored.DetectedLanguage[1] != "sw" {
		t.Errorf("DetectedLanguage = %v, want [en sw]", stored.DetectedLanguage)
	}
	if stored.LanguageUsage["sw"] != 1 || stored.LanguageUsage["en"] != 1 {
		t.Errorf("LanguageUsage = %v", stored.LanguageUsage)
	}

	// served from cache even when the store is down
	store.SetFailure(errors.New("down"))
	if got := tr.GetConversationLanguage(ctx, "c1"); got != Swahili {
		t.Errorf("GetConversationLanguage(cached) = %s, want sw", got)
	}
}

func TestTracker_GetDegradesToDefault(t *testing.T) {
	store := memory.NewStore(nil)
	store.SetFailure(errors.New("down"))
	tr := NewTracker(store, nil, nil)

	if got := tr.GetConversationLanguage(context.Background(), "c1"); got != English {
		t.Errorf("GetConversationLanguage() = %s, want en on store failure", got)
	}
}

func TestTracker_DegradedLogsCarryTenant(t *testing.T) {
	hook := test.NewLocal(logger.Log)
	defer hook.Reset()

	store := memory.NewStore(nil)
	store.SetFailure(errors.New("down"))
	tr := NewTracker(store, nil, nil)

	tr.GetConversationLanguage(logger.WithTenant(context.Background(), "tenant-1"), "c1")

	found := false
	for _, e := range hook.AllEntries() {
		if e.Data["operation"] != "store_get" {
			continue
		}
		found = true
		if e.Data["tenant"] != "tenant-1" {
			t.Errorf("tenant = %v, want tenant-1", e.Data["tenant"])
		}
	}
	if !found {
		t.Error("no degraded store_get entry logged")
	}
}

func TestTracker_ShouldMaintainLanguage(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(nil)
	tr := NewTracker(store, nil, nil)

	_ = store.SaveContext(ctx, &db.ConversationContext{ConversationID: "c1", DetectedLanguage: []string{"en"}})
	if tr.ShouldMaintainLanguage(ctx, "c1", "Habari, bei gani?") {
		t.Error("clear Swahili should switch an English conversation")
	}
	if !tr.ShouldMaintainLanguage(ctx, "c1", "habari I want this") {
		t.Error("mixed text should not switch an English conversation")
	}

	_ = store.SaveContext(ctx, &db.ConversationContext{ConversationID: "c2", DetectedLanguage: []string{"en"}, LanguageLocked: true})
	if !tr.ShouldMaintainLanguage(ctx, "c2", "Habari, bei gani?") {
		t.Error("locked conversation must maintain")
	}
}

func TestTracker_Observe(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.NewStore(nil), nil, nil)
	c := &db.ConversationContext{ConversationID: "c1"}

	if got := tr.Observe(ctx, c, "Habari"); got != Swahili {
		t.Fatalf("Observe(first) = %s, want sw", got)
	}
	if got := tr.Observe(ctx, c, "habari, the red one"); got != Swahili {
		t.Errorf("Observe(mixed) = %s, want sw maintained", got)
	}
	if got := tr.Observe(ctx, c, "123"); got != Swahili {
		t.Errorf("Observe(no indicators) = %s, want sw maintained", got)
	}
	if got := tr.Observe(ctx, c, "Hello, what is the price?"); got != English {
		t.Errorf("Observe(english) = %s, want switch to en", got)
	}
	if c.CurrentLanguage() != "en" {
		t.Errorf("CurrentLanguage() = %s, want en", c.CurrentLanguage())
	}
	if c.LanguageUsage["sw"] != 2 || c.LanguageUsage["en"] != 1 {
		t.Errorf("LanguageUsage = %v, want sw=2 en=1", c.LanguageUsage)
	}
}
