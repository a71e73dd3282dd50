package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"companion/internal/classifier"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return s, dir
}

func TestRecordInteractionPersists(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t)

	err := s.RecordInteraction(ctx, Interaction{
		AccountID:   5,
		UserMessage: "estoy triste por mi trabajo",
		BotResponse: "Te escucho.",
		Operation:   "chat",
		Classification: classifier.Classification{
			Sentiment: classifier.Negative,
			Topics:    []string{"depresion", "trabajo"},
		},
	})
	if err != nil {
		t.Fatalf("RecordInteraction error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "users", "user_5.json")); err != nil {
		t.Fatalf("profile file not written: %v", err)
	}

	// a fresh store reads the same file back
	reloaded, err := NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	p, err := reloaded.Profile(ctx, 5)
	if err != nil {
		t.Fatalf("Profile error: %v", err)
	}
	if len(p.Conversations) != 1 || p.Conversations[0].Sentiment != classifier.Negative {
		t.Fatalf("conversations = %+v", p.Conversations)
	}
	if p.EmotionalProfile.TopicCounts["trabajo"] != 1 {
		t.Fatalf("topic counts = %v", p.EmotionalProfile.TopicCounts)
	}

	stats, err := reloaded.Stats()
	if err != nil || stats.TotalUsers != 1 {
		t.Fatalf("Stats = %+v, %v", stats, err)
	}
}

func TestCaps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 0; i < maxConversations+5; i++ {
		if err := s.RecordInteraction(ctx, Interaction{AccountID: 1, UserMessage: fmt.Sprintf("m%d", i), BotResponse: "ok"}); err != nil {
			t.Fatalf("RecordInteraction error: %v", err)
		}
	}
	for i := 0; i < maxInsights+3; i++ {
		if err := s.AddInsight(ctx, 1, fmt.Sprintf("insight %d", i)); err != nil {
			t.Fatalf("AddInsight error: %v", err)
		}
	}
	p, _ := s.Profile(ctx, 1)
	if len(p.Conversations) != maxConversations {
		t.Fatalf("conversations = %d, want %d", len(p.Conversations), maxConversations)
	}
	if p.Conversations[0].UserMessage != "m5" {
		t.Fatalf("oldest kept = %q, want m5", p.Conversations[0].UserMessage)
	}
	if len(p.Insights) != maxInsights || p.Insights[0] != "insight 3" {
		t.Fatalf("insights = %v", p.Insights)
	}
	if err := s.AddInsight(ctx, 1, "  "); err == nil {
		t.Fatalf("expected error for blank insight")
	}
}

func TestPersonalizedContext(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	empty, err := s.PersonalizedContext(ctx, 9)
	if err != nil || empty != "" {
		t.Fatalf("PersonalizedContext(new) = %q, %v", empty, err)
	}

	long := strings.Repeat("á", 80)
	_ = s.RecordInteraction(ctx, Interaction{
		AccountID:      9,
		UserMessage:    long,
		BotResponse:    "respuesta",
		Classification: classifier.Classification{Sentiment: classifier.Negative, Topics: []string{"estres"}},
	})
	_ = s.AddInsight(ctx, 9, "prefiere respuestas cortas")

	got, err := s.PersonalizedContext(ctx, 9)
	if err != nil {
		t.Fatalf("PersonalizedContext error: %v", err)
	}
	for _, want := range []string{"Emociones frecuentes: negative", "Temas recurrentes: estres", "prefiere respuestas cortas"} {
		if !strings.Contains(got, want) {
			t.Fatalf("context %q missing %q", got, want)
		}
	}
	for _, leaked := range []string{"ááá", "Tú:", "Usuario"} {
		if strings.Contains(got, leaked) {
			t.Fatalf("context %q carries message text %q", got, leaked)
		}
	}
}

func TestProfileCacheIsBounded(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t)
	s.limit = 2
	for id := int64(1); id <= 3; id++ {
		if err := s.RecordInteraction(ctx, Interaction{AccountID: id, UserMessage: "hola", BotResponse: "hola"}); err != nil {
			t.Fatalf("RecordInteraction(%d) error: %v", id, err)
		}
	}
	if len(s.profiles) != 2 || len(s.order) != 2 {
		t.Fatalf("cached profiles = %d, order = %v, want 2", len(s.profiles), s.order)
	}
	if _, ok := s.profiles[1]; ok {
		t.Fatalf("oldest profile still cached")
	}

	// an evicted profile is read back from disk
	if err := s.RecordInteraction(ctx, Interaction{AccountID: 1, UserMessage: "otra vez", BotResponse: "ok"}); err != nil {
		t.Fatalf("RecordInteraction error: %v", err)
	}
	p, err := s.Profile(ctx, 1)
	if err != nil {
		t.Fatalf("Profile error: %v", err)
	}
	if len(p.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(p.Conversations))
	}
	if _, err := os.Stat(filepath.Join(dir, "users", "user_3.json")); err != nil {
		t.Fatalf("profile 3 not persisted: %v", err)
	}
}

func TestCorruptProfileIsReplaced(t *testing.T) {
	ctx := context.Background()
	s, dir := newTestStore(t)
	if err := os.MkdirAll(filepath.Join(dir, "users"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "users", "user_3.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := s.RecordInteraction(ctx, Interaction{AccountID: 3, UserMessage: "hola", BotResponse: "hola"}); err != nil {
		t.Fatalf("RecordInteraction error: %v", err)
	}
	p, _ := s.Profile(ctx, 3)
	if len(p.Conversations) != 1 || p.Conversations[0].Sentiment != classifier.Neutral {
		t.Fatalf("profile = %+v", p)
	}
}
