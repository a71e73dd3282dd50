// Package memory is a best-effort per-user store of past exchanges used to
// personalize the chat system prompt. Nothing in the ledger depends on it.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"companion/internal/classifier"
	"companion/internal/infra"
	"companion/internal/infra/metrics"
	"companion/internal/storage"
)

const (
	maxConversations = 50
	maxInsights      = 10
	maxSentiments    = 50
	maxProfiles      = 1000
	usersPrefix      = "users"
)

// Conversation is one recorded exchange.
type Conversation struct {
	Timestamp   time.Time            `json:"timestamp"`
	UserMessage string               `json:"user_message"`
	BotResponse string               `json:"bot_response"`
	Sentiment   classifier.Sentiment `json:"sentiment"`
	Topics      []string             `json:"topics,omitempty"`
	Operation   string               `json:"operation,omitempty"`
}

// EmotionalProfile aggregates classification results over time.
type EmotionalProfile struct {
	DominantEmotions []classifier.Sentiment `json:"dominant_emotions"`
	Triggers         []string               `json:"triggers"`
	TopicCounts      map[string]int         `json:"topic_counts"`
	SentimentHistory []classifier.Sentiment `json:"sentiment_history"`
}

// Profile is the JSON document persisted per user.
type Profile struct {
	UserID           int64            `json:"user_id"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Conversations    []Conversation   `json:"conversations"`
	EmotionalProfile EmotionalProfile `json:"emotional_profile"`
	Insights         []string         `json:"insights"`
}

// Interaction is what the session controller records after a completed turn.
type Interaction struct {
	AccountID      int64
	UserMessage    string
	BotResponse    string
	Operation      string
	Classification classifier.Classification
}

// Stats summarizes the store.
type Stats struct {
	TotalUsers int    `json:"total_users"`
	MemoryDir  string `json:"memory_dir"`
}

// Store mirrors profiles to one JSON file per user and keeps the most
// recently loaded ones in memory. Every change is written before it is
// acknowledged, so dropping a cached profile loses nothing.
type Store struct {
	files  *storage.FileStore
	now    func() time.Time
	logger *infra.Logger
	limit  int

	mu       sync.Mutex
	profiles map[int64]*Profile
	order    []int64
}

// NewStore roots the store at dir.
func NewStore(dir string, logger *infra.Logger) (*Store, error) {
	files, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "memory").Logger()
	return &Store{files: files, now: time.Now, logger: &l, limit: maxProfiles, profiles: make(map[int64]*Profile)}, nil
}

func userKey(id int64) string {
	return fmt.Sprintf("%s/user_%d.json", usersPrefix, id)
}

// Profile returns a copy of the user's profile, loading it from disk on
// first access.
func (s *Store) Profile(ctx context.Context, accountID int64) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return p.clone(), nil
}

// RecordInteraction appends an exchange and updates the emotional profile.
// A failure is counted and returned; callers treat it as non-fatal.
func (s *Store) RecordInteraction(ctx context.Context, in Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked(ctx, in.AccountID)
	if err != nil {
		metrics.MemoryWriteFailures.Inc()
		return err
	}
	now := s.now().UTC()
	c := in.Classification
	if c.Sentiment == "" {
		c.Sentiment = classifier.Neutral
	}
	p.Conversations = append(p.Conversations, Conversation{
		Timestamp:   now,
		UserMessage: in.UserMessage,
		BotResponse: in.BotResponse,
		Sentiment:   c.Sentiment,
		Topics:      c.Topics,
		Operation:   in.Operation,
	})
	if over := len(p.Conversations) - maxConversations; over > 0 {
		p.Conversations = append([]Conversation(nil), p.Conversations[over:]...)
	}

	ep := &p.EmotionalProfile
	if !containsSentiment(ep.DominantEmotions, c.Sentiment) {
		ep.DominantEmotions = append(ep.DominantEmotions, c.Sentiment)
	}
	ep.SentimentHistory = append(ep.SentimentHistory, c.Sentiment)
	if over := len(ep.SentimentHistory) - maxSentiments; over > 0 {
		ep.SentimentHistory = append([]classifier.Sentiment(nil), ep.SentimentHistory[over:]...)
	}
	if ep.TopicCounts == nil {
		ep.TopicCounts = make(map[string]int)
	}
	for _, topic := range c.Topics {
		if ep.TopicCounts[topic] == 0 {
			ep.Triggers = append(ep.Triggers, topic)
		}
		ep.TopicCounts[topic]++
	}
	p.UpdatedAt = now
	return s.saveLocked(ctx, p)
}

// AddInsight stores an observation, keeping the most recent ten. Insights
// reach the system prompt through PersonalizedContext, so callers pass
// derived text, never user input.
func (s *Store) AddInsight(ctx context.Context, accountID int64, insight string) error {
	insight = strings.TrimSpace(insight)
	if insight == "" {
		return errors.New("memory: insight is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.loadLocked(ctx, accountID)
	if err != nil {
		return err
	}
	p.Insights = append(p.Insights, insight)
	if over := len(p.Insights) - maxInsights; over > 0 {
		p.Insights = append([]string(nil), p.Insights[over:]...)
	}
	p.UpdatedAt = s.now().UTC()
	return s.saveLocked(ctx, p)
}

// PersonalizedContext renders a short summary for the system prompt, or ""
// when nothing is known about the user. It carries only derived labels:
// sentiments, lexicon topics and insights. Message text never appears.
func (s *Store) PersonalizedContext(ctx context.Context, accountID int64) (string, error) {
	p, err := s.Profile(ctx, accountID)
	if err != nil {
		return "", err
	}
	var parts []string
	ep := p.EmotionalProfile
	if len(ep.DominantEmotions) > 0 {
		names := make([]string, 0, 3)
		for _, e := range firstN(ep.DominantEmotions, 3) {
			names = append(names, string(e))
		}
		parts = append(parts, "Emociones frecuentes: "+strings.Join(names, ", "))
	}
	if topics := topTopics(ep.TopicCounts, 3); len(topics) > 0 {
		parts = append(parts, "Temas recurrentes: "+strings.Join(topics, ", "))
	}
	if len(p.Insights) > 0 {
		parts = append(parts, "Insights previos: "+strings.Join(lastN(p.Insights, 2), "; "))
	}
	return strings.Join(parts, "\n"), nil
}

// Stats counts persisted user files.
func (s *Store) Stats() (Stats, error) {
	keys, err := s.files.List(usersPrefix, ".json")
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalUsers: len(keys), MemoryDir: s.files.BasePath()}, nil
}

func (s *Store) loadLocked(ctx context.Context, id int64) (*Profile, error) {
	if p, ok := s.profiles[id]; ok {
		return p, nil
	}
	data, err := s.files.Read(ctx, userKey(id))
	switch {
	case errors.Is(err, storage.ErrNotExist):
		now := s.now().UTC()
		p := &Profile{UserID: id, CreatedAt: now, UpdatedAt: now}
		s.cacheLocked(p)
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("memory: load %d: %w", id, err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		// a corrupt file is replaced on the next write
		s.logger.Warn().Err(err).Int64("account_id", id).Msg("memory: discarding unreadable profile")
		now := s.now().UTC()
		p = Profile{UserID: id, CreatedAt: now, UpdatedAt: now}
	}
	p.UserID = id
	s.cacheLocked(&p)
	return &p, nil
}

func (s *Store) cacheLocked(p *Profile) {
	for len(s.order) >= s.limit {
		delete(s.profiles, s.order[0])
		s.order = s.order[1:]
	}
	s.profiles[p.UserID] = p
	s.order = append(s.order, p.UserID)
}

func (s *Store) saveLocked(ctx context.Context, p *Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		metrics.MemoryWriteFailures.Inc()
		return fmt.Errorf("memory: encode %d: %w", p.UserID, err)
	}
	if _, err := s.files.Write(ctx, userKey(p.UserID), data); err != nil {
		metrics.MemoryWriteFailures.Inc()
		return fmt.Errorf("memory: save %d: %w", p.UserID, err)
	}
	s.logger.Debug().Int64("account_id", p.UserID).Int("conversations", len(p.Conversations)).Msg("memory: profile saved")
	return nil
}

func (p *Profile) clone() *Profile {
	out := *p
	out.Conversations = append([]Conversation(nil), p.Conversations...)
	out.Insights = append([]string(nil), p.Insights...)
	out.EmotionalProfile.DominantEmotions = append([]classifier.Sentiment(nil), p.EmotionalProfile.DominantEmotions...)
	out.EmotionalProfile.SentimentHistory = append([]classifier.Sentiment(nil), p.EmotionalProfile.SentimentHistory...)
	out.EmotionalProfile.Triggers = append([]string(nil), p.EmotionalProfile.Triggers...)
	out.EmotionalProfile.TopicCounts = make(map[string]int, len(p.EmotionalProfile.TopicCounts))
	for k, v := range p.EmotionalProfile.TopicCounts {
		out.EmotionalProfile.TopicCounts[k] = v
	}
	return &out
}

func containsSentiment(list []classifier.Sentiment, s classifier.Sentiment) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func topTopics(counts map[string]int, n int) []string {
	topics := make([]string, 0, len(counts))
	for t := range counts {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if counts[topics[i]] != counts[topics[j]] {
			return counts[topics[i]] > counts[topics[j]]
		}
		return topics[i] < topics[j]
	})
	return firstN(topics, n)
}

func firstN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func lastN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
