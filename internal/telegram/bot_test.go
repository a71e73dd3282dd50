package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"companion/internal/adapter/repo"
	"companion/internal/billing"
	"companion/internal/domain"
	"companion/internal/imagegen"
	"companion/internal/ledger"
	"companion/internal/policy"
	"companion/internal/providers/image"
	"companion/internal/session"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []string
	photos  []File
	updates chan []Update
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	select {
	case u := <-f.updates:
		return u, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeAPI) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeAPI) SendChatAction(context.Context, int64, string) error { return nil }

func (f *fakeAPI) SendPhoto(ctx context.Context, chatID int64, file File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.photos = append(f.photos, file)
	return nil
}

func (f *fakeAPI) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeAPI) last(t *testing.T) string {
	t.Helper()
	msgs := f.messages()
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

type fakeSession struct {
	mu     sync.Mutex
	turns  []session.Inbound
	resets []int64
	reply  *session.Outcome
	err    error
}

func (s *fakeSession) HandleTurn(ctx context.Context, in session.Inbound) (*session.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, in)
	return s.reply, s.err
}

func (s *fakeSession) Reset(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, id)
}

type generatorFunc func(ctx context.Context, req image.GenerateRequest) (*image.Asset, error)

func (f generatorFunc) Generate(ctx context.Context, req image.GenerateRequest) (*image.Asset, error) {
	return f(ctx, req)
}

type botHarness struct {
	bot     *Bot
	api     *fakeAPI
	session *fakeSession
	ledger  *ledger.Ledger
}

func newBotHarness(t *testing.T) *botHarness {
	t.Helper()
	l := ledger.New(repo.NewLedgerRepositoryMemory(), ledger.Options{})
	p, err := policy.New(l, nil)
	require.NoError(t, err)
	images, err := imagegen.New(imagegen.Options{
		Ledger: l,
		Policy: p,
		Generator: generatorFunc(func(context.Context, image.GenerateRequest) (*image.Asset, error) {
			return &image.Asset{Format: "image/png", Data: []byte("png")}, nil
		}),
	})
	require.NoError(t, err)
	api := &fakeAPI{updates: make(chan []Update, 1)}
	sess := &fakeSession{reply: &session.Outcome{Reply: "Aquí estoy."}}
	bot, err := NewBot(Options{
		API:      api,
		Session:  sess,
		Ledger:   l,
		Catalog:  p,
		Images:   images,
		Grants:   billing.NewService(l, p, nil),
		AdminIDs: []int64{1000},
	})
	require.NoError(t, err)
	return &botHarness{bot: bot, api: api, session: sess, ledger: l}
}

func msg(from int64, lang, text string) *Message {
	return &Message{From: &User{ID: from, FirstName: "Ana", LanguageCode: lang}, Chat: Chat{ID: from}, Text: text}
}

func TestPlainTextIsChat(t *testing.T) {
	h := newBotHarness(t)
	h.bot.Handle(context.Background(), msg(7, "en-US", "I feel tired"))
	require.Len(t, h.session.turns, 1)
	require.Equal(t, domain.OpChat, h.session.turns[0].Operation)
	require.Equal(t, "en-US", h.session.turns[0].Locale)
	require.Equal(t, "Aquí estoy.", h.api.last(t))
}

func TestSilentOutcomeSendsNothing(t *testing.T) {
	h := newBotHarness(t)
	h.session.reply = &session.Outcome{Silent: true}
	h.bot.Handle(context.Background(), msg(7, "es", "k"))
	require.Empty(t, h.api.messages())
}

func TestErrorsAreLocalized(t *testing.T) {
	h := newBotHarness(t)
	h.session.err = domain.ErrInsufficientCredits
	h.bot.Handle(context.Background(), msg(7, "en", "hello there"))
	require.Equal(t, session.UserMessage(domain.ErrInsufficientCredits, "en"), h.api.last(t))
}

func TestCommands(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.Handle(ctx, msg(8, "es", "/start"))
	msgs := h.api.messages()
	require.Len(t, msgs, 2)
	require.Contains(t, msgs[0], "Hola Ana")
	require.Contains(t, msgs[1], "+45")

	h.bot.Handle(ctx, msg(8, "es", "/daily"))
	require.Contains(t, h.api.last(t), "Ya recibiste")

	h.bot.Handle(ctx, msg(8, "es", "/credits@companion_bot"))
	require.Contains(t, h.api.last(t), "145")
	require.Contains(t, h.api.last(t), "Free")

	h.bot.Handle(ctx, msg(8, "en", "/plans"))
	require.Contains(t, h.api.last(t), "Agency")

	h.bot.Handle(ctx, msg(8, "es", "/reset"))
	require.Equal(t, []int64{8}, h.session.resets)

	h.bot.Handle(ctx, msg(8, "es", "/create\nuna carta para mi madre"))
	require.Equal(t, domain.OpCreateText, h.session.turns[len(h.session.turns)-1].Operation)
	require.Equal(t, "una carta para mi madre", h.session.turns[len(h.session.turns)-1].Text)

	h.bot.Handle(ctx, msg(8, "es", "/nope"))
	require.Contains(t, h.api.last(t), "/help")
}

func TestImageCommand(t *testing.T) {
	h := newBotHarness(t)
	h.bot.Handle(context.Background(), msg(9, "es", "/image neon una ciudad de noche"))
	require.Len(t, h.api.photos, 1)
	require.True(t, strings.HasSuffix(h.api.photos[0].Name, ".png"))
	balance, err := h.ledger.GetBalance(context.Background(), 9)
	require.NoError(t, err)
	require.Equal(t, domain.InitialBalance-10, balance)
}

func TestBatchRequiresPlan(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()
	h.bot.Handle(ctx, msg(10, "es", "/images 3 un bosque"))
	require.Equal(t, session.UserMessage(domain.ErrUnsupportedPlan, "es"), h.api.last(t))

	require.NoError(t, h.ledger.SetSubscription(ctx, 10, domain.TierPro, nil))
	h.bot.Handle(ctx, msg(10, "es", "/images 3 un bosque"))
	require.Len(t, h.api.photos, 3)
	require.Contains(t, h.api.last(t), "3/3")
}

func TestAddCreditsAdminOnly(t *testing.T) {
	h := newBotHarness(t)
	ctx := context.Background()

	h.bot.Handle(ctx, msg(11, "es", "/addcredits 11 500"))
	require.Contains(t, h.api.last(t), "administradores")

	h.bot.Handle(ctx, msg(1000, "es", "/addcredits 11 50 soporte"))
	require.Contains(t, h.api.last(t), "150")

	txs, err := h.ledger.Transactions(ctx, 11, 0)
	require.NoError(t, err)
	require.Equal(t, domain.TxAdminAdjust, txs[len(txs)-1].Kind)
	require.Contains(t, txs[len(txs)-1].Note, "soporte")
}

func TestRunDispatchesUpdates(t *testing.T) {
	h := newBotHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	h.api.updates <- []Update{
		{UpdateID: 1, Message: msg(20, "es", "hola")},
		{UpdateID: 2, Message: &Message{From: &User{ID: 99, IsBot: true}, Text: "ignored"}},
		{UpdateID: 3},
	}
	require.Eventually(t, func() bool { return len(h.api.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	require.Len(t, h.session.turns, 1)
}

func TestSplitText(t *testing.T) {
	long := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	parts := splitText(long, 40)
	require.Equal(t, []string{strings.Repeat("a", 30), strings.Repeat("b", 30)}, parts)
	require.Equal(t, []string{"short"}, splitText("short", 40))
}
