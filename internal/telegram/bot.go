package telegram

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"companion/internal/billing"
	"companion/internal/domain"
	"companion/internal/imagegen"
	"companion/internal/infra"
	"companion/internal/policy"
	"companion/internal/providers/image"
	"companion/internal/session"
)

const (
	maxMessageRunes  = 4096
	replyTimeout     = 30 * time.Second
	pollErrorBackoff = 3 * time.Second
)

// API is the subset of the Bot API the dispatcher uses.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	SendPhoto(ctx context.Context, chatID int64, f File) error
}

// Session runs chat and create turns.
type Session interface {
	HandleTurn(ctx context.Context, in session.Inbound) (*session.Outcome, error)
	Reset(accountID int64)
}

// Ledger exposes balances and the daily bonus.
type Ledger interface {
	Account(ctx context.Context, accountID int64) (*domain.Account, error)
	ClaimDailyBonus(ctx context.Context, accountID int64) (bool, int64, error)
}

// Catalog prices operations and lists plans.
type Catalog interface {
	Cost(op domain.Operation) (int64, error)
	Limits(tier domain.Tier) policy.Limits
	Plans() []policy.Plan
}

// Images renders pictures.
type Images interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error)
	Batch(ctx context.Context, req imagegen.Request, count int) (*imagegen.BatchResult, error)
}

// Grants credits accounts on behalf of an admin.
type Grants interface {
	GrantBonusCredits(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error)
}

// Options wires a Bot.
type Options struct {
	API           API
	Session       Session
	Ledger        Ledger
	Catalog       Catalog
	Images        Images
	Grants        Grants
	AdminIDs      []int64
	DefaultLocale string
	PollTimeout   time.Duration
	Concurrency   int
	Logger        *infra.Logger
}

// Bot dispatches updates. Each update runs in its own goroutine, bounded by
// a semaphore.
type Bot struct {
	api           API
	session       Session
	ledger        Ledger
	catalog       Catalog
	images        Images
	grants        Grants
	admins        map[int64]struct{}
	defaultLocale string
	pollTimeout   time.Duration
	sem           chan struct{}
	wg            sync.WaitGroup
	logger        *infra.Logger
}

// NewBot validates opts.
func NewBot(opts Options) (*Bot, error) {
	switch {
	case opts.API == nil:
		return nil, errors.New("bot: api is required")
	case opts.Session == nil:
		return nil, errors.New("bot: session is required")
	case opts.Ledger == nil:
		return nil, errors.New("bot: ledger is required")
	case opts.Catalog == nil:
		return nil, errors.New("bot: catalog is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	admins := make(map[int64]struct{}, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[id] = struct{}{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "bot").Logger()
	return &Bot{
		api:           opts.API,
		session:       opts.Session,
		ledger:        opts.Ledger,
		catalog:       opts.Catalog,
		images:        opts.Images,
		grants:        opts.Grants,
		admins:        admins,
		defaultLocale: opts.DefaultLocale,
		pollTimeout:   pollTimeout,
		sem:           make(chan struct{}, concurrency),
		logger:        &l,
	}, nil
}

// Run long-polls until ctx is cancelled, then waits for in-flight updates.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Dur("poll_timeout", b.pollTimeout).Int("concurrency", cap(b.sem)).Msg("bot: polling started")
	defer b.wg.Wait()
	var offset int64
	for {
		if ctx.Err() != nil {
			b.logger.Info().Msg("bot: polling stopped")
			return nil
		}
		updates, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			wait := pollErrorBackoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = apiErr.RetryAfter
			}
			b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("bot: getUpdates failed")
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.From == nil || u.Message.From.IsBot {
				continue
			}
			select {
			case b.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			b.wg.Add(1)
			go func(m *Message) {
				defer b.wg.Done()
				defer func() { <-b.sem }()
				b.Handle(ctx, m)
			}(u.Message)
		}
	}
}

// Handle processes one message. It never panics.
func (b *Bot) Handle(ctx context.Context, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("bot: recovered panic")
		}
	}()
	text := strings.TrimSpace(m.Text)
	if text == "" || m.From == nil {
		return
	}
	locale := m.From.LanguageCode
	if locale == "" {
		locale = b.defaultLocale
	}
	r := &request{chatID: m.Chat.ID, user: m.From, locale: locale}

	if !strings.HasPrefix(text, "/") {
		b.turn(ctx, r, text, domain.OpChat)
		return
	}
	cmd, args := parseCommand(text)
	switch cmd {
	case "start":
		b.start(ctx, r)
	case "help", "ayuda":
		b.help(ctx, r)
	case "credits", "creditos", "estado":
		b.credits(ctx, r)
	case "daily", "bono":
		b.daily(ctx, r)
	case "reset", "clear":
		b.session.Reset(r.user.ID)
		b.reply(ctx, r, txtReset.in(r.locale))
	case "plans", "planes":
		b.reply(ctx, r, plansText(r.locale, b.catalog.Plans()))
	case "create", "crear":
		if args == "" {
			b.reply(ctx, r, txtCreateUsage.in(r.locale))
			return
		}
		b.turn(ctx, r, args, domain.OpCreateText)
	case "image", "imagen":
		b.image(ctx, r, args)
	case "images", "batch":
		b.batch(ctx, r, args)
	case "addcredits":
		b.addCredits(ctx, r, args)
	default:
		b.reply(ctx, r, txtUnknown.in(r.locale))
	}
}

type request struct {
	chatID int64
	user   *User
	locale string
}

func (b *Bot) turn(ctx context.Context, r *request, text string, op domain.Operation) {
	_ = b.api.SendChatAction(ctx, r.chatID, "typing")
	out, err := b.session.HandleTurn(ctx, session.Inbound{
		AccountID: r.user.ID,
		Text:      text,
		Locale:    r.locale,
		Operation: op,
	})
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	if out.Silent || out.Reply == "" {
		return
	}
	b.reply(ctx, r, out.Reply)
}

func (b *Bot) start(ctx context.Context, r *request) {
	b.reply(ctx, r, welcomeText(r.locale, r.user.FirstName))
	granted, balance, err := b.ledger.ClaimDailyBonus(ctx, r.user.ID)
	if err != nil {
		b.logger.Warn().Err(err).Int64("account_id", r.user.ID).Msg("bot: daily bonus on start failed")
		return
	}
	if granted {
		b.reply(ctx, r, fmt.Sprintf(txtBonusGranted.in(r.locale), domain.DailyBonus, balance))
	}
}

func (b *Bot) help(ctx context.Context, r *request) {
	chat, _ := b.catalog.Cost(domain.OpChat)
	create, _ := b.catalog.Cost(domain.OpCreateText)
	img, _ := b.catalog.Cost(domain.OpImage)
	b.reply(ctx, r, helpText(r.locale, chat, create, img))
}

func (b *Bot) credits(ctx context.Context, r *request) {
	acc, err := b.ledger.Account(ctx, r.user.ID)
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	b.reply(ctx, r, creditsText(r.locale, acc, b.catalog.Limits(acc.Tier).Name))
}

func (b *Bot) daily(ctx context.Context, r *request) {
	granted, balance, err := b.ledger.ClaimDailyBonus(ctx, r.user.ID)
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	if granted {
		b.reply(ctx, r, fmt.Sprintf(txtBonusGranted.in(r.locale), domain.DailyBonus, balance))
		return
	}
	b.reply(ctx, r, fmt.Sprintf(txtBonusTaken.in(r.locale), balance))
}

func (b *Bot) image(ctx context.Context, r *request, args string) {
	if b.images == nil {
		b.reply(ctx, r, txtUnknown.in(r.locale))
		return
	}
	if args == "" {
		b.reply(ctx, r, txtImageUsage.in(r.locale))
		return
	}
	_ = b.api.SendChatAction(ctx, r.chatID, "upload_photo")
	res, err := b.images.Generate(ctx, imagegen.Request{AccountID: r.user.ID, Prompt: args, Operation: domain.OpImage})
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	b.photo(ctx, r, res.Image, caption(args))
}

func (b *Bot) batch(ctx context.Context, r *request, args string) {
	if b.images == nil {
		b.reply(ctx, r, txtUnknown.in(r.locale))
		return
	}
	countArg, prompt := splitFirst(args)
	count, err := strconv.Atoi(countArg)
	if err != nil || prompt == "" {
		b.reply(ctx, r, txtImagesUsage.in(r.locale))
		return
	}
	_ = b.api.SendChatAction(ctx, r.chatID, "upload_photo")
	res, err := b.images.Batch(ctx, imagegen.Request{AccountID: r.user.ID, Prompt: prompt}, count)
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	for i, img := range res.Images {
		b.photo(ctx, r, img, fmt.Sprintf("✨ %d/%d", i+1, count))
	}
	b.reply(ctx, r, fmt.Sprintf(txtBatchSummary.in(r.locale), len(res.Images), count, res.Cost-res.Refunded, res.Balance))
}

func (b *Bot) addCredits(ctx context.Context, r *request, args string) {
	if _, ok := b.admins[r.user.ID]; !ok || b.grants == nil {
		b.logger.Warn().Int64("account_id", r.user.ID).Msg("bot: non-admin tried addcredits")
		b.reply(ctx, r, txtNotAdmin.in(r.locale))
		return
	}
	fields := strings.Fields(args)
	if len(fields) < 2 {
		b.reply(ctx, r, txtAddCreditsUsage.in(r.locale))
		return
	}
	target, err1 := strconv.ParseInt(fields[0], 10, 64)
	amount, err2 := strconv.ParseInt(fields[1], 10, 64)
	if err1 != nil || err2 != nil || amount <= 0 {
		b.reply(ctx, r, txtAddCreditsUsage.in(r.locale))
		return
	}
	reason := strings.Join(fields[2:], " ")
	if reason == "" {
		reason = "admin_grant"
	}
	note := fmt.Sprintf("%s (by %d)", reason, r.user.ID)
	balance, err := b.grants.GrantBonusCredits(ctx, target, amount, domain.TxAdminAdjust, note)
	if err != nil {
		b.fail(ctx, r, err)
		return
	}
	b.reply(ctx, r, fmt.Sprintf(txtAddCreditsDone.in(r.locale), amount, target, balance))
}

func (b *Bot) photo(ctx context.Context, r *request, img *imagegen.Image, caption string) {
	if img == nil || img.Asset == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := b.api.SendPhoto(sctx, r.chatID, File{Name: img.ID + image.Extension(img.Format), Data: img.Asset.Data, Caption: caption}); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", r.chatID).Str("image_id", img.ID).Msg("bot: send photo failed")
	}
}

func (b *Bot) fail(ctx context.Context, r *request, err error) {
	ev := b.logger.Warn()
	if errors.Is(err, domain.ErrStorage) {
		ev = b.logger.Error()
	}
	ev.Err(err).Int64("account_id", r.user.ID).Msg("bot: request failed")
	b.reply(ctx, r, session.UserMessage(err, r.locale))
}

// reply outlives a cancelled poll so a settled turn is still delivered.
func (b *Bot) reply(ctx context.Context, r *request, text string) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	for _, chunk := range splitText(text, maxMessageRunes) {
		if err := b.api.SendMessage(sctx, r.chatID, chunk); err != nil {
			b.logger.Error().Err(err).Int64("chat_id", r.chatID).Msg("bot: send message failed")
			return
		}
	}
}

// parseCommand splits "/cmd@botname args" into ("cmd", "args").
func parseCommand(text string) (string, string) {
	head, args := splitFirst(strings.TrimPrefix(text, "/"))
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(head), args
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}

func caption(prompt string) string {
	if utf8.RuneCountInString(prompt) <= 200 {
		return "✨ " + prompt
	}
	return "✨ " + string([]rune(prompt)[:200]) + "..."
}

var (
	_ API     = (*Client)(nil)
	_ Session = (*session.Controller)(nil)
	_ Images  = (*imagegen.Service)(nil)
	_ Grants  = (*billing.Service)(nil)
)
