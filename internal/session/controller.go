// Package session runs one user turn end to end: policy check, debit,
// provider call, and either commit or refund.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion/internal/classifier"
	"companion/internal/conversation"
	"companion/internal/domain"
	"companion/internal/gateway"
	"companion/internal/infra"
	"companion/internal/infra/metrics"
	"companion/internal/memory"
	"companion/internal/policy"
)

const (
	defaultMinInput   = 2
	defaultMaxInput   = 3000
	defaultMaxContext = 600
	refundTimeout     = 10 * time.Second
)

// ErrMessageTooLong rejects input above the configured maximum.
var ErrMessageTooLong = fmt.Errorf("%w: message too long", domain.ErrValidation)

// Ledger is the slice of the credit ledger the controller spends through.
type Ledger interface {
	DebitIfAffordable(ctx context.Context, accountID int64, amount int64, note string) (bool, int64, error)
	Credit(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error)
}

// Policy prices operations and checks affordability.
type Policy interface {
	Cost(op domain.Operation) (int64, error)
	CheckAfford(ctx context.Context, accountID int64, cost int64) (policy.Decision, error)
}

// Gateway is the completion boundary.
type Gateway interface {
	Prepare(systemPrompt string, turns []domain.Turn, params gateway.Params) (gateway.Request, error)
	Complete(ctx context.Context, req gateway.Request) (*gateway.Result, error)
	Lookup(req gateway.Request) (*gateway.Result, bool)
	Store(req gateway.Request, res *gateway.Result)
	Ready() error
	MaxContentLength() int
}

// Recorder is the optional memory side store. PersonalizedContext must only
// return derived labels; it is appended to the system turn.
type Recorder interface {
	RecordInteraction(ctx context.Context, in memory.Interaction) error
	AddInsight(ctx context.Context, accountID int64, insight string) error
	PersonalizedContext(ctx context.Context, accountID int64) (string, error)
}

// Inbound is one message from the messaging platform.
type Inbound struct {
	AccountID int64
	Text      string
	Locale    string
	Operation domain.Operation
}

// Outcome is what the platform shows the user.
type Outcome struct {
	TurnID         string        `json:"turn_id,omitempty"`
	Reply          string        `json:"reply,omitempty"`
	Silent         bool          `json:"silent,omitempty"`
	Cached         bool          `json:"cached"`
	Crisis         bool          `json:"crisis"`
	Cost           int64         `json:"cost"`
	Balance        int64         `json:"balance"`
	TokensUsed     int           `json:"tokens_used"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Options wires a Controller.
type Options struct {
	Ledger     Ledger
	Policy     Policy
	Gateway    Gateway
	Windows    *conversation.Windows
	Classifier classifier.Classifier
	Memory     Recorder
	Params     gateway.Params

	MinInputLength   int
	MaxInputLength   int
	MaxContextLength int
	Logger           *infra.Logger
}

// Controller is safe for concurrent use. It holds no lock across the
// provider call; serialization happens inside the ledger.
type Controller struct {
	ledger     Ledger
	policy     Policy
	gateway    Gateway
	windows    *conversation.Windows
	classifier classifier.Classifier
	memory     Recorder
	params     gateway.Params
	minInput   int
	maxInput   int
	maxContext int
	logger     *infra.Logger
}

// New validates options and builds a Controller.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Ledger == nil:
		return nil, errors.New("session: ledger is required")
	case opts.Policy == nil:
		return nil, errors.New("session: policy is required")
	case opts.Gateway == nil:
		return nil, errors.New("session: gateway is required")
	}
	c := &Controller{
		ledger:     opts.Ledger,
		policy:     opts.Policy,
		gateway:    opts.Gateway,
		windows:    opts.Windows,
		classifier: opts.Classifier,
		memory:     opts.Memory,
		params:     opts.Params,
		minInput:   opts.MinInputLength,
		maxInput:   opts.MaxInputLength,
		maxContext: opts.MaxContextLength,
	}
	if c.windows == nil {
		c.windows = conversation.NewWindows(conversation.DefaultCapacity)
	}
	if c.classifier == nil {
		c.classifier = classifier.Default()
	}
	if c.minInput <= 0 {
		c.minInput = defaultMinInput
	}
	if c.maxInput <= 0 {
		c.maxInput = defaultMaxInput
	}
	if c.maxContext <= 0 {
		c.maxContext = defaultMaxContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "session").Logger()
	c.logger = &l
	return c, nil
}

// Reset clears the account's conversation window.
func (c *Controller) Reset(accountID int64) {
	c.windows.Clear(accountID)
	c.logger.Info().Int64("account_id", accountID).Msg("session: window cleared")
}

// History returns the account's window, oldest first.
func (c *Controller) History(accountID int64) []domain.Turn {
	return c.windows.Snapshot(accountID)
}

// HandleTurn runs one turn. Every failure after a successful debit is
// followed by exactly one refund before the error is returned. Panics are
// recovered and reported as provider failures.
func (c *Controller) HandleTurn(ctx context.Context, in Inbound) (out *Outcome, err error) {
	op := in.Operation
	if op == "" {
		op = domain.OpChat
	}
	turnID := uuid.NewString()
	log := c.logger.With().Str("turn_id", turnID).Int64("account_id", in.AccountID).Str("operation", string(op)).Logger()
	state := func(s string) { log.Debug().Str("state", s).Msg("session: state") }

	debited := false
	defer func() {
		metrics.TurnsTotal.WithLabelValues(string(op), outcomeLabel(out, err, debited)).Inc()
	}()

	state("received")
	text := strings.TrimSpace(in.Text)
	length := utf8.RuneCountInString(text)
	if length < c.minInput {
		return &Outcome{TurnID: turnID, Silent: true}, nil
	}
	if length > c.maxInput {
		return nil, fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, length, c.maxInput)
	}
	if op != domain.OpChat && op != domain.OpCreateText {
		return nil, fmt.Errorf("%w: operation %q is not a text turn", domain.ErrValidation, op)
	}
	classification := c.classifier.Classify(text)

	cost, err := c.policy.Cost(op)
	if err != nil {
		return nil, err
	}
	decision, err := c.policy.CheckAfford(ctx, in.AccountID, cost)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		log.Info().Int64("balance", decision.Balance).Int64("cost", cost).Msg("session: insufficient credits")
		return nil, fmt.Errorf("%w: balance %d, cost %d", domain.ErrInsufficientCredits, decision.Balance, cost)
	}
	state("policy_checked")

	now := time.Now().UTC()
	userTurn := domain.Turn{Role: domain.RoleUser, Content: text, Timestamp: now}
	req, err := c.prepare(ctx, in, op, userTurn)
	if err != nil {
		return nil, err
	}

	if hit, ok := c.gateway.Lookup(req); ok {
		if op == domain.OpChat {
			c.windows.Append(in.AccountID, userTurn, c.assistantTurn(hit.Content, now))
		}
		log.Info().Msg("session: served from cache")
		return c.outcome(turnID, in.Locale, hit, classification, 0, decision.Balance), nil
	}
	if err := c.gateway.Ready(); err != nil {
		log.Info().Err(err).Msg("session: gateway busy, nothing debited")
		return nil, err
	}

	ok, balance, err := c.ledger.DebitIfAffordable(ctx, in.AccountID, cost, string(op))
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info().Int64("balance", balance).Int64("cost", cost).Msg("session: debit declined")
		return nil, fmt.Errorf("%w: balance %d, cost %d", domain.ErrInsufficientCredits, balance, cost)
	}
	debited = true
	state("debited")

	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("session: recovered panic")
			out, err = nil, fmt.Errorf("%w: internal error: %v", domain.ErrProviderFailure, r)
		}
		if err != nil && !settled {
			err = c.refund(ctx, log, in.AccountID, op, cost, err)
		}
	}()

	if op == domain.OpChat {
		c.windows.Append(in.AccountID, userTurn)
	}
	state("awaiting_provider")
	// the provider call outlives client cancellation; the gateway timeout
	// guarantees it ends
	res, err := c.gateway.Complete(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, err
	}
	if res == nil || strings.TrimSpace(res.Content) == "" {
		return nil, fmt.Errorf("%w: empty result", domain.ErrProviderFailure)
	}

	if op == domain.OpChat {
		c.windows.Append(in.AccountID, c.assistantTurn(res.Content, time.Now().UTC()))
	}
	c.gateway.Store(req, res)
	c.remember(ctx, log, in.AccountID, op, text, res.Content, classification)

	out = c.outcome(turnID, in.Locale, res, classification, cost, balance)
	settled = true
	state("completed")
	log.Info().Int64("balance", balance).Int("tokens", res.TokensUsed).Dur("elapsed", res.ProcessingTime).Bool("crisis", classification.IsCrisis).Msg("session: turn completed")
	return out, nil
}

func (c *Controller) prepare(ctx context.Context, in Inbound, op domain.Operation, userTurn domain.Turn) (gateway.Request, error) {
	switch op {
	case domain.OpCreateText:
		return c.gateway.Prepare(CreatePrompt(in.Locale), []domain.Turn{userTurn}, c.params)
	default:
		system := ChatPrompt(in.Locale)
		if extra := c.personalContext(ctx, in.AccountID); extra != "" {
			system += "\n\n" + extra
		}
		turns := append(c.windows.Snapshot(in.AccountID), userTurn)
		return c.gateway.Prepare(system, turns, c.params)
	}
}

// assistantTurn clips the reply to what Prepare accepts, so one long reply
// cannot make the window unsendable.
func (c *Controller) assistantTurn(content string, at time.Time) domain.Turn {
	if limit := c.gateway.MaxContentLength(); limit > 0 && utf8.RuneCountInString(content) > limit {
		content = string([]rune(content)[:limit])
	}
	return domain.Turn{Role: domain.RoleAssistant, Content: content, Timestamp: at}
}

func (c *Controller) personalContext(ctx context.Context, accountID int64) string {
	if c.memory == nil {
		return ""
	}
	text, err := c.memory.PersonalizedContext(ctx, accountID)
	if err != nil {
		c.logger.Debug().Err(err).Int64("account_id", accountID).Msg("session: memory context unavailable")
		return ""
	}
	if utf8.RuneCountInString(text) > c.maxContext {
		text = string([]rune(text)[:c.maxContext])
	}
	return text
}

func (c *Controller) remember(ctx context.Context, log zerolog.Logger, accountID int64, op domain.Operation, text, reply string, cl classifier.Classification) {
	if c.memory == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("session: memory recorder panicked")
		}
	}()
	err := c.memory.RecordInteraction(context.WithoutCancel(ctx), memory.Interaction{
		AccountID:      accountID,
		UserMessage:    text,
		BotResponse:    reply,
		Operation:      string(op),
		Classification: cl,
	})
	if err != nil {
		log.Warn().Err(err).Msg("session: memory write failed")
	}
	if cl.IsCrisis {
		insight := "señal de crisis el " + time.Now().UTC().Format(time.DateOnly)
		if err := c.memory.AddInsight(context.WithoutCancel(ctx), accountID, insight); err != nil {
			log.Warn().Err(err).Msg("session: memory insight failed")
		}
	}
}

func (c *Controller) refund(ctx context.Context, log zerolog.Logger, accountID int64, op domain.Operation, cost int64, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	reason := refundReason(cause)
	if _, err := c.ledger.Credit(rctx, accountID, cost, domain.TxRefund, string(op)); err != nil {
		metrics.RefundsTotal.WithLabelValues(string(op), "failed").Inc()
		log.Error().Err(err).AnErr("cause", cause).Int64("amount", cost).Msg("session: refund failed")
		return fmt.Errorf("%w: refund of %d after %v failed: %v", domain.ErrStorage, cost, cause, err)
	}
	metrics.RefundsTotal.WithLabelValues(string(op), reason).Inc()
	log.Warn().Err(cause).Int64("amount", cost).Str("reason", reason).Msg("session: turn refunded")
	return cause
}

func (c *Controller) outcome(turnID, locale string, res *gateway.Result, cl classifier.Classification, cost, balance int64) *Outcome {
	reply := res.Content
	if cl.IsCrisis {
		if resources := c.classifier.CrisisResources(locale); resources != "" {
			reply += "\n\n" + resources
		}
	}
	return &Outcome{
		TurnID:         turnID,
		Reply:          reply,
		Cached:         res.Cached,
		Crisis:         cl.IsCrisis,
		Cost:           cost,
		Balance:        balance,
		TokensUsed:     res.TokensUsed,
		ProcessingTime: res.ProcessingTime,
	}
}

func refundReason(err error) string {
	switch {
	case !domain.IsGatewayFailure(err):
		return "error"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayRateLimited):
		return "rate_limited"
	default:
		return "provider_failure"
	}
}

func outcomeLabel(out *Outcome, err error, debited bool) string {
	switch {
	case err == nil && out != nil && out.Silent:
		return "silent"
	case err == nil && out != nil && out.Cached:
		return "cached"
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrStorage):
		return "storage_error"
	case debited:
		return "refunded"
	case domain.IsGatewayFailure(err):
		return "gateway_busy"
	case errors.Is(err, domain.ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, domain.ErrValidation):
		return "rejected"
	default:
		return "error"
	}
}
