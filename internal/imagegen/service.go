// Package imagegen meters image generation against the credit ledger with
// the same debit, generate, refund discipline as chat turns.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"companion/internal/domain"
	"companion/internal/infra"
	"companion/internal/infra/metrics"
	"companion/internal/policy"
	"companion/internal/providers/image"
	"companion/internal/storage"
	"companion/pkg/zip"
)

const (
	MinPromptLength = 3
	MaxPromptLength = 500
	MaxBatch        = 10

	defaultTimeout = 60 * time.Second
	refundTimeout  = 10 * time.Second
)

// Ledger is the slice of the credit ledger image generation needs.
type Ledger interface {
	Account(ctx context.Context, accountID int64) (*domain.Account, error)
	DebitIfAffordable(ctx context.Context, accountID int64, amount int64, note string) (bool, int64, error)
	Credit(ctx context.Context, accountID int64, amount int64, kind domain.TxKind, note string) (int64, error)
}

// Policy prices operations and describes tiers.
type Policy interface {
	Cost(op domain.Operation) (int64, error)
	Limits(tier domain.Tier) policy.Limits
}

// Options wires a Service.
type Options struct {
	Ledger    Ledger
	Policy    Policy
	Generator image.Generator
	// Store keeps a copy of every image when set.
	Store   *storage.FileStore
	Timeout time.Duration
	Logger  *infra.Logger
}

// Service is safe for concurrent use.
type Service struct {
	ledger    Ledger
	policy    Policy
	generator image.Generator
	store     *storage.FileStore
	timeout   time.Duration
	now       func() time.Time
	logger    *infra.Logger
}

// Request is a single image order.
type Request struct {
	AccountID int64
	// Prompt may start with a style preset name.
	Prompt    string
	Operation domain.Operation
}

// Image is one generated picture.
type Image struct {
	ID         string        `json:"id"`
	Asset      *image.Asset  `json:"-"`
	URL        string        `json:"url"`
	Format     string        `json:"format"`
	StorageKey string        `json:"storage_key,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Result reports a single generation.
type Result struct {
	Image   *Image `json:"image"`
	Style   string `json:"style,omitempty"`
	Cost    int64  `json:"cost"`
	Balance int64  `json:"balance"`
}

// BatchResult reports a batch. Failed images have been refunded.
type BatchResult struct {
	Images   []*Image `json:"images"`
	Failed   int      `json:"failed"`
	Cost     int64    `json:"cost"`
	Refunded int64    `json:"refunded"`
	Balance  int64    `json:"balance"`
}

// New validates opts.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil || opts.Policy == nil || opts.Generator == nil {
		return nil, errors.New("imagegen: ledger, policy and generator are required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	l := logger.With().Str("component", "imagegen").Logger()
	return &Service{
		ledger:    opts.Ledger,
		policy:    opts.Policy,
		generator: opts.Generator,
		store:     opts.Store,
		timeout:   timeout,
		now:       time.Now,
		logger:    &l,
	}, nil
}

// Generate debits the operation cost, renders one image and refunds on any
// failure after the debit.
func (s *Service) Generate(ctx context.Context, req Request) (res *Result, err error) {
	op := req.Operation
	if op == "" {
		op = domain.OpImage
	}
	if op != domain.OpImage && op != domain.OpCreateImage {
		return nil, fmt.Errorf("%w: operation %q is not an image operation", domain.ErrValidation, op)
	}
	style, prompt, err := parsePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	cost, err := s.policy.Cost(op)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Int64("account_id", req.AccountID).Str("operation", string(op)).Logger()

	ok, balance, err := s.ledger.DebitIfAffordable(ctx, req.AccountID, cost, string(op))
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.ImagesTotal.WithLabelValues("insufficient_credits").Inc()
		return nil, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientCredits, cost, balance)
	}

	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("imagegen: recovered panic")
			err = fmt.Errorf("%w: panic: %v", domain.ErrProviderFailure, r)
			res = nil
		}
		if err != nil && !settled {
			_, err = s.refund(ctx, log, req.AccountID, op, cost, err)
		}
	}()

	img, err := s.render(ctx, req.AccountID, image.GenerateRequest{Prompt: prompt, Style: style})
	if err != nil {
		metrics.ImagesTotal.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	settled = true
	metrics.ImagesTotal.WithLabelValues("ok").Inc()
	log.Info().Str("image_id", img.ID).Dur("elapsed", img.Elapsed).Int64("balance", balance).Msg("imagegen: image generated")
	return &Result{Image: img, Style: string(style), Cost: cost, Balance: balance}, nil
}

// Batch renders count images of one prompt for tiers that allow it. The
// whole batch is debited up front; failed images are refunded in a single
// credit.
func (s *Service) Batch(ctx context.Context, req Request, count int) (res *BatchResult, err error) {
	if count < 1 || count > MaxBatch {
		return nil, fmt.Errorf("%w: batch size must be between 1 and %d", domain.ErrValidation, MaxBatch)
	}
	style, prompt, err := parsePrompt(req.Prompt)
	if err != nil {
		return nil, err
	}
	acc, err := s.ledger.Account(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if !s.policy.Limits(acc.Tier).BatchImages {
		return nil, fmt.Errorf("%w: batch images are not included in tier %q", domain.ErrUnsupportedPlan, acc.Tier)
	}
	unit, err := s.policy.Cost(domain.OpImage)
	if err != nil {
		return nil, err
	}
	total := unit * int64(count)
	log := s.logger.With().Int64("account_id", req.AccountID).Str("operation", "image_batch").Int("count", count).Logger()

	ok, balance, err := s.ledger.DebitIfAffordable(ctx, req.AccountID, total, fmt.Sprintf("image_batch x%d", count))
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.ImagesTotal.WithLabelValues("insufficient_credits").Inc()
		return nil, fmt.Errorf("%w: need %d, have %d", domain.ErrInsufficientCredits, total, balance)
	}

	out := &BatchResult{Cost: total, Balance: balance}
	settled := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("imagegen: recovered panic")
			err = fmt.Errorf("%w: panic: %v", domain.ErrProviderFailure, r)
			res = nil
		}
		if err != nil && !settled {
			// nothing was delivered; return the whole debit
			_, err = s.refund(ctx, log, req.AccountID, domain.OpImage, total, err)
		}
	}()

	var lastErr error
	batchID := uuid.NewString()
	for i := 0; i < count; i++ {
		img, genErr := s.render(ctx, req.AccountID, image.GenerateRequest{
			Prompt:    prompt,
			Style:     style,
			RequestID: fmt.Sprintf("%s-%d", batchID, i),
		})
		if genErr != nil {
			metrics.ImagesTotal.WithLabelValues(outcomeLabel(genErr)).Inc()
			log.Warn().Err(genErr).Int("index", i).Msg("imagegen: batch image failed")
			lastErr = genErr
			out.Failed++
			continue
		}
		metrics.ImagesTotal.WithLabelValues("ok").Inc()
		out.Images = append(out.Images, img)
	}
	if len(out.Images) == 0 {
		return nil, lastErr
	}
	settled = true
	if out.Failed > 0 {
		out.Refunded = unit * int64(out.Failed)
		newBalance, refundErr := s.refund(ctx, log, req.AccountID, domain.OpImage, out.Refunded, lastErr)
		if errors.Is(refundErr, domain.ErrStorage) {
			return nil, refundErr
		}
		out.Balance = newBalance
	}
	log.Info().Int("delivered", len(out.Images)).Int("failed", out.Failed).Int64("balance", out.Balance).Msg("imagegen: batch finished")
	return out, nil
}

// Archive bundles images into a zip.
func (s *Service) Archive(images []*Image) ([]byte, error) {
	assets := make([]zip.Asset, 0, len(images))
	for _, img := range images {
		if img == nil || img.Asset == nil {
			continue
		}
		assets = append(assets, zip.Asset{Filename: img.ID + image.Extension(img.Format), Data: img.Asset.Data})
	}
	return zip.ArchiveAssets(assets, s.now())
}

func (s *Service) render(ctx context.Context, accountID int64, req image.GenerateRequest) (*Image, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	start := s.now()
	asset, err := s.generator.Generate(callCtx, req)
	if err != nil {
		return nil, classify(callCtx, err)
	}
	if asset == nil || len(asset.Data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrProviderFailure)
	}
	img := &Image{
		ID:      uuid.NewString(),
		Asset:   asset,
		URL:     asset.URL,
		Format:  asset.Format,
		Elapsed: s.now().Sub(start),
	}
	if s.store != nil {
		key := fmt.Sprintf("images/%d/%s%s", accountID, img.ID, image.Extension(asset.Format))
		if _, err := s.store.Write(ctx, key, asset.Data); err != nil {
			// best-effort copy
			s.logger.Warn().Err(err).Str("key", key).Msg("imagegen: could not keep image copy")
		} else {
			img.StorageKey = key
		}
	}
	return img, nil
}

func (s *Service) refund(ctx context.Context, log zerolog.Logger, accountID int64, op domain.Operation, amount int64, cause error) (int64, error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	balance, err := s.ledger.Credit(rctx, accountID, amount, domain.TxRefund, string(op))
	if err != nil {
		metrics.RefundsTotal.WithLabelValues(string(op), "failed").Inc()
		log.Error().Err(err).AnErr("cause", cause).Int64("amount", amount).Msg("imagegen: refund failed")
		return 0, fmt.Errorf("%w: refund of %d after %v failed: %v", domain.ErrStorage, amount, cause, err)
	}
	metrics.RefundsTotal.WithLabelValues(string(op), outcomeLabel(cause)).Inc()
	log.Warn().Err(cause).Int64("amount", amount).Int64("balance", balance).Msg("imagegen: credits refunded")
	return balance, cause
}

func parsePrompt(raw string) (image.Style, string, error) {
	style, prompt := image.SplitStyle(raw)
	n := utf8.RuneCountInString(prompt)
	if n < MinPromptLength {
		return "", "", fmt.Errorf("%w: prompt is too short", domain.ErrValidation)
	}
	if n > MaxPromptLength {
		return "", "", fmt.Errorf("%w: prompt exceeds %d characters", domain.ErrValidation, MaxPromptLength)
	}
	return style, prompt, nil
}

func classify(callCtx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(callCtx.Err(), context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	case strings.Contains(err.Error(), "status 429"):
		return fmt.Errorf("%w: %v", domain.ErrGatewayRateLimited, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayRateLimited):
		return "rate_limited"
	default:
		return "provider_failure"
	}
}
