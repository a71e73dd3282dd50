// Package image generates pictures from text prompts.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"companion/internal/infra"
)

const (
	defaultBaseURL = "https://image.pollinations.ai"
	defaultSize    = 1024
	maxImageBytes  = 20 << 20
)

// ErrEmptyPrompt is returned for blank prompts.
var ErrEmptyPrompt = errors.New("image: prompt is required")

// PollinationsOptions configures the Pollinations generator.
type PollinationsOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Pollinations renders images with GET {base}/prompt/{prompt}. The service
// needs no credentials.
type Pollinations struct {
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewPollinations builds a generator.
func NewPollinations(opts PollinationsOptions) *Pollinations {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Pollinations{baseURL: baseURL, httpClient: httpClient, logger: logger}
}

// URL returns the render URL for req after defaults are applied.
func (p *Pollinations) URL(req GenerateRequest) string {
	req = withDefaults(req)
	q := url.Values{}
	q.Set("width", strconv.Itoa(req.Width))
	q.Set("height", strconv.Itoa(req.Height))
	q.Set("seed", strconv.Itoa(req.Seed))
	q.Set("nologo", "true")
	return p.baseURL + "/prompt/" + url.PathEscape(BuildPrompt(req.Prompt, req.Style)) + "?" + q.Encode()
}

// Generate downloads one image.
func (p *Pollinations) Generate(ctx context.Context, req GenerateRequest) (*Asset, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	req = withDefaults(req)
	target := p.URL(req)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("image: build request: %w", err)
	}
	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("image: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return nil, fmt.Errorf("image: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("image: read response: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("image: empty response")
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(format), "image/") {
		return nil, fmt.Errorf("image: unexpected content type %q", format)
	}
	p.logger.Debug().
		Int("seed", req.Seed).
		Int("bytes", len(data)).
		Dur("elapsed", time.Since(start)).
		Msg("image: generated")
	return &Asset{
		URL:    target,
		Format: normalizeFormat(format),
		Width:  req.Width,
		Height: req.Height,
		Seed:   req.Seed,
		Data:   data,
	}, nil
}

var _ Generator = (*Pollinations)(nil)

func withDefaults(req GenerateRequest) GenerateRequest {
	if req.Width <= 0 {
		req.Width = defaultSize
	}
	if req.Height <= 0 {
		req.Height = defaultSize
	}
	if req.Seed <= 0 {
		if req.RequestID != "" {
			req.Seed = deterministicSeed(req.RequestID, req.Prompt, req.Style)
		} else {
			req.Seed = randomSeed()
		}
	}
	return req
}

func randomSeed() int {
	id := uuid.New()
	return int(binary.BigEndian.Uint32(id[:4])%2147483646) + 1
}

func deterministicSeed(values ...any) int {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return int(binary.BigEndian.Uint32(sum[:4])%2147483646) + 1
}
