// Package telegram is the long-poll Telegram front end: a minimal Bot API
// client and the command dispatcher that drives the session controller.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"companion/internal/infra"
)

const defaultBaseURL = "https://api.telegram.org"

// ErrMissingToken indicates that the client was configured without a bot token.
var ErrMissingToken = errors.New("telegram: bot token is required")

// APIError is a Bot API response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// User is the sender of a message.
type User struct {
	ID           int64  `json:"id"`
	IsBot        bool   `json:"is_bot"`
	FirstName    string `json:"first_name"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Message is an incoming text message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// File is an upload for sendPhoto or sendDocument.
type File struct {
	Name    string
	Data    []byte
	Caption string
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// ClientOptions configures the client.
type ClientOptions struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client calls {base}/bot{token}/{method}.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client.
func NewClient(opts ClientOptions) (*Client, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, ErrMissingToken
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// long polls carry their own deadline
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = infra.NopLogger()
	}
	return &Client{token: token, baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates after offset. The request deadline is
// the poll timeout plus five seconds.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()
	form := url.Values{}
	form.Set("offset", strconv.FormatInt(offset, 10))
	form.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	form.Set("allowed_updates", `["message"]`)
	var updates []Update
	if err := c.call(ctx, "getUpdates", form, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends plain text.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)
	return c.call(ctx, "sendMessage", form, nil)
}

// SendChatAction shows a status such as "typing" or "upload_photo".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("action", action)
	return c.call(ctx, "sendChatAction", form, nil)
}

// SendPhoto uploads an image.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, f File) error {
	return c.upload(ctx, "sendPhoto", "photo", chatID, f)
}

func (c *Client) upload(ctx context.Context, method, field string, chatID int64, f File) error {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if f.Caption != "" {
		_ = mw.WriteField("caption", f.Caption)
	}
	part, err := mw.CreateFormFile(field, f.Name)
	if err != nil {
		return fmt.Errorf("telegram: %s: build form: %w", method, err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("telegram: %s: build form: %w", method, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram: %s: build form: %w", method, err)
	}
	return c.do(ctx, method, mw.FormDataContentType(), body, nil)
}

func (c *Client) call(ctx context.Context, method string, form url.Values, out any) error {
	if form == nil {
		form = url.Values{}
	}
	return c.do(ctx, method, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out)
}

func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("telegram: %s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// the url embeds the token
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram: %s: read response: %w", method, err)
	}
	var decoded apiResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("telegram: %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !decoded.OK {
		apiErr := &APIError{Method: method, Code: decoded.ErrorCode, Description: decoded.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if decoded.Parameters != nil && decoded.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(decoded.Parameters.RetryAfter) * time.Second
		}
		c.logger.Debug().Str("method", method).Int("code", apiErr.Code).Str("description", apiErr.Description).Msg("telegram: api error")
		return apiErr
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}
