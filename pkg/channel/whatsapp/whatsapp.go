// Package whatsapp sends outbound messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatpipe/pkg/channel"
	"chatpipe/pkg/config"
	"chatpipe/pkg/errs"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	defaultTimeout    = 15 * time.Second
	maxRetries        = 2
)

var _ channel.Messenger = (*Client)(nil)

// Options overrides the HTTP client and retry pacing.
type Options struct {
	HTTPClient *http.Client
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Client implements channel.Messenger against the Cloud API messages endpoint.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	retryDelay  time.Duration
	log         *slog.Logger
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type reactionBody struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

type sendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Reaction         *reactionBody `json:"reaction,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type apiError struct {
	Error struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      int    `json:"code"`
		FBTraceID string `json:"fbtrace_id"`
	} `json:"error"`
}

// New builds a Client from cfg.
func New(cfg config.WhatsAppConfig, opts Options) (*Client, error) {
	phoneNumberID := strings.TrimSpace(cfg.PhoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp.phone_number_id is required")
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, errors.New("whatsapp.access_token is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if version == "" {
		version = defaultAPIVersion
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		endpoint:    fmt.Sprintf("%s/%s/%s/messages", baseURL, version, phoneNumberID),
		accessToken: token,
		httpClient:  httpClient,
		retryDelay:  retryDelay,
		log:         log.With("component", "channel.whatsapp"),
	}, nil
}

// SendText delivers body to the recipient and returns the provider message id.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errs.New(errs.KindPermanent, "whatsapp.send_text", "recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errs.New(errs.KindPermanent, "whatsapp.send_text", "body is required")
	}

	resp, err := c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textBody{Body: body},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Messages) == 0 {
		return "", nil
	}
	c.log.Debug("Text sent", "to", to, "message_id", resp.Messages[0].ID, "length", len(body))
	return resp.Messages[0].ID, nil
}

// SendReaction attaches emoji to a previously received message.
func (c *Client) SendReaction(ctx context.Context, to string, messageID string, emoji string) error {
	if strings.TrimSpace(messageID) == "" {
		return errs.New(errs.KindPermanent, "whatsapp.send_reaction", "message id is required")
	}
	_, err := c.send(ctx, sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimSpace(to),
		Type:             "reaction",
		Reaction:         &reactionBody{MessageID: messageID, Emoji: emoji},
	})
	return err
}

// send posts payload, retrying throttling and server errors a bounded
// number of times.
func (c *Client) send(ctx context.Context, payload sendRequest) (sendResponse, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return sendResponse{}, errs.Wrap(errs.KindPermanent, "whatsapp.encode", err)
	}

	var out sendResponse
	operation := func() error {
		resp, err := c.post(ctx, encoded)
		if err != nil {
			if errs.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.Warn("Cloud API request failed, retrying", "type", payload.Type, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return sendResponse{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, body []byte) (sendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return sendResponse{}, errs.Wrap(errs.KindPermanent, "whatsapp.request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := errs.Classify(err)
		if kind == errs.KindPermanent {
			kind = errs.KindTransient
		}
		return sendResponse{}, errs.Wrap(kind, "whatsapp.post", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sendResponse{}, errs.Wrap(errs.KindTransient, "whatsapp.read", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sendResponse{}, statusError(resp.StatusCode, raw)
	}

	var out sendResponse
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return sendResponse{}, errs.Wrap(errs.KindPermanent, "whatsapp.decode", err)
		}
	}
	return out, nil
}

func statusError(status int, raw []byte) error {
	kind := errs.KindPermanent
	if status == http.StatusTooManyRequests || status >= 500 {
		kind = errs.KindTransient
	}

	detail := strings.TrimSpace(string(raw))
	var parsed apiError
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		detail = fmt.Sprintf("%s (code %d, trace %s)", parsed.Error.Message, parsed.Error.Code, parsed.Error.FBTraceID)
	}
	return errs.Newf(kind, "whatsapp.post", "status %d: %s", status, detail)
}
