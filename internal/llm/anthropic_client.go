package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"arcanum/internal/models"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// UsageRecorder receives token usage for every successful call. A
// recording failure fails the call: corrupt cost data is worse than a
// retried request.
type UsageRecorder interface {
	Record(ctx context.Context, threadID string, usage models.Usage, attr models.UsageAttribution) error
}

// SessionLookup resolves a thread to its session for cost attribution.
type SessionLookup interface {
	Get(threadID string) *models.Session
}

// AnthropicClient talks to the Anthropic messages API.
type AnthropicClient struct {
	http     *resty.Client
	tracker  UsageRecorder
	sessions SessionLookup
	log      zerolog.Logger
}

func NewAnthropicClient(apiKey string, tracker UsageRecorder, sessions SessionLookup, log zerolog.Logger) *AnthropicClient {
	client := resty.New().
		SetBaseURL("https://api.anthropic.com").
		SetTimeout(90 * time.Second).
		SetHeader("x-api-key", apiKey).
		SetHeader("anthropic-version", "2023-06-01").
		SetHeader("content-type", "application/json")

	return &AnthropicClient{
		http:     client,
		tracker:  tracker,
		sessions: sessions,
		log:      log.With().Str("component", "llm").Logger(),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage models.Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
	}
	// Structured item payloads ride along on turns for our own
	// bookkeeping; the API only sees role and content.
	for _, t := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: t.Role, Content: t.Content})
	}

	var out anthropicResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&out).
		Post("/v1/messages")
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}

	if resp.StatusCode() >= 300 {
		msg := resp.Status()
		if out.Error != nil {
			msg = out.Error.Message
		}
		return nil, &APIError{Status: resp.StatusCode(), Message: msg}
	}

	if len(out.Content) == 0 {
		return nil, &APIError{Status: resp.StatusCode(), Message: "empty content"}
	}

	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	c.log.Debug().
		Str("model", req.Model).
		Int("input_tokens", out.Usage.InputTokens).
		Int("output_tokens", out.Usage.OutputTokens).
		Msg("completion call")

	if c.tracker != nil && req.ThreadID != "" {
		attr := models.UsageAttribution{}
		if c.sessions != nil {
			if s := c.sessions.Get(req.ThreadID); s != nil {
				attr.Tier = s.ModelTier
				attr.PlayerID = s.PlayerID
				attr.PlayerName = s.PlayerName
			}
		}
		if err := c.tracker.Record(ctx, req.ThreadID, out.Usage, attr); err != nil {
			return nil, fmt.Errorf("record usage: %w", err)
		}
	}

	return &Response{Text: sb.String(), Usage: out.Usage}, nil
}
