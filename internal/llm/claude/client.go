package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

const summarySystemPrompt = `You compress incident-response conversations for later reuse.
Write one dense paragraph that keeps every host, account, indicator, decision and open question.
Drop greetings and repetition. Do not add facts.`

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it; tests pass a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client sends completions to the Claude Messages API.
type Client struct {
	msg   MessagesClient
	model string
}

// New creates a client for the given API key and model name.
func New(apiKey, model string) *Client {
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewWithMessages(&c.Messages, model)
}

// NewWithMessages creates a client over an existing messages service.
func NewWithMessages(msg MessagesClient, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{msg: msg, model: model}
}

// Message is a single conversation turn.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Request is a completion request.
type Request struct {
	MaxTokens int
	System    string
	Messages  []Message
}

// Response is the text Claude answered with.
type Response struct {
	Text       string
	StopReason string
	Usage      Usage
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Send issues one Messages.New call. Transport and API failures wrap
// agenterr.ErrBackendUnavailable.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: claude: messages are required", agenterr.ErrValidation)
	}
	if req.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: claude: max tokens must be positive", agenterr.ErrValidation)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: claude messages.new: %w", agenterr.ErrBackendUnavailable, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: claude: empty response", agenterr.ErrBackendUnavailable)
	}
	return fromSDKResponse(msg), nil
}

// Complete returns the text answer to a single user prompt.
func (c *Client) Complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	resp, err := c.Send(ctx, &Request{
		MaxTokens: maxTokens,
		System:    system,
		Messages:  []Message{{Role: "user", Text: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Summarize condenses a conversation into a paragraph of at most maxTokens.
func (c *Client) Summarize(ctx context.Context, messages []string, maxTokens int) (string, error) {
	var b strings.Builder
	b.WriteString("Summarize this conversation:\n\n")
	for _, m := range messages {
		b.WriteString(m)
		b.WriteByte('\n')
	}
	text, err := c.Complete(ctx, summarySystemPrompt, b.String(), maxTokens)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: claude returned an empty summary", agenterr.ErrBackendUnavailable)
	}
	return text, nil
}

func toSDKMessages(msgs []Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		block := sdk.NewTextBlock(m.Text)
		if m.Role == "assistant" {
			out = append(out, sdk.NewAssistantMessage(block))
			continue
		}
		out = append(out, sdk.NewUserMessage(block))
	}
	return out
}

func fromSDKResponse(msg *sdk.Message) *Response {
	parts := make([]string, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return &Response{
		Text:       strings.Join(parts, "\n"),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
