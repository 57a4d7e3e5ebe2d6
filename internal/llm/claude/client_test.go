package claude

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/warden/internal/agenterr"
)

type fakeMessages struct {
	resp *anthropic.Message
	err  error

	got anthropic.MessageNewParams
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.got = body
	return f.resp, f.err
}

func textMessage(texts ...string) *anthropic.Message {
	msg := &anthropic.Message{
		StopReason: anthropic.StopReasonEndTurn,
		Usage:      anthropic.Usage{InputTokens: 100, OutputTokens: 50},
	}
	for _, t := range texts {
		msg.Content = append(msg.Content, anthropic.ContentBlockUnion{Type: "text", Text: t})
	}
	return msg
}

func TestToSDKMessages(t *testing.T) {
	t.Parallel()

	result := toSDKMessages([]Message{
		{Role: "user", Text: "hello"},
		{Role: "assistant", Text: "hi"},
	})

	if len(result) != 2 {
		t.Fatalf("len = %d, want 2", len(result))
	}
	if result[0].Role != "user" || result[1].Role != "assistant" {
		t.Errorf("roles = %q, %q", result[0].Role, result[1].Role)
	}
	if result[0].Content[0].OfText == nil || result[0].Content[0].OfText.Text != "hello" {
		t.Errorf("first block = %+v", result[0].Content[0])
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	msg := textMessage("first", "second")
	msg.Content = append(msg.Content, anthropic.ContentBlockUnion{Type: "tool_use", ID: "tu-1"})

	result := fromSDKResponse(msg)

	if result.Text != "first\nsecond" {
		t.Errorf("text = %q, want %q", result.Text, "first\nsecond")
	}
	if result.StopReason != "end_turn" {
		t.Errorf("stop reason = %q, want end_turn", result.StopReason)
	}
	if result.Usage.InputTokens != 100 || result.Usage.OutputTokens != 50 {
		t.Errorf("usage = %+v", result.Usage)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("the answer")}
	c := NewWithMessages(fake, "")

	got, err := c.Complete(context.Background(), "be brief", "question", 256)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "the answer" {
		t.Errorf("Complete = %q", got)
	}
	if string(fake.got.Model) != DefaultModel {
		t.Errorf("model = %q, want %q", fake.got.Model, DefaultModel)
	}
	if fake.got.MaxTokens != 256 {
		t.Errorf("max tokens = %d, want 256", fake.got.MaxTokens)
	}
	if len(fake.got.System) != 1 || fake.got.System[0].Text != "be brief" {
		t.Errorf("system = %+v", fake.got.System)
	}
}

func TestSend_Validation(t *testing.T) {
	t.Parallel()

	c := NewWithMessages(&fakeMessages{}, "m")
	if _, err := c.Send(context.Background(), &Request{MaxTokens: 10}); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("no messages: err = %v, want ErrValidation", err)
	}
	if _, err := c.Send(context.Background(), &Request{Messages: []Message{{Role: "user", Text: "x"}}}); !errors.Is(err, agenterr.ErrValidation) {
		t.Errorf("no max tokens: err = %v, want ErrValidation", err)
	}
}

func TestSend_APIErrorIsBackendUnavailable(t *testing.T) {
	t.Parallel()

	c := NewWithMessages(&fakeMessages{err: errors.New("529 overloaded")}, "m")
	_, err := c.Complete(context.Background(), "", "x", 10)
	if !errors.Is(err, agenterr.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}

	c = NewWithMessages(&fakeMessages{err: context.DeadlineExceeded}, "m")
	_, err = c.Complete(context.Background(), "", "x", 10)
	if !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, agenterr.ErrBackendUnavailable) {
		t.Errorf("deadline err = %v, want bare context error", err)
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()

	fake := &fakeMessages{resp: textMessage("  host web-1 was brute forced  ")}
	c := NewWithMessages(fake, "m")

	got, err := c.Summarize(context.Background(), []string{"user: web-1 alerts", "bot: 50 failed logins"}, 128)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "host web-1 was brute forced" {
		t.Errorf("Summarize = %q", got)
	}
	prompt := fake.got.Messages[0].Content[0].OfText.Text
	if !strings.Contains(prompt, "user: web-1 alerts\nbot: 50 failed logins") {
		t.Errorf("prompt = %q", prompt)
	}

	fake.resp = textMessage("   ")
	if _, err := c.Summarize(context.Background(), []string{"x"}, 128); !errors.Is(err, agenterr.ErrBackendUnavailable) {
		t.Errorf("empty summary err = %v, want ErrBackendUnavailable", err)
	}
}
