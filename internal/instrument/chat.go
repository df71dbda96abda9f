package instrument

import (
	"context"
	"strings"
)

// TokenUsage is the token accounting a provider returns with a response
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	SearchTokens int
}

type ChatMessage struct {
	Role    string
	Content string
}

type ChatCompletionRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

type ChatCompletion struct {
	ID      string
	Content string
	Usage   TokenUsage
}

// ChatClient is a client that groups its chat API under namespaces,
// as in client.Chat().Completions().Create(...).
type ChatClient interface {
	Chat() ChatNamespace
}

type ChatNamespace interface {
	Completions() ChatCompletions
}

type ChatCompletions interface {
	Create(ctx context.Context, req ChatCompletionRequest) (*ChatCompletion, error)
}

// MeteredChatClient wraps each namespace on the way down; only Create is metered.
type MeteredChatClient struct {
	inner ChatClient
	meter *Meter
}

// WrapChatClient meters chat completions created through client
func WrapChatClient(client ChatClient, meter *Meter) *MeteredChatClient {
	return &MeteredChatClient{inner: client, meter: meter}
}

func (c *MeteredChatClient) Chat() ChatNamespace {
	return &meteredChatNamespace{inner: c.inner.Chat(), meter: c.meter}
}

// Unwrap returns the real client
func (c *MeteredChatClient) Unwrap() ChatClient {
	return c.inner
}

type meteredChatNamespace struct {
	inner ChatNamespace
	meter *Meter
}

func (n *meteredChatNamespace) Completions() ChatCompletions {
	return &meteredChatCompletions{inner: n.inner.Completions(), meter: n.meter}
}

func (n *meteredChatNamespace) Unwrap() ChatNamespace {
	return n.inner
}

type meteredChatCompletions struct {
	inner ChatCompletions
	meter *Meter
}

func (c *meteredChatCompletions) Create(ctx context.Context, req ChatCompletionRequest) (*ChatCompletion, error) {
	in := PreFlightFor(messagesText(req.Messages), req.MaxTokens)
	return Run(ctx, c.meter, KindText, in,
		func(ctx context.Context) (*ChatCompletion, error) {
			return c.inner.Create(ctx, req)
		},
		func(resp *ChatCompletion) Usage {
			if resp == nil {
				return Usage{}
			}
			return textUsage(resp.Usage)
		},
	)
}

func (c *meteredChatCompletions) Unwrap() ChatCompletions {
	return c.inner
}

func messagesText(messages []ChatMessage) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(msg.Content)
	}
	return b.String()
}

func textUsage(u TokenUsage) Usage {
	return Usage{Text: usageText(u)}
}
