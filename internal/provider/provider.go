// Package provider abstracts the chat model behind the context
// compactor using the Eino framework.
package provider

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// LLM produces a completion for a prompt built from chat messages.
type LLM interface {
	ChatCompletion(ctx context.Context, messages []*schema.Message) (string, error)
}

// Func adapts a plain function into an LLM. Used by tests and callers
// with custom backends.
type Func func(ctx context.Context, messages []*schema.Message) (string, error)

func (f Func) ChatCompletion(ctx context.Context, messages []*schema.Message) (string, error) {
	return f(ctx, messages)
}

// SystemMessage builds a system-role message.
func SystemMessage(content string) *schema.Message {
	return schema.SystemMessage(content)
}

// UserMessage builds a user-role message.
func UserMessage(content string) *schema.Message {
	return schema.UserMessage(content)
}
