package provider

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuncAdapter(t *testing.T) {
	llm := Func(func(ctx context.Context, messages []*schema.Message) (string, error) {
		require.Len(t, messages, 2)
		assert.Equal(t, schema.System, messages[0].Role)
		assert.Equal(t, schema.User, messages[1].Role)
		return "summary", nil
	})

	out, err := llm.ChatCompletion(context.Background(), []*schema.Message{
		SystemMessage("you summarize"),
		UserMessage("rounds"),
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAI(context.Background(), &OpenAIConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}
