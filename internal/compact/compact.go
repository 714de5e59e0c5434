// Package compact summarizes old conversation rounds in the background
// so long conversations keep a bounded prompt size. One worker, one
// in-flight job; readers always see the latest complete summary.
package compact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"
	"gopkg.in/yaml.v3"

	"github.com/runspace/runspace/internal/logging"
	"github.com/runspace/runspace/internal/provider"
	"github.com/runspace/runspace/pkg/types"
)

// stopGrace bounds the worker join during Stop.
const stopGrace = 5 * time.Second

// postPreviewLimit truncates individual post messages in the prompt.
const postPreviewLimit = 1024

const systemPrompt = "You are a helpful assistant that summarizes conversations."

const defaultPromptTemplate = `Summarize the following conversation history concisely.
Focus on: key decisions made, important information exchanged, and current state.
Preserve any critical details that would be needed to continue the conversation.

## Previous summary
{PREVIOUS_SUMMARY}

## Conversation to summarize
{content}

Provide a clear, structured summary:`

// Config controls when and how compaction runs.
type Config struct {
	// Threshold triggers a pass when this many rounds are uncompacted.
	Threshold int
	// RetainRecent keeps the last N rounds out of every summary.
	RetainRecent int
	// PromptTemplatePath points at a YAML file with a "content" key
	// holding the prompt template. Empty uses the built-in template.
	PromptTemplatePath string
	// Disabled turns the compactor into a no-op.
	Disabled bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Threshold <= 0 {
		out.Threshold = 10
	}
	if out.RetainRecent <= 0 {
		out.RetainRecent = 3
	}
	return out
}

// RoundsGetter returns the current ordered conversation rounds.
type RoundsGetter func() []types.Round

// Compactor owns the background summarization worker.
type Compactor struct {
	cfg      Config
	llm      provider.LLM
	rounds   RoundsGetter
	template string

	latest atomic.Pointer[types.CompactedMessage]

	mu      sync.Mutex
	running bool
	workCh  chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a compactor. The worker does not run until Start.
func New(cfg Config, llm provider.LLM, rounds RoundsGetter) *Compactor {
	c := &Compactor{
		cfg:    cfg.withDefaults(),
		llm:    llm,
		rounds: rounds,
	}
	c.template = loadPromptTemplate(c.cfg.PromptTemplatePath)
	return c
}

// loadPromptTemplate reads the YAML template file, falling back to the
// built-in template on any problem.
func loadPromptTemplate(path string) string {
	if path == "" {
		return defaultPromptTemplate
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("prompt template unreadable, using default")
		return defaultPromptTemplate
	}
	var doc struct {
		Content string `yaml:"content"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil || doc.Content == "" {
		logging.Warn().Str("path", path).Msg("prompt template invalid, using default")
		return defaultPromptTemplate
	}
	return doc.Content
}

// Start launches the worker. Safe to call more than once.
func (c *Compactor) Start() {
	if c.cfg.Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.workCh = make(chan struct{}, 1)
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx)
	logging.Debug().Msg("compactor worker started")
}

// Stop shuts the worker down, waiting at most a few seconds for an
// in-flight pass. Idempotent.
func (c *Compactor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopGrace):
		logging.Warn().Msg("compactor worker did not stop in time")
	}
}

// NotifyRoundsChanged wakes the worker. Never blocks; bursts of
// notifications coalesce into a single pass.
func (c *Compactor) NotifyRoundsChanged() {
	if c.cfg.Disabled {
		return
	}
	c.mu.Lock()
	workCh := c.workCh
	c.mu.Unlock()
	if workCh == nil {
		return
	}
	select {
	case workCh <- struct{}{}:
	default:
	}
}

// GetCompaction returns the latest summary, or nil before the first
// pass completes.
func (c *Compactor) GetCompaction() *types.CompactedMessage {
	return c.latest.Load()
}

func (c *Compactor) loop(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.workCh:
		}
		if err := c.tryCompact(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warn().Err(err).Msg("compaction failed, keeping previous state")
		}
	}
}

// tryCompact runs one pass. Failures leave the previous compaction in
// place.
func (c *Compactor) tryCompact(ctx context.Context) error {
	rounds := c.rounds()
	total := len(rounds)
	if total == 0 {
		return nil
	}

	prev := c.GetCompaction()
	prevEnd := 0
	if prev != nil {
		prevEnd = prev.EndIndex
	}

	if total-prevEnd < c.cfg.Threshold {
		return nil
	}
	newEnd := total - c.cfg.RetainRecent
	if newEnd <= 0 || prevEnd >= newEnd {
		return nil
	}

	logging.Info().
		Int("from", prevEnd+1).
		Int("to", newEnd).
		Int("total", total).
		Msg("compacting rounds")

	previousSummary := "None"
	if prev != nil {
		previousSummary = prev.Summary
	}

	prompt := buildPrompt(c.template, previousSummary, rounds, prevEnd, newEnd)
	summary, err := c.llm.ChatCompletion(ctx, []*schema.Message{
		provider.SystemMessage(systemPrompt),
		provider.UserMessage(prompt),
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(summary) == "" {
		return errors.New("model returned an empty summary")
	}

	c.latest.Store(&types.CompactedMessage{
		StartIndex: 1,
		EndIndex:   newEnd,
		Summary:    summary,
	})
	logging.Info().Int("end", newEnd).Msg("compaction complete")
	return nil
}

// buildPrompt fills the template with the previous summary and the
// rounds prevEnd+1..newEnd (1-based, inclusive).
func buildPrompt(template, previousSummary string, rounds []types.Round, prevEnd, newEnd int) string {
	var parts []string
	for i := prevEnd; i < newEnd; i++ {
		r := rounds[i]
		parts = append(parts, fmt.Sprintf("\n--- Round %d ---", i+1))
		parts = append(parts, "User Query: "+r.UserQuery)
		for _, post := range r.Posts {
			msg := post.Message
			if len(msg) > postPreviewLimit {
				msg = msg[:postPreviewLimit] + "..."
			}
			parts = append(parts, fmt.Sprintf("  %s -> %s: %s", post.From, post.To, msg))
		}
	}
	content := strings.Join(parts, "\n")

	out := strings.ReplaceAll(template, "{PREVIOUS_SUMMARY}", previousSummary)
	return strings.ReplaceAll(out, "{content}", content)
}
