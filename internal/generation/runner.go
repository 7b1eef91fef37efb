package generation

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fulfillment-engine/internal/resilience"
	"github.com/sells-group/fulfillment-engine/pkg/anthropic"
)

// StageRunner executes a single stage of a plan and returns its output.
type StageRunner interface {
	RunStage(ctx context.Context, plan Plan, stage Stage, problem string, previous []string) (string, error)
}

// AnthropicRunner runs stages against the Anthropic API with retries. The
// plan's system preamble is sent with a cache breakpoint so later stages of
// the same run read it from cache.
type AnthropicRunner struct {
	client anthropic.Client
	retry  resilience.RetryConfig
}

// NewAnthropicRunner creates a stage runner backed by the given client.
func NewAnthropicRunner(client anthropic.Client) *AnthropicRunner {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("anthropic", "stage")
	return &AnthropicRunner{client: client, retry: cfg}
}

func (r *AnthropicRunner) RunStage(ctx context.Context, plan Plan, stage Stage, problem string, previous []string) (string, error) {
	var prompt strings.Builder
	err := stage.tmpl.Execute(&prompt, promptData{
		Problem:  problem,
		Previous: strings.Join(previous, "\n\n---\n\n"),
	})
	if err != nil {
		return "", eris.Wrapf(err, "generation: render prompt for stage %q", stage.Name)
	}

	resp, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return r.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     stage.Model,
			MaxTokens: stage.MaxTokens,
			System:    anthropic.BuildCachedSystemBlocks(plan.System),
			Messages: []anthropic.Message{
				{Role: "user", Content: prompt.String()},
			},
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "generation: stage %q", stage.Name)
	}

	resp.Usage.LogCost(stage.Model, stage.Name)

	out := resp.Text()
	if strings.TrimSpace(out) == "" {
		return "", eris.Errorf("generation: stage %q returned empty output", stage.Name)
	}
	return out, nil
}
