package generation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fulfillment-engine/internal/model"
	"github.com/sells-group/fulfillment-engine/pkg/anthropic"
)

type fakeAnthropicClient struct {
	lastReq anthropic.MessageRequest
	text    string
	err     error
}

func (f *fakeAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: f.text}},
	}, nil
}

func TestAnthropicRunner_BuildsPromptFromTemplate(t *testing.T) {
	plans, err := LoadPlans()
	require.NoError(t, err)
	plan, err := plans.PlanFor(model.TierStandard)
	require.NoError(t, err)

	client := &fakeAnthropicClient{text: "stage output"}
	runner := NewAnthropicRunner(client)

	out, err := runner.RunStage(context.Background(), plan, plan.Stages[1],
		"enter the widget market", []string{"landscape findings"})
	require.NoError(t, err)
	assert.Equal(t, "stage output", out)

	require.Len(t, client.lastReq.Messages, 1)
	assert.Contains(t, client.lastReq.Messages[0].Content, "enter the widget market")
	assert.Contains(t, client.lastReq.Messages[0].Content, "landscape findings")
	assert.Equal(t, plan.Stages[1].Model, client.lastReq.Model)
	require.Len(t, client.lastReq.System, 1)
	assert.NotNil(t, client.lastReq.System[0].CacheControl)
}

func TestAnthropicRunner_EmptyOutputIsError(t *testing.T) {
	plans, err := LoadPlans()
	require.NoError(t, err)
	plan, err := plans.PlanFor(model.TierBasic)
	require.NoError(t, err)

	client := &fakeAnthropicClient{text: "   "}
	runner := NewAnthropicRunner(client)

	_, err = runner.RunStage(context.Background(), plan, plan.Stages[0], "problem", nil)
	assert.Error(t, err)
}
