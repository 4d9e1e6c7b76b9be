package stub_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rohandixit/quillforge/internal/capability/stub"
	"github.com/rohandixit/quillforge/internal/pipeline"
	"github.com/rohandixit/quillforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paramsInput(t *testing.T, p models.JobParams) map[string]json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return map[string]json.RawMessage{"params": raw}
}

func TestInvoke_CoversEveryPhase(t *testing.T) {
	p := stub.NewProvider()
	inputs := paramsInput(t, models.JobParams{Topic: "test topic", TargetLength: 500, ImageCount: 2})

	for _, phase := range pipeline.Default().PhaseNames() {
		if phase == pipeline.PhasePublishHandoff {
			// The orchestrator executes the handoff itself.
			continue
		}
		result, err := p.Invoke(context.Background(), phase, inputs)
		require.NoError(t, err, "phase %s", phase)
		assert.True(t, json.Valid(result), "phase %s must emit valid JSON", phase)
	}
}

func TestInvoke_ImageCount(t *testing.T) {
	p := stub.NewProvider()
	inputs := paramsInput(t, models.JobParams{Topic: "t", ImageCount: 3})

	result, err := p.Invoke(context.Background(), pipeline.PhaseImage, inputs)
	require.NoError(t, err)

	var out struct {
		Images []struct {
			URL string `json:"url"`
			Alt string `json:"alt"`
		} `json:"images"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Len(t, out.Images, 3)
}

func TestInvoke_AssemblyUsesWrittenBody(t *testing.T) {
	p := stub.NewProvider()
	inputs := paramsInput(t, models.JobParams{Topic: "assembled"})
	inputs[pipeline.PhaseWriting] = json.RawMessage(`{"body":"the drafted text"}`)

	result, err := p.Invoke(context.Background(), pipeline.PhaseAssembly, inputs)
	require.NoError(t, err)

	var out struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	assert.Equal(t, "assembled", out.Title)
	assert.Equal(t, "the drafted text", out.Body)
}

func TestInvoke_UnknownPhase(t *testing.T) {
	p := stub.NewProvider()

	_, err := p.Invoke(context.Background(), "daydream", nil)
	require.Error(t, err)

	var capErr *models.CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "daydream", capErr.Phase)
	assert.False(t, capErr.Transient)
}

func TestInvoke_CancelledContext(t *testing.T) {
	p := stub.NewProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Invoke(ctx, pipeline.PhaseResearch, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
