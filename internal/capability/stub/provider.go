// Package stub provides a deterministic generation backend. It produces
// structurally valid output for every pipeline phase without calling an
// external model, which makes it the default for local development and the
// integration test suites.
package stub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rohandixit/quillforge/internal/pipeline"
	"github.com/rohandixit/quillforge/pkg/models"
)

type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string { return "stub" }

func (p *Provider) Invoke(ctx context.Context, phase string, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var params models.JobParams
	if raw, ok := inputs["params"]; ok {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, &models.CapabilityError{Phase: phase, Err: fmt.Errorf("decode params: %w", err)}
		}
	}

	var out any
	switch phase {
	case pipeline.PhaseResearch:
		out = map[string]any{
			"findings": []string{
				"Key background on " + params.Topic,
				"Recent developments relevant to " + params.Topic,
			},
			"sources": []string{"https://example.com/research"},
		}
	case pipeline.PhaseStrategy:
		out = map[string]any{
			"outline": []string{"Introduction", "Main discussion", "Conclusion"},
			"tone":    "informative",
		}
	case pipeline.PhaseWriting:
		body := fmt.Sprintf("An article about %s.\n\nIt covers the topic in %d words or fewer.",
			params.Topic, params.TargetLength)
		out = map[string]any{
			"body":       body,
			"word_count": len(body),
		}
	case pipeline.PhaseImage:
		count := params.ImageCount
		if count <= 0 {
			count = 1
		}
		images := make([]map[string]string, 0, count)
		for i := 0; i < count; i++ {
			images = append(images, map[string]string{
				"url": fmt.Sprintf("https://example.com/images/%d.png", i+1),
				"alt": params.Topic,
			})
		}
		out = map[string]any{"images": images}
	case pipeline.PhaseAssembly:
		var written struct {
			Body string `json:"body"`
		}
		if raw, ok := inputs[pipeline.PhaseWriting]; ok {
			_ = json.Unmarshal(raw, &written)
		}
		out = map[string]any{
			"title": params.Topic,
			"body":  written.Body,
		}
	case pipeline.PhaseMeta:
		out = map[string]any{
			"description": "An article about " + params.Topic,
			"keywords":    []string{params.Topic},
		}
	case pipeline.PhaseCategory:
		out = map[string]any{
			"category": "general",
			"tags":     []string{params.Topic},
		}
	case pipeline.PhaseQualityGate:
		out = map[string]any{
			"passed": true,
			"score":  0.92,
			"issues": []string{},
		}
	default:
		return nil, &models.CapabilityError{
			Phase: phase,
			Err:   fmt.Errorf("unsupported phase %q", phase),
		}
	}

	return json.Marshal(out)
}

// Compile-time check that Provider implements Capability.
var _ models.Capability = (*Provider)(nil)
