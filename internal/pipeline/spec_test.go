package pipeline_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rohandixit/quillforge/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSpec_IsValid(t *testing.T) {
	spec := pipeline.Default()
	require.NoError(t, spec.Validate())

	names := spec.PhaseNames()
	assert.Len(t, names, 9)
	assert.Equal(t, pipeline.PhaseResearch, names[0])
	assert.Equal(t, pipeline.PhasePublishHandoff, names[len(names)-1])
}

func TestLoadSpec_EmptyPathUsesDefault(t *testing.T) {
	spec, err := pipeline.LoadSpec("")
	require.NoError(t, err)
	assert.Equal(t, pipeline.Default(), spec)
}

func TestLoadSpec_FromYAML(t *testing.T) {
	raw := `groups:
  - phases:
      - name: research
  - phases:
      - name: writing
        depends_on: [research]
      - name: image
        depends_on: [research]
  - phases:
      - name: assembly
        depends_on: [writing, image]
  - phases:
      - name: publish_handoff
        depends_on: [assembly]
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	spec, err := pipeline.LoadSpec(path)
	require.NoError(t, err)
	assert.Len(t, spec.Groups, 4)
	assert.Equal(t, []string{"research", "writing", "image", "assembly", "publish_handoff"}, spec.PhaseNames())
}

func TestLoadSpec_MissingFile(t *testing.T) {
	_, err := pipeline.LoadSpec(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadSpec_RejectsInvalidGraph(t *testing.T) {
	raw := `groups:
  - phases:
      - name: research
        depends_on: [publish_handoff]
  - phases:
      - name: publish_handoff
`
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	_, err := pipeline.LoadSpec(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in an earlier group")
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    *pipeline.Spec
		wantErr string
	}{
		{
			name:    "empty",
			spec:    &pipeline.Spec{},
			wantErr: "no phase groups",
		},
		{
			name: "empty group",
			spec: &pipeline.Spec{Groups: []pipeline.Group{{}}},
			wantErr: "has no phases",
		},
		{
			name: "duplicate phase",
			spec: &pipeline.Spec{Groups: []pipeline.Group{
				{Phases: []pipeline.Phase{{Name: "research"}}},
				{Phases: []pipeline.Phase{{Name: "research"}}},
			}},
			wantErr: "duplicate phase",
		},
		{
			name: "dependency on sibling",
			spec: &pipeline.Spec{Groups: []pipeline.Group{
				{Phases: []pipeline.Phase{
					{Name: "writing"},
					{Name: "image", DependsOn: []string{"writing"}},
				}},
				{Phases: []pipeline.Phase{{Name: "publish_handoff"}}},
			}},
			wantErr: "not in an earlier group",
		},
		{
			name: "final group not publish handoff",
			spec: &pipeline.Spec{Groups: []pipeline.Group{
				{Phases: []pipeline.Phase{{Name: "research"}}},
			}},
			wantErr: "final group must be",
		},
		{
			name: "final group has siblings",
			spec: &pipeline.Spec{Groups: []pipeline.Group{
				{Phases: []pipeline.Phase{{Name: "research"}}},
				{Phases: []pipeline.Phase{
					{Name: "publish_handoff", DependsOn: []string{"research"}},
					{Name: "meta", DependsOn: []string{"research"}},
				}},
			}},
			wantErr: "final group must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
