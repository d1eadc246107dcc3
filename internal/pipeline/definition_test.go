package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hellstation/mangalake/internal/domain"
)

func TestResolveExecutionOrder(t *testing.T) {
	tests := []struct {
		name       string
		stages     []StageDef
		wantLevels [][]string
		wantErr    bool
	}{
		{
			name:       "single_stage",
			stages:     []StageDef{{Name: "mart"}},
			wantLevels: [][]string{{"mart"}},
		},
		{
			name: "linear_chain",
			stages: []StageDef{
				{Name: "extract"},
				{Name: "transform", DependsOn: []string{"extract"}},
				{Name: "mart", DependsOn: []string{"transform"}},
			},
			wantLevels: [][]string{{"extract"}, {"transform"}, {"mart"}},
		},
		{
			name: "fan_out_level",
			stages: []StageDef{
				{Name: "extract"},
				{Name: "transform", DependsOn: []string{"extract"}},
				{Name: "mart", DependsOn: []string{"extract"}},
			},
			wantLevels: [][]string{{"extract"}, {"transform", "mart"}},
		},
		{
			name: "unknown_dependency",
			stages: []StageDef{
				{Name: "transform", DependsOn: []string{"extract"}},
			},
			wantErr: true,
		},
		{
			name: "self_dependency",
			stages: []StageDef{
				{Name: "extract", DependsOn: []string{"extract"}},
			},
			wantErr: true,
		},
		{
			name: "cycle",
			stages: []StageDef{
				{Name: "extract", DependsOn: []string{"mart"}},
				{Name: "mart", DependsOn: []string{"extract"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			levels, err := ResolveExecutionOrder(tt.stages)
			if tt.wantErr {
				require.Error(t, err)
				var verr *domain.ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevels, levels)
		})
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name:    "empty",
			def:     Definition{},
			wantErr: "no stages",
		},
		{
			name: "unknown_stage_name",
			def: Definition{Stages: []StageDef{
				{Name: "teleport"},
			}},
			wantErr: "unknown stage",
		},
		{
			name: "duplicate_stage",
			def: Definition{Stages: []StageDef{
				{Name: "extract"},
				{Name: "extract"},
			}},
			wantErr: "duplicate stage",
		},
		{
			name: "negative_retry",
			def: Definition{Stages: []StageDef{
				{Name: "extract", RetryCount: -1},
			}},
			wantErr: "retry_count",
		},
		{
			name: "valid_default",
			def:  *DefaultDefinition(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDefinition(t *testing.T) {
	t.Run("missing file falls back to default", func(t *testing.T) {
		def, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultDefinition(), def)
	})

	t.Run("empty path falls back to default", func(t *testing.T) {
		def, err := LoadDefinition("")
		require.NoError(t, err)
		assert.Equal(t, DefaultDefinition(), def)
	})

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pipeline.yaml")
		body := `schedule: "0 2 * * *"
stages:
  - name: extract
    retry_count: 2
  - name: transform
    depends_on: [extract]
  - name: mart
    depends_on: [transform]
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		def, err := LoadDefinition(path)
		require.NoError(t, err)
		assert.Equal(t, "0 2 * * *", def.Schedule)
		require.Len(t, def.Stages, 3)
		assert.Equal(t, 2, def.Stages[0].RetryCount)

		tr, ok := def.Stage("transform")
		require.True(t, ok)
		assert.Equal(t, []string{"extract"}, tr.DependsOn)
	})

	t.Run("invalid stage rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pipeline.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stages:\n  - name: warp\n"), 0o600))

		_, err := LoadDefinition(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown stage")
	})

	t.Run("malformed yaml rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pipeline.yaml")
		require.NoError(t, os.WriteFile(path, []byte("stages: [\n"), 0o600))

		_, err := LoadDefinition(path)
		require.Error(t, err)
	})
}
