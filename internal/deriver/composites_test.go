package deriver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCompositesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "composites.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"composites": [
			{
				"key": "workflow.small",
				"workflow_definition": "intake",
				"constraints": {"llm.tokens": "1000"}
			}
		]
	}`), 0o600))

	composites, err := LoadCompositesFile(path)
	require.NoError(t, err)
	require.Len(t, composites, 1)
	assert.Equal(t, "workflow.small", composites[0].Key)
	assert.Equal(t, "intake", composites[0].WorkflowDefinition)
	assert.True(t, composites[0].Constraints["llm.tokens"].Equal(decimal.NewFromInt(1000)))
}

func TestLoadCompositesFileEmptyPath(t *testing.T) {
	composites, err := LoadCompositesFile("")
	require.NoError(t, err)
	assert.Nil(t, composites)
}

func TestLoadCompositesFileRequiresKeyAndDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "composites.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"composites": [{"key": "workflow.small"}]}`), 0o600))

	_, err := LoadCompositesFile(path)
	assert.Error(t, err)
}
