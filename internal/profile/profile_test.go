package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBytes_Defaults(t *testing.T) {
	p, err := LoadBytes([]byte("executor: claude-code\n"))
	require.NoError(t, err)
	assert.Equal(t, "claude-code", p.Executor)
	assert.Equal(t, "default", p.Variant)
	assert.NotEmpty(t, p.Image)
	assert.Equal(t, "1", p.Resources.CPU)
	assert.Equal(t, "2Gi", p.Resources.Memory)
}

func TestLoadBytes_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_PROFILE_KEY", "sk-test-123")
	yaml := `
executor: claude-code
variant: fast
env:
  ANTHROPIC_API_KEY: ${TEST_PROFILE_KEY}
  UNSET: ${DOES_NOT_EXIST_XYZ}
`
	p, err := LoadBytes([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "fast", p.Variant)
	assert.Equal(t, "sk-test-123", p.Env["ANTHROPIC_API_KEY"])
	assert.Equal(t, "", p.Env["UNSET"])
}

func TestLoadBytes_InvalidExecutor(t *testing.T) {
	_, err := LoadBytes([]byte("executor: \"bad name\"\n"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NoError(t, p.Validate())
	assert.Equal(t, "claude-code", p.Executor)
}
