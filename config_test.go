package snapllm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigComplete(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var c Config
		c.Complete()

		assert.NotEmpty(t, c.WorkspaceRoot)
		assert.EqualValues(t, defaultHotCacheBytes, c.HotCacheBytes)
		assert.EqualValues(t, defaultVRAMBudgetMB, c.VRAMBudgetMB)
		assert.EqualValues(t, defaultMaxInference, c.MaxConcurrentInference)
	})

	t.Run("environment fills unset fields", func(t *testing.T) {
		t.Setenv(EnvWorkspace, "/mnt/nvme/snapllm")

		var c Config
		c.Complete()
		assert.Equal(t, "/mnt/nvme/snapllm", c.WorkspaceRoot)
		assert.Equal(t, filepath.Join("/mnt/nvme/snapllm", "contexts"), c.ContextsPath)
	})

	t.Run("explicit fields win", func(t *testing.T) {
		t.Setenv(EnvWorkspace, "/mnt/nvme/snapllm")

		c := Config{WorkspaceRoot: "/data/ws"}
		c.Complete()
		assert.Equal(t, "/data/ws", c.WorkspaceRoot)
	})
}

func TestConfigWorkspacePath(t *testing.T) {
	c := Config{WorkspaceRoot: "/data/ws"}
	c.Complete()
	assert.Equal(t,
		filepath.Join("/data/ws", "llama3", "Q8_0", "workspace.bin"),
		c.WorkspacePath("llama3", "Q8_0"))
}
