package snapllm

import (
	"os"
	"path/filepath"

	"github.com/snapllm/snapllm-go/util/json"
	"github.com/snapllm/snapllm-go/util/osx"
)

// Environment variables overriding the default locations.
const (
	EnvWorkspace  = "SNAPLLM_WORKSPACE"
	EnvModelsPath = "SNAPLLM_MODELS_PATH"
	EnvConfigPath = "SNAPLLM_CONFIG_PATH"
)

// Config carries the tunables of the cache core.
//
// Zero values are filled in by Complete; a Config loaded from disk only
// needs to set the fields it wants to override.
type Config struct {
	// WorkspaceRoot is the directory holding per-(model, quant) workspaces
	// and the metadata index.
	WorkspaceRoot string `json:"workspaceRoot"`
	// ModelsPath is the default directory searched for source weight files.
	ModelsPath string `json:"modelsPath"`
	// ContextsPath is the directory holding persisted KV cache entries.
	ContextsPath string `json:"contextsPath"`

	// HotCacheBytes is the RAM budget of the HOT tensor cache.
	HotCacheBytes int64 `json:"hotCacheBytes"`
	// VRAMBudgetMB caps the total VRAM accounted to resident models.
	VRAMBudgetMB int64 `json:"vramBudgetMB"`
	// MaxConcurrentInference sizes the process-wide generation semaphore.
	MaxConcurrentInference int64 `json:"maxConcurrentInference"`

	// UseDirectIO disables the workspace memory mapping and serves reads
	// through positional IO instead.
	UseDirectIO bool `json:"useDirectIO"`
}

// Defaults for Config fields left zero.
const (
	defaultHotCacheBytes = 2 << 30 // 2 GiB
	defaultVRAMBudgetMB  = 7000
	defaultMaxInference  = 8
)

// DefaultConfig resolves the configuration from environment variables and,
// when SNAPLLM_CONFIG_PATH points at a JSON file, from that file.
func DefaultConfig() Config {
	var c Config

	if p := osx.Getenv(EnvConfigPath); p != "" && osx.ExistsFile(p) {
		if bs, err := os.ReadFile(osx.InlineTilde(p)); err == nil {
			_ = json.Unmarshal(bs, &c)
		}
	}

	c.Complete()
	return c
}

// Complete fills unset fields from the environment, then defaults.
// Fields set programmatically win over both.
func (c *Config) Complete() {
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = osx.Getenv(EnvWorkspace)
	}
	if c.ModelsPath == "" {
		c.ModelsPath = osx.Getenv(EnvModelsPath)
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = filepath.Join(osx.UserHomeDir(), "SnapLLM_Workspace")
	}
	if c.ModelsPath == "" {
		c.ModelsPath = filepath.Join(c.WorkspaceRoot, "models")
	}
	if c.ContextsPath == "" {
		c.ContextsPath = filepath.Join(c.WorkspaceRoot, "contexts")
	}
	if c.HotCacheBytes <= 0 {
		c.HotCacheBytes = defaultHotCacheBytes
	}
	if c.VRAMBudgetMB <= 0 {
		c.VRAMBudgetMB = defaultVRAMBudgetMB
	}
	if c.MaxConcurrentInference <= 0 {
		c.MaxConcurrentInference = defaultMaxInference
	}
}

// WorkspacePath returns the workspace file path for a (model, quant) pair.
func (c Config) WorkspacePath(model, quant string) string {
	return filepath.Join(c.WorkspaceRoot, model, quant, "workspace.bin")
}
