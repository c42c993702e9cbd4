package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProjectRoot_NonExistentDir_ReturnsAbsPath(t *testing.T) {
	root, err := FindProjectRoot("/nonexistent/path/xyz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(root) {
		t.Errorf("expected absolute path, got %s", root)
	}
}

func TestFindProjectRoot_DeepNesting_FindsGitRoot(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, ".git"), 0755); err != nil {
		t.Fatalf("failed to create .git: %v", err)
	}
	deep := filepath.Join(tmpDir, "a", "b", "c", "d", "e")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatalf("failed to create deep dir: %v", err)
	}

	root, err := FindProjectRoot(deep)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolvedTmp, _ := filepath.EvalSymlinks(tmpDir)
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	if resolvedRoot != resolvedTmp {
		t.Errorf("expected %s, got %s", resolvedTmp, resolvedRoot)
	}
}

func TestFindProjectRoot_RelativePath_ResolvesToAbsolute(t *testing.T) {
	root, err := FindProjectRoot(".")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(root) {
		t.Errorf("expected absolute path, got %s", root)
	}
}

func TestLoad_ZeroValuesNotMerged(t *testing.T) {
	tmpDir := t.TempDir()
	clearEnv(t)

	// An explicit zero for default_limit must not clobber the package default.
	if err := os.WriteFile(filepath.Join(tmpDir, ".codeindexer.yaml"), []byte("search:\n  default_limit: 0\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Search.DefaultLimit != 20 {
		t.Errorf("expected default 20 preserved, got %d", cfg.Search.DefaultLimit)
	}
}

func TestLoad_WeightsOutOfRange_Validated(t *testing.T) {
	tmpDir := t.TempDir()
	clearEnv(t)

	if err := os.WriteFile(filepath.Join(tmpDir, ".codeindexer.yaml"), []byte("search:\n  semantic_weight: 1.5\n  fts_weight: 0.4\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("expected validation error for out-of-range weight")
	}
}

func TestLoad_WeightsSumValidated(t *testing.T) {
	tmpDir := t.TempDir()
	clearEnv(t)

	if err := os.WriteFile(filepath.Join(tmpDir, ".codeindexer.yaml"), []byte("search:\n  semantic_weight: 0.9\n  fts_weight: 0.9\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("expected validation error for weights not summing to 1.0")
	}
}

func TestLoad_UnknownEmbedProvider_Validated(t *testing.T) {
	tmpDir := t.TempDir()
	clearEnv(t)

	if err := os.WriteFile(filepath.Join(tmpDir, ".codeindexer.yaml"), []byte("embed:\n  provider: bogus\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("expected validation error for unknown embed provider")
	}
}

func TestLoad_UnreadableConfigFile_ReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	clearEnv(t)

	configPath := filepath.Join(tmpDir, ".codeindexer.yaml")
	if err := os.WriteFile(configPath, []byte("version: 1\n"), 0000); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	defer os.Chmod(configPath, 0644)

	if os.Getuid() == 0 {
		t.Skip("running as root, permission checks don't apply")
	}

	if _, err := Load(tmpDir); err == nil {
		t.Error("expected error for unreadable config file")
	}
}

func TestConfig_Validate_RejectsNonPositiveTTL(t *testing.T) {
	cfg := NewConfig()
	cfg.Daemon.TTLMinutes = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero TTL")
	}
}

func TestConfig_Validate_RejectsNonPositiveCacheSize(t *testing.T) {
	cfg := NewConfig()
	cfg.Daemon.CacheSize = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for zero cache size")
	}
}

func TestConfig_Validate_RejectsLowOverFetchFactor(t *testing.T) {
	cfg := NewConfig()
	cfg.Search.OverFetchFactor = 0.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for over_fetch_factor < 1")
	}
}

func TestConfig_Validate_AcceptsDefaults(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got: %v", err)
	}
}
