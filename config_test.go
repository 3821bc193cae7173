// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件包含配置加载和校验的测试用例。
package pulse

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/multierr"
)

// ============================================================================
// 默认值与解析测试
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BackgroundWorkerCount != 0 {
		t.Error("Default worker count should be 0 (auto)")
	}
	if cfg.HeartbeatIntervalNS != DefaultHeartbeatIntervalNS {
		t.Errorf("Expected default interval %d, got %d", DefaultHeartbeatIntervalNS, cfg.HeartbeatIntervalNS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigWorkerCountAuto(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.workerCount(); got < 1 {
		t.Errorf("Auto worker count must be at least 1, got %d", got)
	}

	cfg.BackgroundWorkerCount = 3
	if got := cfg.workerCount(); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
}

func TestConfigInterval(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.interval(); got != 10*time.Microsecond {
		t.Errorf("Expected 10µs default, got %v", got)
	}

	cfg.HeartbeatIntervalNS = 1_000_000
	if got := cfg.interval(); got != time.Millisecond {
		t.Errorf("Expected 1ms, got %v", got)
	}

	// 0 回退到默认值
	cfg.HeartbeatIntervalNS = 0
	if got := cfg.interval(); got != 10*time.Microsecond {
		t.Errorf("Zero interval should fall back to the default, got %v", got)
	}
}

// ============================================================================
// 校验测试
// ============================================================================

func TestConfigValidateAggregatesErrors(t *testing.T) {
	cfg := Config{
		BackgroundWorkerCount: -2,
		HeartbeatIntervalNS:   -1,
		LogMode:               "verbose",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	if got := len(multierr.Errors(err)); got != 3 {
		t.Errorf("Expected 3 aggregated errors, got %d: %v", got, err)
	}
}

func TestConfigValidateWorkerCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BackgroundWorkerCount = maxWorkers + 1
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject worker counts above the cap")
	}
	cfg.BackgroundWorkerCount = maxWorkers
	if err := cfg.Validate(); err != nil {
		t.Errorf("Worker count at the cap should validate: %v", err)
	}
}

// ============================================================================
// 文件加载测试
// ============================================================================

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	content := "background_worker_count = 4\nheartbeat_interval_ns = 50000\nlog_mode = \"off\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.BackgroundWorkerCount != 4 {
		t.Errorf("Expected 4 workers, got %d", cfg.BackgroundWorkerCount)
	}
	if cfg.HeartbeatIntervalNS != 50_000 {
		t.Errorf("Expected 50000ns, got %d", cfg.HeartbeatIntervalNS)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("LoadConfig should fail on a missing file")
	}
}

func TestLoadConfigInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte("background_worker_count = -3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig should reject invalid values")
	}
}

func TestFindConfigFileWalksUpward(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, ConfigFileName)
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		t.Fatal(err)
	}

	found := FindConfigFile(nested)
	if found == "" {
		t.Fatal("FindConfigFile should locate the config in an ancestor directory")
	}
	resolved, _ := filepath.EvalSymlinks(found)
	want, _ := filepath.EvalSymlinks(path)
	if resolved != want {
		t.Errorf("Expected %s, got %s", want, resolved)
	}
}

func TestBuildLoggerModes(t *testing.T) {
	for _, mode := range []string{"", "off", "dev", "prod"} {
		cfg := DefaultConfig()
		cfg.LogMode = mode
		logger, err := cfg.BuildLogger()
		if err != nil {
			t.Errorf("Mode %q: BuildLogger failed: %v", mode, err)
		}
		if logger == nil {
			t.Errorf("Mode %q: logger should not be nil", mode)
		}
	}
}
