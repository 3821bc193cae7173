// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现运行时配置的加载、校验和默认值。
package pulse

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 常量定义
const (
	// ConfigFileName 配置文件名
	ConfigFileName = "pulse.toml"

	// DefaultHeartbeatIntervalNS 默认心跳周期（纳秒）
	// 约 10 微秒：心跳把公示任务的成本从 fork 热路径上挪到周期脉冲上
	DefaultHeartbeatIntervalNS = 10_000

	// DefaultGrain 分治递归的默认粒度
	// 小于该阈值的区间不再二分，原地顺序执行。可通过 WithGrain 变体覆盖。
	DefaultGrain = 4096
)

// Config 运行时配置
type Config struct {
	// BackgroundWorkerCount 常驻工作线程数
	// 0 表示自动：max(1, CPU 核心数 - 1)
	BackgroundWorkerCount int `toml:"background_worker_count"`

	// HeartbeatIntervalNS 心跳周期（纳秒）
	// ticker 把周期摊到各工作线程上，0 表示使用默认值
	HeartbeatIntervalNS int64 `toml:"heartbeat_interval_ns"`

	// LogMode 日志模式
	// 空或 "off" 不输出日志；"dev" 开发格式；"prod" 生产格式
	LogMode string `toml:"log_mode"`

	// Logger 注入的日志器，优先于 LogMode
	Logger *zap.Logger `toml:"-"`
}

// DefaultConfig 生成默认配置
func DefaultConfig() Config {
	return Config{
		BackgroundWorkerCount: 0,
		HeartbeatIntervalNS:   DefaultHeartbeatIntervalNS,
	}
}

// Validate 校验配置
//
// 汇总所有字段错误一次性返回。
func (c *Config) Validate() error {
	var err error
	if c.BackgroundWorkerCount < 0 {
		err = multierr.Append(err, fmt.Errorf("background_worker_count 不能为负数: %d", c.BackgroundWorkerCount))
	}
	if c.BackgroundWorkerCount > maxWorkers {
		err = multierr.Append(err, fmt.Errorf("background_worker_count 超出上限 %d: %d", maxWorkers, c.BackgroundWorkerCount))
	}
	if c.HeartbeatIntervalNS < 0 {
		err = multierr.Append(err, fmt.Errorf("heartbeat_interval_ns 不能为负数: %d", c.HeartbeatIntervalNS))
	}
	switch strings.ToLower(c.LogMode) {
	case "", "off", "dev", "prod":
	default:
		err = multierr.Append(err, fmt.Errorf("未知的 log_mode: %q", c.LogMode))
	}
	return err
}

// workerCount 解析后台工作线程数
func (c *Config) workerCount() int {
	if c.BackgroundWorkerCount > 0 {
		return c.BackgroundWorkerCount
	}
	return defaultWorkerCount()
}

// interval 解析心跳周期
func (c *Config) interval() time.Duration {
	if c.HeartbeatIntervalNS > 0 {
		return time.Duration(c.HeartbeatIntervalNS)
	}
	return DefaultHeartbeatIntervalNS * time.Nanosecond
}

// BuildLogger 按 LogMode 构造日志器
//
// Logger 字段非空时直接返回它。
func (c *Config) BuildLogger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	switch strings.ToLower(c.LogMode) {
	case "", "off":
		return zap.NewNop(), nil
	case "prod":
		cfg := zap.NewProductionConfig()
		return cfg.Build()
	default:
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	// 向上查找
	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
