// Package config 读取 YAML 配置，并支持监听文件变化
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"modelkit/hub"
	"modelkit/logging"
	"modelkit/monitoring"
)

// Config 服务配置
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Database DatabaseConfig         `yaml:"database"`
	Hub      hub.Config             `yaml:"hub"`
	Log      logging.Config         `yaml:"log"`
	Metrics  MetricsConfig          `yaml:"metrics"`
	Alerts   monitoring.AlertConfig `yaml:"alerts"`
	Models   []ModelConfig          `yaml:"models"`
}

// ServerConfig HTTP配置
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig 目录表数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MetricsConfig 系统指标采集间隔，0 表示不采集
type MetricsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ModelConfig 启动时注册的模型类，网络由 zoo.CreateModel 构建
type ModelConfig struct {
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
}

// Default 默认配置
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			Timeout:        30 * time.Second,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 20,
		},
		Database: DatabaseConfig{Path: "modelkit.db"},
		Hub:      hub.Config{Dir: "checkpoints", CacheSize: 16, Watch: true},
		Log:      logging.DefaultConfig(),
		Metrics:  MetricsConfig{Interval: 10 * time.Second},
		Alerts:   monitoring.DefaultAlertConfig(),
	}
}

// Load 读取配置文件，未设置的字段使用默认值
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 校验配置
func (c Config) Validate() error {
	var errs error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Database.Path == "" {
		errs = multierr.Append(errs, errors.New("database.path is required"))
	}
	if c.Hub.Dir == "" {
		errs = multierr.Append(errs, errors.New("hub.dir is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	errs = multierr.Append(errs, c.Alerts.Validate())
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			errs = multierr.Append(errs, fmt.Errorf("models[%d].name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = multierr.Append(errs, fmt.Errorf("models[%d]: duplicate name %s", i, m.Name))
		}
		seen[m.Name] = true
	}
	return errs
}

// Watch 配置文件变化时重新读取并调用 onChange，直到 ctx 结束
//
// 监听所在目录，编辑器先写临时文件再重命名的保存方式也能捕获。读取失败时记录日志并保留旧配置。
func Watch(ctx context.Context, path string, logger *zap.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					logger.Warn("config reload failed, keeping previous config", zap.Error(err))
					continue
				}
				logger.Info("config reloaded", zap.String("path", abs))
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
