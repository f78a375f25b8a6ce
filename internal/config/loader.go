package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultCacheVersion 是未配置 CacheVersion 时使用的 bucket 名称。
const DefaultCacheVersion = "agas-ashram-v1"

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Origins {
		applyOriginDefaults(&cfg.Origins[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StorageBackend", "fs")
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("CacheVersion", DefaultCacheVersion)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("WriteQueueSize", 256)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StorageBackend = strings.ToLower(strings.TrimSpace(g.StorageBackend))
	if g.StorageBackend == "" {
		g.StorageBackend = "fs"
	}
	g.CacheVersion = strings.TrimSpace(g.CacheVersion)
	if g.CacheVersion == "" {
		g.CacheVersion = DefaultCacheVersion
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
	if g.WriteQueueSize == 0 {
		g.WriteQueueSize = 256
	}
	manifest := make([]string, 0, len(g.Manifest))
	for _, locator := range g.Manifest {
		if trimmed := strings.TrimSpace(locator); trimmed != "" {
			manifest = append(manifest, trimmed)
		}
	}
	g.Manifest = manifest
}

func applyOriginDefaults(o *OriginConfig) {
	o.Name = strings.TrimSpace(o.Name)
	o.Domain = strings.TrimSpace(o.Domain)
	o.Upstream = strings.TrimRight(strings.TrimSpace(o.Upstream), "/")
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
