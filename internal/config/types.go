package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、存储与 worker 生命周期参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	StoragePath        string   `mapstructure:"StoragePath"`
	CacheVersion       string   `mapstructure:"CacheVersion"`
	Manifest           []string `mapstructure:"Manifest"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	WriteQueueSize     int      `mapstructure:"WriteQueueSize"`
	CaptionsPath       string   `mapstructure:"CaptionsPath"`
}

// OriginConfig 描述一个经网关访问的上游站点：Domain 为下游 Host，Upstream 为真实地址。
type OriginConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Origins []OriginConfig `mapstructure:"Origin"`
}

// DefaultOrigin 返回第一个 Origin，相对路径的 manifest 条目以其 Upstream 为基准。
func (c *Config) DefaultOrigin() (OriginConfig, bool) {
	if c == nil || len(c.Origins) == 0 {
		return OriginConfig{}, false
	}
	return c.Origins[0], true
}

// OriginNames 返回所有 Origin 名称摘要，供启动日志使用。
func OriginNames(origins []OriginConfig) []string {
	if len(origins) == 0 {
		return nil
	}
	result := make([]string, len(origins))
	for i, origin := range origins {
		result[i] = fmt.Sprintf("%s:%s", origin.Name, origin.Domain)
	}
	return result
}
