package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agas-ashram/swcache/internal/cache"
)

var supportedBackends = map[string]struct{}{
	cache.BackendFS:     {},
	cache.BackendSQLite: {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 fs|sqlite")
	}
	if err := cache.ValidateBucketName(g.CacheVersion); err != nil {
		return newFieldError("Global.CacheVersion", "不能为空，且不能包含路径分隔符或以 . 开头")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.WriteQueueSize <= 0 {
		return newFieldError("Global.WriteQueueSize", "必须大于 0")
	}
	for i, locator := range g.Manifest {
		if err := validateManifestLocator(locator); err != nil {
			return newFieldError(fmt.Sprintf("Global.Manifest[%d]", i), err.Error())
		}
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Origins {
		origin := &c.Origins[i]
		if origin.Name == "" {
			return newFieldError("Origin[].Name", "不能为空")
		}
		if _, exists := seenNames[origin.Name]; exists {
			return newFieldError(originField(origin.Name, "Name"), "重复")
		}
		seenNames[origin.Name] = struct{}{}

		if err := validateDomain(origin.Domain); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Domain"), err)
		}
		if err := validateUpstream(origin.Upstream); err != nil {
			return fmt.Errorf("%s: %w", originField(origin.Name, "Upstream"), err)
		}
		if origin.Proxy != "" {
			if err := validateUpstream(origin.Proxy); err != nil {
				return fmt.Errorf("%s: %w", originField(origin.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateManifestLocator(raw string) error {
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") {
			return errors.New("不支持协议相对地址")
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("必须以 / 开头或为 http/https 地址: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
