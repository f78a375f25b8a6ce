package worker

import (
	"fmt"
	"net/url"
	"strings"
)

// Locator 返回请求 URL 的缓存键：去掉 fragment 与用户信息的绝对 URL。
func Locator(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// ResolveManifest 将 manifest 条目转换为 locator。以 "/" 开头的条目拼接到 base 之后，
// 与网关构造上游 URL 的方式一致；http(s) 绝对地址保持原样。
func ResolveManifest(entries []string, base string) ([]string, error) {
	base = strings.TrimSuffix(strings.TrimSpace(base), "/")
	out := make([]string, 0, len(entries))
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		var target string
		switch {
		case strings.HasPrefix(entry, "http://"), strings.HasPrefix(entry, "https://"):
			target = entry
		case strings.HasPrefix(entry, "/"):
			if base == "" {
				return nil, fmt.Errorf("manifest entry %q requires an origin upstream", entry)
			}
			target = base + entry
		default:
			return nil, fmt.Errorf("manifest entry %q must be absolute path or http(s) URL", entry)
		}
		parsed, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("manifest entry %q resolves without host", entry)
		}
		out = append(out, Locator(parsed))
	}
	return out, nil
}
