// Package captions 提供图库说明文字的多语言查找表。
package captions

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Table 以图片序号与语言为键保存说明文字。
type Table struct {
	raw string
}

// Empty 返回不含任何条目的表。
func Empty() *Table {
	return &Table{raw: "{}"}
}

// Parse 解析 {"<index>": {"<lang>": "<text>"}} 结构的 JSON。
func Parse(payload []byte) (*Table, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return Empty(), nil
	}
	if !gjson.ValidBytes(payload) {
		return nil, errors.New("captions payload is not valid JSON")
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return nil, errors.New("captions payload must be a JSON object")
	}
	return &Table{raw: root.Raw}, nil
}

// Load 读取并解析 path；失败时记录日志并返回空表，调用方无需处理错误。
func Load(path string, logger *logrus.Logger) *Table {
	if strings.TrimSpace(path) == "" {
		return Empty()
	}
	fields := logrus.Fields{"action": "captions_load", "path": path}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("captions_load_failed")
		return Empty()
	}
	table, err := Parse(data)
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("captions_parse_failed")
		return Empty()
	}
	logger.WithFields(fields).WithField("entries", table.Len()).Info("captions_loaded")
	return table
}

// Text 返回 index 对应语言的说明，不存在时返回空串。
func (t *Table) Text(index, lang string) string {
	if t == nil || index == "" || lang == "" {
		return ""
	}
	value := gjson.Get(t.raw, fmt.Sprintf("%s.%s", escape(index), escape(lang)))
	if value.Type != gjson.String {
		return ""
	}
	return value.String()
}

// Languages 返回 index 下可用的语言代码。
func (t *Table) Languages(index string) []string {
	if t == nil || index == "" {
		return nil
	}
	var langs []string
	gjson.Get(t.raw, escape(index)).ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.String {
			langs = append(langs, key.String())
		}
		return true
	})
	return langs
}

// Len 返回顶层条目数。
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	count := 0
	gjson.Parse(t.raw).ForEach(func(_, _ gjson.Result) bool {
		count++
		return true
	})
	return count
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
)

func escape(key string) string {
	return pathEscaper.Replace(key)
}
