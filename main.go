package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const configEnvKey = "SWCACHE_CONFIG"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// usageError 表示参数错误，对应退出码 2。
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }

func (e usageError) Unwrap() error { return e.err }

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回退出码，方便测试。
func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdOut)
	root.SetErr(stdErr)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(stdErr, err.Error())
		var usage usageError
		if errors.As(err, &usage) {
			return 2
		}
		return 1
	}
	return 0
}

// resolveConfigPath 按 flag > 环境变量 > 默认值 的优先级计算配置路径。
func resolveConfigPath(flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv(configEnvKey)); path != "" {
		return path
	}
	return "config.toml"
}
