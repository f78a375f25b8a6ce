package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// Storage 管理全部版本 bucket，语义对齐浏览器 CacheStorage：Open 不存在即创建。
type Storage interface {
	// Open 打开（必要时创建）指定名称的 bucket。
	Open(ctx context.Context, name string) (Bucket, error)

	// Keys 返回当前存在的全部 bucket 名称，按名称排序。
	Keys(ctx context.Context) ([]string, error)

	// Delete 整体删除 bucket；不存在时返回 false。实现需保证单个 bucket 要么
	// 完整删除，要么保持原样。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Bucket 是单个版本的 locator → Response 映射。
type Bucket interface {
	Name() string

	// Put 以 locator 为键整体覆盖写入响应。
	Put(ctx context.Context, locator string, resp *Response) error

	// Match 返回 locator 对应的响应副本，不存在时返回 ErrNotFound。
	Match(ctx context.Context, locator string) (*Response, error)

	// Entries 列出 bucket 内的条目描述（不含正文），供诊断端使用。
	Entries(ctx context.Context) ([]Entry, error)
}

// Entry 描述一个已缓存条目的元信息。
type Entry struct {
	Locator   string    `json:"locator"`
	Status    int       `json:"status"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

// Response 是一次成功响应的完整副本。Body 为独占缓冲区，交给两个消费者之前
// 必须通过 Clone 复制。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 物理复制正文与头部，返回互不影响的副本。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		cloned.Body = make([]byte, len(r.Body))
		copy(cloned.Body, r.Body)
	}
	return cloned
}

// OK 对应 fetch Response.ok，额外排除 206 部分响应（Cache API 拒绝写入）。
func (r *Response) OK() bool {
	if r == nil {
		return false
	}
	return r.Status >= 200 && r.Status <= 299 && r.Status != http.StatusPartialContent
}

var (
	// ErrNotFound 表示 bucket 中不存在该 locator。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucket 表示 bucket 名称不合法。
	ErrInvalidBucket = errors.New("invalid bucket name")
	// ErrStorageClosed 表示存储已关闭。
	ErrStorageClosed = errors.New("cache storage closed")
)

// ValidateBucketName 校验 bucket 名称可以安全映射为目录名/表键。
func ValidateBucketName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return ErrInvalidBucket
	}
	if name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ErrInvalidBucket
	}
	if strings.ContainsAny(name, `/\`) {
		return ErrInvalidBucket
	}
	return nil
}

// 支持的存储后端。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// NewStorage 根据后端名称构建 Storage；sqlite 后端在 basePath 下创建 SQLiteFileName。
func NewStorage(backend, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFS:
		return NewFileStorage(basePath)
	case BackendSQLite:
		if basePath == "" {
			return nil, errors.New("storage path required")
		}
		return NewSQLiteStorage(filepath.Join(basePath, SQLiteFileName))
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
