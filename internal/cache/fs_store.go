package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	entrySuffix = ".entry"
	trashPrefix = ".trash-"
)

// NewFileStorage 以 basePath 为根目录构建磁盘 bucket 存储，整站复用一份实例。
// 磁盘布局：
//
//	<StoragePath>/<bucket>/<sha256[:2]>/<sha256>.entry
//
// 每个 .entry 文件首行为 JSON 元信息（locator/status/header），其后为原始正文，
// 通过临时文件 + rename 原子替换。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	s.sweepTrash()
	return s, nil
}

// fileStorage 通过 entryLock 避免同一 locator 并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string
	closed   atomic.Bool

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Locator  string      `json:"locator"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fileBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		keys = append(keys, item.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete 先把 bucket 目录 rename 进隐藏的 trash 目录（原子可见性），再递归删除。
func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}
	if err := ValidateBucketName(name); err != nil {
		return false, fmt.Errorf("%w: %q", err, name)
	}
	dir := filepath.Join(s.basePath, name)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if !info.IsDir() {
		return false, nil
	}

	trash, err := os.MkdirTemp(s.basePath, trashPrefix+"*")
	if err != nil {
		return false, fmt.Errorf("prepare trash for %s: %w", name, err)
	}
	if err := os.Rename(dir, filepath.Join(trash, name)); err != nil {
		os.Remove(trash)
		return false, fmt.Errorf("detach bucket %s: %w", name, err)
	}
	// bucket 已不可见；残留 trash 会在下次启动时清理。
	_ = os.RemoveAll(trash)
	return true, nil
}

func (s *fileStorage) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fileStorage) guard(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStorageClosed
	}
	return ctx.Err()
}

func (s *fileStorage) sweepTrash() {
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, item := range items {
		if item.IsDir() && strings.HasPrefix(item.Name(), trashPrefix) {
			_ = os.RemoveAll(filepath.Join(s.basePath, item.Name()))
		}
	}
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	storage *fileStorage
	name    string
	dir     string
}

func (b *fileBucket) Name() string {
	return b.name
}

func (b *fileBucket) Put(ctx context.Context, locator string, resp *Response) error {
	if err := b.storage.guard(ctx); err != nil {
		return err
	}
	if locator == "" {
		return errors.New("locator required")
	}
	if resp == nil {
		return errors.New("response required")
	}

	unlock := b.storage.lockEntry(b.name + "::" + locator)
	defer unlock()

	filePath := b.entryPath(locator)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(entryMeta{
		Locator:  locator,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt,
	})
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	src := io.MultiReader(bytes.NewReader(meta), strings.NewReader("\n"), bytes.NewReader(resp.Body))
	_, err = copyWithContext(ctx, tempFile, src)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fileBucket) Match(ctx context.Context, locator string) (*Response, error) {
	if err := b.storage.guard(ctx); err != nil {
		return nil, err
	}
	f, err := os.Open(b.entryPath(locator))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", locator, err)
	}
	if meta.Locator != locator {
		// sha256 冲突在实践中不会出现，此处仅防御损坏的文件。
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry body %s: %w", locator, err)
	}
	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (b *fileBucket) Entries(ctx context.Context) ([]Entry, error) {
	if err := b.storage.guard(ctx); err != nil {
		return nil, err
	}
	var entries []Entry
	err := filepath.WalkDir(b.dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		entry, err := statEntry(p)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Locator < entries[j].Locator
	})
	return entries, nil
}

func (b *fileBucket) entryPath(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	key := hex.EncodeToString(sum[:])
	return filepath.Join(b.dir, key[:2], key+entrySuffix)
}

func statEntry(p string) (Entry, error) {
	f, err := os.Open(p)
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, err
	}
	reader := bufio.NewReader(f)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return Entry{}, fmt.Errorf("read entry meta %s: %w", p, err)
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return Entry{}, fmt.Errorf("decode entry meta %s: %w", p, err)
	}
	return Entry{
		Locator:   meta.Locator,
		Status:    meta.Status,
		SizeBytes: info.Size() - int64(len(line)),
		StoredAt:  meta.StoredAt,
	}, nil
}

func readMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
