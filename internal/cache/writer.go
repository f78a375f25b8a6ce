package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrWriterClosed 表示写入队列已关闭，不再接受新的写入。
var ErrWriterClosed = errors.New("cache writer closed")

// writeReq 是一次待落盘的写入。
type writeReq struct {
	bucket  Bucket
	locator string
	resp    *Response
}

// AsyncWriter 以 fire-and-forget 方式把响应副本写入 bucket：调用方只负责入队，
// 写入结果只记日志，不回传给调用方。单个后台 goroutine 按 FIFO 顺序消费，
// 同一 locator 的多次写入以最后入队者为准。
//
// 队列满时新的写入直接丢弃（记 cache_put_dropped），bucket 中保留的是上一次
// 成功落盘的副本。响应路径因此从不等待磁盘；突发流量下请调大 WriteQueueSize。
type AsyncWriter struct {
	logger  *logrus.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan writeReq

	// inflight 统计已入队未完成的写入；归零时关闭 idle 唤醒 Drain。
	pendingMu sync.Mutex
	inflight  int
	idle      chan struct{}

	done chan struct{}
}

// NewAsyncWriter 创建写入队列并启动后台 worker；buffer <= 0 时退回 1。
func NewAsyncWriter(logger *logrus.Logger, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = 1
	}
	w := &AsyncWriter{
		logger:  logger,
		timeout: 30 * time.Second,
		ch:      make(chan writeReq, buffer),
		idle:    closedChan(),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue 将写入放入队列，永不阻塞：队列已满或已关闭时丢弃并返回 false。
func (w *AsyncWriter) Enqueue(bucket Bucket, locator string, resp *Response) bool {
	if bucket == nil || resp == nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logDrop(bucket, locator, ErrWriterClosed)
		return false
	}

	w.acquire()
	select {
	case w.ch <- writeReq{bucket: bucket, locator: locator, resp: resp}:
		return true
	default:
		w.release()
		w.logDrop(bucket, locator, errors.New("write queue full"))
		return false
	}
}

// Drain 等待在途写入归零，或 ctx 结束。等待期间新入队的写入也会被等待。
func (w *AsyncWriter) Drain(ctx context.Context) error {
	for {
		w.pendingMu.Lock()
		if w.inflight == 0 {
			w.pendingMu.Unlock()
			return nil
		}
		idle := w.idle
		w.pendingMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *AsyncWriter) acquire() {
	w.pendingMu.Lock()
	if w.inflight == 0 {
		w.idle = make(chan struct{})
	}
	w.inflight++
	w.pendingMu.Unlock()
}

func (w *AsyncWriter) release() {
	w.pendingMu.Lock()
	w.inflight--
	if w.inflight == 0 {
		close(w.idle)
	}
	w.pendingMu.Unlock()
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Close 停止接收写入并等待队列排空。
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.ch)
	w.mu.Unlock()
	<-w.done
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for req := range w.ch {
		w.write(req)
		w.release()
	}
}

func (w *AsyncWriter) write(req writeReq) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := req.bucket.Put(ctx, req.locator, req.resp); err != nil {
		if w.logger != nil {
			w.logger.WithError(err).WithFields(logrus.Fields{
				"action":  "cache_put",
				"bucket":  req.bucket.Name(),
				"locator": req.locator,
			}).Warn("cache_put_failed")
		}
		return
	}
	if w.logger != nil {
		w.logger.WithFields(logrus.Fields{
			"action":     "cache_put",
			"bucket":     req.bucket.Name(),
			"locator":    req.locator,
			"size_bytes": len(req.resp.Body),
		}).Debug("cache_put_complete")
	}
}

func (w *AsyncWriter) logDrop(bucket Bucket, locator string, reason error) {
	if w.logger == nil {
		return
	}
	w.logger.WithError(reason).WithFields(logrus.Fields{
		"action":  "cache_put",
		"bucket":  bucket.Name(),
		"locator": locator,
	}).Warn("cache_put_dropped")
}
