package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agas-ashram/swcache/internal/cache"
	"github.com/agas-ashram/swcache/internal/captions"
	"github.com/agas-ashram/swcache/internal/config"
	"github.com/agas-ashram/swcache/internal/logging"
	"github.com/agas-ashram/swcache/internal/proxy"
	"github.com/agas-ashram/swcache/internal/server"
	"github.com/agas-ashram/swcache/internal/worker"
)

// appRuntime 汇总一次 CLI 调用共享的组件，启动顺序为
// 配置 → 日志 → Origin 注册表 → 存储 → 写入队列 → worker。
type appRuntime struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	registry   *server.OriginRegistry
	network    *server.OriginClient
	storage    cache.Storage
	writer     *cache.AsyncWriter
	worker     *worker.Worker
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, logger, nil
}

func bootstrap(configPath string) (*appRuntime, error) {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return nil, err
	}

	registry, err := server.NewOriginRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("构建 Origin 注册表失败: %w", err)
	}

	base := ""
	if origin, ok := cfg.DefaultOrigin(); ok {
		base = origin.Upstream
	}
	manifest, err := worker.ResolveManifest(cfg.Global.Manifest, base)
	if err != nil {
		return nil, fmt.Errorf("解析 manifest 失败: %w", err)
	}

	storage, err := cache.NewStorage(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	network := server.NewOriginClient(server.NewUpstreamClient(cfg), registry)
	writer := cache.NewAsyncWriter(logger, cfg.Global.WriteQueueSize)
	w, err := worker.New(worker.Options{
		Storage:     storage,
		Writer:      writer,
		Network:     network,
		Logger:      logger,
		Version:     cfg.Global.CacheVersion,
		Manifest:    manifest,
		Concurrency: cfg.Global.InstallConcurrency,
	})
	if err != nil {
		writer.Close()
		_ = storage.Close()
		return nil, fmt.Errorf("初始化 worker 失败: %w", err)
	}

	return &appRuntime{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		network:    network,
		storage:    storage,
		writer:     writer,
		worker:     w,
	}, nil
}

// newProxyHandler 组装 fetch 处理链：Handler 负责 worker 交互，Forwarder 负责 panic 兜底。
func newProxyHandler(rt *appRuntime) server.ProxyHandler {
	handler := proxy.NewHandler(rt.network, rt.worker, rt.logger)
	return proxy.NewForwarder(handler, rt.logger)
}

// loadCaptions 读取说明文字表，失败时只记录日志。
func (rt *appRuntime) loadCaptions() *captions.Table {
	return captions.Load(rt.cfg.Global.CaptionsPath, rt.logger)
}

// Close 等待写入队列清空后关闭存储。
func (rt *appRuntime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.writer.Drain(ctx); err != nil {
		rt.logger.WithFields(logging.BaseFields("shutdown", rt.configPath)).WithError(err).Warn("cache_drain_incomplete")
	}
	rt.writer.Close()
	if err := rt.storage.Close(); err != nil {
		rt.logger.WithFields(logging.BaseFields("shutdown", rt.configPath)).WithError(err).Warn("storage_close_failed")
	}
}
