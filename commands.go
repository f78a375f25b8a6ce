package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agas-ashram/swcache/internal/config"
	"github.com/agas-ashram/swcache/internal/logging"
	"github.com/agas-ashram/swcache/internal/server"
	"github.com/agas-ashram/swcache/internal/server/routes"
	"github.com/agas-ashram/swcache/internal/version"
)

// newRootCmd 构建完整命令树；每次调用返回独立实例，测试之间互不影响。
func newRootCmd() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "swcache",
		Short:         "Offline asset cache gateway",
		Long:          `swcache pre-caches a fixed asset manifest, serves GET requests network-first and falls back to the versioned cache bucket when upstream is unreachable.`,
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvKey+" 覆盖）")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	configPath := func() string { return resolveConfigPath(configFlag) }

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Install, activate and start the gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context(), configPath())
			},
		},
		&cobra.Command{
			Use:   "install",
			Short: "Fetch the manifest into the current bucket",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runInstall(cmd.Context(), configPath())
			},
		},
		&cobra.Command{
			Use:   "activate",
			Short: "Delete every bucket except the current version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runActivate(cmd.Context(), configPath())
			},
		},
		&cobra.Command{
			Use:   "buckets",
			Short: "List cache buckets with entry counts and sizes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runBuckets(cmd.Context(), configPath())
			},
		},
		&cobra.Command{
			Use:   "check-config",
			Short: "Validate the configuration and exit",
			Args:  cobra.NoArgs,
			RunE: func(_ *cobra.Command, _ []string) error {
				return runCheckConfig(configPath())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Args:  cobra.NoArgs,
			Run: func(_ *cobra.Command, _ []string) {
				printVersion()
			},
		},
	)
	return root
}

func runCheckConfig(configPath string) error {
	cfg, logger, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	fields := logging.BaseFields("check_config", configPath)
	fields["origins"] = config.OriginNames(cfg.Origins)
	fields["manifest"] = len(cfg.Global.Manifest)
	fields["backend"] = cfg.Global.StorageBackend
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return nil
}

func runInstall(ctx context.Context, configPath string) error {
	rt, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.worker.Install(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "installed %d entries into %s\n", len(rt.worker.Manifest()), rt.worker.Version())
	return nil
}

func runActivate(ctx context.Context, configPath string) error {
	rt, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	installed, err := rt.worker.Restore(ctx)
	if err != nil {
		return err
	}
	if !installed {
		return fmt.Errorf("bucket %s is incomplete, run install first", rt.worker.Version())
	}
	if err := rt.worker.Activate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdOut, "activated %s\n", rt.worker.Version())
	return nil
}

func runBuckets(ctx context.Context, configPath string) error {
	rt, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	buckets, err := rt.worker.Buckets(ctx)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	grey := color.New(color.FgHiBlack).SprintFunc()

	table := tablewriter.NewWriter(stdOut)
	table.Header([]string{"Bucket", "Entries", "Size", "Status"})
	var data [][]string
	for _, bucket := range buckets {
		status := grey("stale")
		if bucket.Current {
			status = green("current")
		}
		data = append(data, []string{
			bucket.Name,
			fmt.Sprintf("%d", bucket.Entries),
			humanize.Bytes(uint64(bucket.SizeBytes)),
			status,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

// runServe 先执行 install/activate，再启动网关。install 失败时仍以当前 bucket 继续服务。
func runServe(ctx context.Context, configPath string) error {
	rt, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer rt.Close()

	fields := logging.BaseFields("startup", configPath)
	fields["origins"] = config.OriginNames(rt.cfg.Origins)
	fields["listen_port"] = rt.cfg.Global.ListenPort
	fields["bucket"] = rt.worker.Version()
	fields["version"] = version.Full()
	rt.logger.WithFields(fields).Info("配置加载完成")

	if err := rt.worker.Install(ctx); err != nil {
		rt.logger.WithFields(fields).WithError(err).Warn("install_failed_serving_current_bucket")
	} else if err := rt.worker.Activate(ctx); err != nil {
		rt.logger.WithFields(fields).WithError(err).Warn("activate_incomplete")
	}

	return startHTTPServer(ctx, rt)
}

func startHTTPServer(ctx context.Context, rt *appRuntime) error {
	port := rt.cfg.Global.ListenPort
	handler := newProxyHandler(rt)
	app, err := server.NewApp(server.AppOptions{
		Logger:       rt.logger,
		Registry:     rt.registry,
		Proxy:        handler,
		ListenPort:   port,
		CacheVersion: rt.worker.Version(),
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Deps{
		Worker:   rt.worker,
		Registry: rt.registry,
		Captions: rt.loadCaptions(),
	})

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		_ = app.Shutdown()
	}()

	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
