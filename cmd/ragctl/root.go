package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/aihub/rag-assistant/internal/config"
	"github.com/aihub/rag-assistant/internal/di"
	"github.com/aihub/rag-assistant/internal/logger"
	"github.com/aihub/rag-assistant/internal/metrics"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ragctl",
		Short:         "Ingest documents and ask questions over them",
		Long:          `Ingest local or object-storage documents into a vector store and answer questions with hybrid retrieval and web fallback.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ./config.yaml)")

	rootCmd.AddCommand(
		NewIngestCmd(),
		NewQueryCmd(),
		NewChatCmd(),
		NewWatchCmd(),
		NewStatusCmd(),
	)
	return rootCmd
}

// appEnv 单次命令执行期间的配置和容器
type appEnv struct {
	cfg       *config.Config
	container *dig.Container
}

// withRuntime 加载配置、创建容器并在 fn 返回后释放资源
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *appEnv) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	container, err := di.New(cfg)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if closeErr := di.Shutdown(container); closeErr != nil {
			logger.Warn("关闭组件失败", zap.Error(closeErr))
		}
		logger.Sync()
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	return fn(ctx, &appEnv{cfg: cfg, container: container})
}

// withTimeout 单次外部调用的时限
func (rt *appEnv) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rt.cfg.RequestTimeout)
}
