package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"seismic/internal/config"
	"seismic/internal/logging"
	"seismic/internal/node"
	"seismic/internal/output"
	"seismic/internal/shutdown"
	"seismic/internal/storage"
)

var (
	configFile string
	port       int
	dataDir    string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seismicd",
		Short: "Seismic开发节点",
		Long:  `Seismic开发节点：接受0x4A屏蔽交易，在TEE信任边界内解密并在标志存储上执行`,
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "", "配置文件路径")
	rootCmd.Flags().IntVar(&port, "port", 0, "JSON-RPC监听端口（覆盖配置文件）")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "存储数据目录（覆盖配置文件）")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "详细输出")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.GetDefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		cfg = loaded
	}
	if port != 0 {
		cfg.Node.Port = port
	}
	if dataDir != "" {
		cfg.Node.DataDir = dataDir
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	logger := logging.NewLogrusLogger(level)

	// 进程级结构化日志，按配置写JSON或文本
	logCfg := *cfg.Logging
	logCfg.Level = level
	structured, err := logging.NewStructuredLogger(&logCfg)
	if err != nil {
		return fmt.Errorf("创建结构化日志器失败: %w", err)
	}
	nodeLog := logging.NewNodeLogger(structured, cfg.Node.ChainID)

	// 标志存储
	store, err := storage.NewStore(filepath.Join(cfg.Node.DataDir, "state.db"), logger)
	if err != nil {
		return fmt.Errorf("打开状态存储失败: %w", err)
	}

	// 已接受交易的输出管道
	outputter, err := output.NewOutput(cfg.Output, logger)
	if err != nil {
		store.Close()
		return fmt.Errorf("创建输出器失败: %w", err)
	}

	devNode, err := node.NewNode(cfg.Node.ChainID, cfg.Node.FreshnessWindow, store, outputter, logger)
	if err != nil {
		outputter.Close()
		store.Close()
		return err
	}

	server := node.NewServer(devNode, logger, cfg.Node.Port)

	// 优雅停机：先停RPC，再刷输出，最后关存储
	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.RegisterShutdownFunc("rpc_server", func(ctx context.Context) error {
		return server.Stop(ctx)
	}, shutdown.OrderStopRPCServer)
	gs.RegisterShutdownFunc("outputs", func(ctx context.Context) error {
		return outputter.Close()
	}, shutdown.OrderFlushOutputs)
	gs.RegisterShutdownFunc("state_store", func(ctx context.Context) error {
		return store.Close()
	}, shutdown.OrderCloseStateStore)

	// 按配置的出块间隔推进链头，驱动新鲜度窗口和过期高度前移
	interval, err := time.ParseDuration(cfg.Node.BlockInterval)
	if err != nil {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				head := devNode.AdvanceBlocks(1)
				nodeLog.Debug("区块前移", "head", head)
			case <-gs.Context().Done():
				return
			}
		}
	}()

	nodeLog.Info("开发节点启动",
		"port", cfg.Node.Port,
		"data_dir", cfg.Node.DataDir,
		"freshness_window", cfg.Node.FreshnessWindow,
		"block_interval", interval.String(),
	)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			nodeLog.Error("JSON-RPC服务器退出", "error", err.Error())
			gs.Shutdown()
		}
	}()

	gs.WaitForShutdown()
	nodeLog.Info("开发节点已停止")
	return nil
}
