package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"QueryPilot/internal/config"
	"QueryPilot/pkg/logger"
)

var (
	cfgFile   string
	logLevel  string
	globalCfg *config.Config
)

// Execute 是命令行入口。
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd 组装命令树。
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "querypilot",
		Short:         "Conversational agent that answers business questions with tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := logger.Init(cfg.Logging); err != nil {
				return fmt.Errorf("初始化日志失败: %w", err)
			}
			globalCfg = cfg
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = logger.Sync()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to querypilot.yaml (defaults to $QP_CONFIG or configs/querypilot.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	root.AddCommand(
		newServeCmd(),
		newAskCmd(),
		newHistoryCmd(),
	)
	return root
}

// loadConfig 按 --config、QP_CONFIG、默认路径的顺序查找配置；默认路径不存在时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("QP_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = "configs/querypilot.yaml"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return config.Load(path)
}
