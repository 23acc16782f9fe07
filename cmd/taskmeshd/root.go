package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"TaskMesh-Chain/internal/config"
	"TaskMesh-Chain/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "taskmeshd",
	Short: "TaskMesh 任务编排守护进程",
	Long: `taskmeshd 接收目标驱动的任务，在能力注册表中寻找对手方，
协商条款、授权支付、调用合成的集成并校验结果。

不带子命令时等价于 taskmeshd serve。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"配置文件路径，也可通过 TASKMESH_CONFIG 指定")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultConfigPath() string {
	if path := os.Getenv("TASKMESH_CONFIG"); path != "" {
		return path
	}
	return filepath.Join("configs", "taskmesh.yaml")
}

// loadConfig 读取配置并初始化全局日志。
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
