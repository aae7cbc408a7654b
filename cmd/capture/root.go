package main

import (
	"crimewatch-go/internal/config"
	"crimewatch-go/pkg/log"

	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	var configPath string
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:           "capture",
		Short:         "emergency video capture client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			*cfg = loaded
			// 事件输出占用 stdout，日志写到 stderr
			return log.Init(cfg.Log, "capture", "stderr")
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，为空时只使用默认值和环境变量")
	root.AddCommand(recordCmd(cfg))
	return root
}
