// 组合估值与风险服务
//
// 子命令:
//
//	valuation serve      启动 HTTP / SSE / WS 服务
//	valuation price      单个期权定价 (BS / 蒙特卡洛)
//	valuation var        给定价值和波动率计算 VaR / ES
//	valuation simulate   模拟持有期末的组合价值分布
//	valuation journal    回放本地 WAL 中的变更事件
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "valuation",
		Short:         "Portfolio valuation and risk service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (env VALUATION_* overrides)")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(priceCmd())
	rootCmd.AddCommand(varCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(journalCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "valuation version %s\n", version)
		},
	}
}

// printJSON 缩进输出
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
