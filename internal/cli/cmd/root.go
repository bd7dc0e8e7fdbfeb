// Package cmd 实现 CLI 命令
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"aditi-chat-server/internal/cli/api"
	"aditi-chat-server/internal/cli/config"
)

var rootCmd = &cobra.Command{
	Use:   "aditi",
	Short: "Aditi - 命令行对话客户端",
	Long: `Aditi CLI 客户端

在终端里和 Aditi 对话，回复会逐字输出。

先运行 'aditi login' 登录，然后用 'aditi chat' 开始对话。`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "✗", err)
		os.Exit(1)
	}
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringP("server", "s", "", "服务器地址 (默认: "+config.DefaultServerURL+")")
}

func initConfig(cmd *cobra.Command, args []string) error {
	if err := config.Init(); err != nil {
		return fmt.Errorf("初始化配置失败: %w", err)
	}

	// 如果指定了服务器地址，更新配置
	if server, _ := cmd.Flags().GetString("server"); server != "" {
		config.SetServerURL(server)
	}
	return nil
}

// newClient 使用保存的凭证创建 API 客户端
func newClient() *api.Client {
	return api.NewClient(config.GetServerURL(), config.GetAccessToken())
}

// requireLogin 未登录时返回提示
func requireLogin() error {
	if !config.IsLoggedIn() {
		return fmt.Errorf("当前未登录，请先运行 'aditi login'")
	}
	return nil
}

// isTerminal 标准输入是否是终端
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// readLine 从 reader 读取一行，去掉首尾空白
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
