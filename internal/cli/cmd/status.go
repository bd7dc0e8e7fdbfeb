package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"aditi-chat-server/internal/cli/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "显示当前状态",
	Long: `显示当前登录状态和配置信息。

包括：
- 服务器地址
- 登录状态
- 当前会话（如果有）`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	fmt.Println("Aditi 状态信息")
	fmt.Println("─────────────────────────────────")
	fmt.Printf("  服务器: %s\n", config.GetServerURL())
	fmt.Printf("  配置文件: %s\n", config.Path())

	if !config.IsLoggedIn() {
		fmt.Println("  登录状态: ✗ 未登录")
		fmt.Println()
		fmt.Println("  请运行 'aditi login' 完成登录")
		return nil
	}

	// 顺便检查 Token 是否仍然有效
	profile, err := newClient().Me(cmd.Context())
	if err != nil {
		fmt.Printf("  登录状态: ✗ 凭证无效 (%v)\n", err)
		fmt.Println("  请运行 'aditi login' 重新登录")
		return nil
	}

	fmt.Println("  登录状态: ✓ 已登录")
	fmt.Printf("  账号: %s\n", profile.Username)
	if chatID := config.GetCurrentChat(); chatID != "" {
		fmt.Printf("  当前会话: %s\n", chatID)
	}
	return nil
}
