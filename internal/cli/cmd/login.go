package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"aditi-chat-server/internal/cli/api"
	"aditi-chat-server/internal/cli/config"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "使用用户名和密码登录",
	Long: `登录 Aditi 账号，凭证保存在 ~/.aditi/config.yaml。

密码从终端读取时不会回显；非交互环境下从标准输入读取。`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "用户名")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		fmt.Print("请输入用户名: ")
		line, err := readLine(reader)
		if err != nil {
			return fmt.Errorf("读取用户名失败: %w", err)
		}
		username = line
	}
	if username == "" {
		return fmt.Errorf("用户名不能为空")
	}

	// 输入密码（隐藏输入）
	fmt.Print("请输入密码: ")
	var password string
	if isTerminal() {
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println() // 换行
		if err != nil {
			return fmt.Errorf("读取密码失败: %w", err)
		}
		password = strings.TrimSpace(string(passwordBytes))
	} else {
		line, err := readLine(reader)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("读取密码失败: %w", err)
		}
		password = line
	}
	if password == "" {
		return fmt.Errorf("密码不能为空")
	}

	fmt.Println("🔐 正在登录...")
	client := api.NewClient(config.GetServerURL(), "")
	loginResp, err := client.Login(cmd.Context(), username, password)
	if err != nil {
		return fmt.Errorf("登录失败: %w", err)
	}

	if err := config.SaveAuth(loginResp.AccessToken, loginResp.RefreshToken, username); err != nil {
		return fmt.Errorf("保存登录信息失败: %w", err)
	}
	// 换账号后不再继续之前的会话
	if err := config.SaveCurrentChat(""); err != nil {
		return fmt.Errorf("保存登录信息失败: %w", err)
	}

	fmt.Println("✅ 登录成功！")
	fmt.Printf("  👤 账号: %s\n", username)
	fmt.Printf("  📡 服务器: %s\n", config.GetServerURL())
	return nil
}
