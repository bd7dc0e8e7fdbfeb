package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"aditi-chat-server/internal/cli/config"
	"aditi-chat-server/internal/cli/wsclient"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "实时显示会话变化",
	Long: `通过 WebSocket 接收当前账号的会话变化，包括其他设备上发起的对话。

按 Ctrl+C 退出。`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}

	client := wsclient.NewClient(config.GetServerURL(), config.GetAccessToken())
	client.OnMessage(func(msg *wsclient.Message) {
		if msg.Type != wsclient.TypeChatUpdated {
			return
		}
		var p wsclient.ChatUpdatedPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		if p.Created {
			fmt.Printf("✨ 新会话 %s %s\n", p.ChatID, p.Title)
			return
		}
		fmt.Printf("💬 会话 %s 有新消息 (%s)\n", p.ChatID, p.State)
	})

	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	fmt.Println("👀 正在监听会话变化 (按 Ctrl+C 退出)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
	case <-client.Done():
		return fmt.Errorf("连接已断开")
	}
	return nil
}
