package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"aditi-chat-server/internal/cli/config"
)

var historyCmd = &cobra.Command{
	Use:   "history [会话ID]",
	Short: "查看会话的消息记录",
	Long:  `按时间顺序输出会话的全部消息，不指定会话时使用当前会话。`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}

	chatID := config.GetCurrentChat()
	if len(args) > 0 {
		chatID = args[0]
	}
	if chatID == "" {
		return fmt.Errorf("没有当前会话，请指定会话ID")
	}

	history, err := newClient().GetHistory(cmd.Context(), chatID)
	if err != nil {
		return err
	}

	fmt.Printf("📜 %s (%s)\n", history.Chat.Title, history.Chat.ID)
	fmt.Println("─────────────────────────────────")
	for _, m := range history.Messages {
		speaker := "你"
		if m.Role == "assistant" {
			speaker = "Aditi"
		}
		fmt.Printf("[%s] %s:\n%s\n\n", localTime(m.CreatedAt), speaker, m.Content)
	}
	return nil
}
