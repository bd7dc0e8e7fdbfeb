package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aditi-chat-server/internal/cli/config"
)

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "列出会话",
	Long:  `按最近活跃时间列出自己的会话，当前会话用 * 标出。`,
	Args:  cobra.NoArgs,
	RunE:  runChats,
}

var chatsDeleteCmd = &cobra.Command{
	Use:   "delete <会话ID>",
	Short: "删除会话",
	Args:  cobra.ExactArgs(1),
	RunE:  runChatsDelete,
}

func init() {
	chatsCmd.Flags().Int("page", 1, "页码")
	chatsCmd.Flags().Int("size", 20, "每页数量")
	chatsCmd.AddCommand(chatsDeleteCmd)
	rootCmd.AddCommand(chatsCmd)
}

func runChats(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	page, _ := cmd.Flags().GetInt("page")
	size, _ := cmd.Flags().GetInt("size")

	chats, total, err := newClient().ListChats(cmd.Context(), page, size)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Println("还没有会话，运行 'aditi chat' 开始对话")
		return nil
	}

	current := config.GetCurrentChat()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tID\t标题\t更新时间")
	for _, c := range chats {
		mark := ""
		if c.ID == current {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mark, c.ID, c.Title, localTime(c.UpdatedAt))
	}
	w.Flush()
	fmt.Printf("\n共 %d 个会话\n", total)
	return nil
}

func runChatsDelete(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}
	if err := newClient().DeleteChat(cmd.Context(), args[0]); err != nil {
		return err
	}
	if config.GetCurrentChat() == args[0] {
		if err := config.SaveCurrentChat(""); err != nil {
			return err
		}
	}
	fmt.Println("✓ 已删除会话", args[0])
	return nil
}

// localTime 把服务器返回的时间转换为本地时间
func localTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04")
}
