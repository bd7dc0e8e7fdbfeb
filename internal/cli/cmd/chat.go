package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"aditi-chat-server/internal/cli/api"
	"aditi-chat-server/internal/cli/config"
	"aditi-chat-server/internal/cli/wsclient"
)

var chatCmd = &cobra.Command{
	Use:   "chat [消息]",
	Short: "和 Aditi 对话",
	Long: `发送消息并逐字输出回复。

带参数时只发送一条消息；不带参数时进入交互模式，输入 /new 开始新会话，/exit 退出。
标准输入不是终端时，把全部输入作为一条消息发送。

默认继续上一次的会话，使用 --new 开始新会话。`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().Bool("new", false, "开始新会话")
	chatCmd.Flags().String("chat", "", "继续指定的会话")
	chatCmd.Flags().Bool("ws", false, "通过 WebSocket 发送")
	chatCmd.Flags().Float64("temperature", 0, "采样温度，0 表示使用服务器默认值")
	chatCmd.Flags().Int("max-tokens", 0, "最多生成的 token 数，0 表示使用服务器默认值")
	rootCmd.AddCommand(chatCmd)
}

// sender 发送一条消息并把回复写入 out，返回会话ID
type sender func(ctx context.Context, chatID, message string, out io.Writer) (string, error)

func runChat(cmd *cobra.Command, args []string) error {
	if err := requireLogin(); err != nil {
		return err
	}

	chatID := config.GetCurrentChat()
	if newChat, _ := cmd.Flags().GetBool("new"); newChat {
		chatID = ""
	}
	if id, _ := cmd.Flags().GetString("chat"); id != "" {
		chatID = id
	}

	send, closeFn, err := newSender(cmd)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	if len(args) > 0 {
		_, err := sendAndRemember(ctx, send, chatID, strings.Join(args, " "))
		return err
	}

	if !isTerminal() {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("读取输入失败: %w", err)
		}
		_, err = sendAndRemember(ctx, send, chatID, string(data))
		return err
	}

	return chatLoop(ctx, send, chatID)
}

// chatLoop 交互模式
func chatLoop(ctx context.Context, send sender, chatID string) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Println("💬 输入消息开始对话（/new 新会话，/exit 退出）")

	for {
		fmt.Print("\n> ")
		line, err := readLine(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			chatID = ""
			fmt.Println("✨ 已开始新会话")
			continue
		}

		id, err := sendAndRemember(ctx, send, chatID, line)
		if id != "" {
			chatID = id
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %v\n", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

// sendAndRemember 发送消息并记录会话ID，下一条消息继续这个会话
func sendAndRemember(ctx context.Context, send sender, chatID, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return chatID, fmt.Errorf("消息内容不能为空")
	}

	id, err := send(ctx, chatID, message, os.Stdout)
	fmt.Println()
	if id != "" && id != config.GetCurrentChat() {
		if serr := config.SaveCurrentChat(id); serr != nil {
			fmt.Fprintf(os.Stderr, "⚠️  保存当前会话失败: %v\n", serr)
		}
	}
	return id, err
}

// newSender 根据参数选择 HTTP 或 WebSocket 发送
func newSender(cmd *cobra.Command) (sender, func(), error) {
	var req api.ChatRequest
	if t, _ := cmd.Flags().GetFloat64("temperature"); t > 0 {
		req.Temperature = &t
	}
	if n, _ := cmd.Flags().GetInt("max-tokens"); n > 0 {
		req.MaxNewTokens = &n
	}

	useWS, _ := cmd.Flags().GetBool("ws")
	if !useWS {
		client := newClient()
		return func(ctx context.Context, chatID, message string, out io.Writer) (string, error) {
			r := req
			r.ChatID = chatID
			r.Message = message
			return client.SendMessage(ctx, &r, out)
		}, func() {}, nil
	}

	ws, err := newWSSender(req)
	if err != nil {
		return nil, nil, err
	}
	return ws.send, ws.client.Disconnect, nil
}

// wsSender 在一条 WebSocket 连接上依次发送消息
type wsSender struct {
	client *wsclient.Client
	events chan *wsclient.Message
	params api.ChatRequest // 只使用其中的生成参数
	seq    int
}

func newWSSender(params api.ChatRequest) (*wsSender, error) {
	s := &wsSender{
		client: wsclient.NewClient(config.GetServerURL(), config.GetAccessToken()),
		events: make(chan *wsclient.Message, 256),
		params: params,
	}
	s.client.OnMessage(func(msg *wsclient.Message) {
		switch msg.Type {
		case wsclient.TypeChatStart, wsclient.TypeChatDelta, wsclient.TypeChatDone, wsclient.TypeError:
			s.events <- msg
		}
	})
	if err := s.client.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

// payload 组装 chat:send 消息，带上命令行指定的生成参数
func (s *wsSender) payload(chatID, message string) *wsclient.ChatSendPayload {
	return &wsclient.ChatSendPayload{
		ChatID:       chatID,
		Message:      message,
		MaxNewTokens: s.params.MaxNewTokens,
		Temperature:  s.params.Temperature,
	}
}

func (s *wsSender) send(ctx context.Context, chatID, message string, out io.Writer) (string, error) {
	s.seq++
	messageID := fmt.Sprintf("cli-%d", s.seq)
	if err := s.client.Send(wsclient.TypeChatSend, s.payload(chatID, message), messageID); err != nil {
		return chatID, err
	}

	for {
		select {
		case <-ctx.Done():
			return chatID, ctx.Err()
		case <-s.client.Done():
			return chatID, fmt.Errorf("%w: 连接已关闭", api.ErrIncompleteReply)
		case msg := <-s.events:
			if msg.MessageID != messageID {
				continue
			}
			switch msg.Type {
			case wsclient.TypeChatStart:
				var p wsclient.ChatDeltaPayload
				if err := msg.DecodePayload(&p); err == nil {
					chatID = p.ChatID
				}
			case wsclient.TypeChatDelta:
				var p wsclient.ChatDeltaPayload
				if err := msg.DecodePayload(&p); err == nil {
					fmt.Fprint(out, p.Delta)
				}
			case wsclient.TypeChatDone:
				var p wsclient.ChatDonePayload
				if err := msg.DecodePayload(&p); err != nil {
					return chatID, err
				}
				if p.State != "completed" {
					return p.ChatID, fmt.Errorf("%w: %s", api.ErrIncompleteReply, p.Error)
				}
				return p.ChatID, nil
			case wsclient.TypeError:
				var p wsclient.ErrorPayload
				if err := msg.DecodePayload(&p); err != nil {
					return chatID, err
				}
				if p.ChatID != "" {
					chatID = p.ChatID
				}
				return chatID, &api.APIError{Status: p.Code, Message: p.Message, ChatID: p.ChatID}
			}
		}
	}
}
