package websocket

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aditi-chat-server/internal/inference"
	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/prompt"
	"aditi-chat-server/internal/repository"
	"aditi-chat-server/internal/service"
	pkgJwt "aditi-chat-server/pkg/jwt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// cannedBackend 每次生成都返回相同的文本块
type cannedBackend struct {
	chunks []string
}

func (b *cannedBackend) Generate(context.Context, string, inference.Params) (inference.Stream, error) {
	return &cannedStream{chunks: b.chunks}, nil
}

type cannedStream struct {
	chunks []string
}

func (s *cannedStream) Next() (string, error) {
	if len(s.chunks) == 0 {
		return "", io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *cannedStream) Close() error { return nil }

type wsFixture struct {
	server   *httptest.Server
	hub      *Hub
	messages *repository.MessageRepository
	jwt      *pkgJwt.JWTService
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Chat{}, &model.Message{}))

	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	relay := service.NewRelayService(chats, messages, prompt.NewAssembler("You are Aditi.", nil),
		&cannedBackend{chunks: []string{"Hi", " there"}}, nil, nil, zap.NewNop(), service.RelayOptions{})

	hub := NewHub(relay, nil, zap.NewNop())
	relay.SetNotifier(hub)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	NewHandler(hub, testSecret, nil, nil).RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &wsFixture{
		server:   server,
		hub:      hub,
		messages: messages,
		jwt:      pkgJwt.NewJWTService(testSecret, time.Hour, time.Hour),
	}
}

func (f *wsFixture) dial(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	token, err := f.jwt.GenerateAccessToken(1, username)
	require.NoError(t, err)
	before := f.hub.ConnectionCount(username)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/chat?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return f.hub.ConnectionCount(username) > before }, time.Second, 10*time.Millisecond)
	return conn
}

type received struct {
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	MessageID string                 `json:"message_id"`
}

// readUntil 读取消息直到 stop 返回 true
func readUntil(t *testing.T, conn *websocket.Conn, stop func([]received) bool) []received {
	t.Helper()
	var got []received
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for !stop(got) {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		got = append(got, msg)
	}
	return got
}

func hasTypes(types ...string) func([]received) bool {
	return func(got []received) bool {
		for _, want := range types {
			found := false
			for _, m := range got {
				if m.Type == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
}

func TestHub_ChatTurnStreamsAndNotifies(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "alice")
	other := f.dial(t, "alice")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":       TypeChatSend,
		"message_id": "m1",
		"payload":    map[string]string{"message": "hello"},
	}))

	got := readUntil(t, conn, hasTypes(TypeChatDone, TypeChatUpdated))

	var deltas []string
	var chatID string
	for _, m := range got {
		switch m.Type {
		case TypeChatStart:
			chatID = m.Payload["chat_id"].(string)
			assert.Equal(t, "m1", m.MessageID)
		case TypeChatDelta:
			deltas = append(deltas, m.Payload["delta"].(string))
		case TypeChatDone:
			assert.Equal(t, "completed", m.Payload["state"])
			assert.Equal(t, true, m.Payload["saved"])
		}
	}
	require.NotEmpty(t, chatID)
	assert.Equal(t, "Hi there", strings.Join(deltas, ""))

	// 同一用户的其他连接收到会话变更
	updates := readUntil(t, other, hasTypes(TypeChatUpdated))
	assert.Equal(t, chatID, updates[len(updates)-1].Payload["chat_id"])
	assert.Equal(t, true, updates[len(updates)-1].Payload["created"])

	msgs, err := f.messages.ListByChat(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].Content)
}

func TestHub_UnknownChatReturnsError(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "bob")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    TypeChatSend,
		"payload": map[string]string{"message": "hello", "chat_id": "missing"},
	}))

	got := readUntil(t, conn, hasTypes(TypeError))
	last := got[len(got)-1]
	assert.Equal(t, float64(404), last.Payload["code"])
}

func TestHub_Heartbeat(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "carol")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": TypeHeartbeat}))
	got := readUntil(t, conn, hasTypes(TypePong))
	assert.Equal(t, TypePong, got[len(got)-1].Type)
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/chat"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}
