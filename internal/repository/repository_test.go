package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aditi-chat-server/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存数据库只存在于单个连接中
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Chat{}, &model.Message{}))
	return db
}

// fixedClock 把消息时钟固定在 at，返回修改时间的函数
func fixedClock(t *testing.T, at time.Time) func(time.Time) {
	t.Helper()
	var mu sync.Mutex
	now := at
	orig := messageClock
	messageClock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	t.Cleanup(func() { messageClock = orig })
	return func(next time.Time) {
		mu.Lock()
		now = next
		mu.Unlock()
	}
}

func createChat(t *testing.T, repo *ChatRepository, id, userID string) {
	t.Helper()
	chat := &model.Chat{ID: id, UserID: userID, Title: id}
	first := &model.Message{Role: model.MessageRoleUser, Content: "first"}
	require.NoError(t, repo.CreateWithMessage(context.Background(), chat, first))
}

func TestMessageRepository_AppendIsStrictlyIncreasing(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fixedClock(t, base)

	chats := NewChatRepository(db)
	messages := NewMessageRepository(db)
	createChat(t, chats, "c1", "u1")

	for i := 0; i < 3; i++ {
		_, err := messages.Append(context.Background(), "c1", model.MessageRoleAssistant, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	list, err := messages.ListByChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, 4)

	for i := 1; i < len(list); i++ {
		assert.Equal(t, time.Millisecond, list[i].CreatedAt.Sub(list[i-1].CreatedAt), "message %d", i)
	}
	assert.Equal(t, "first", list[0].Content)
	assert.Equal(t, "m2", list[3].Content)
}

func TestMessageRepository_ClockMovingBackwards(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setClock := fixedClock(t, base)

	chats := NewChatRepository(db)
	messages := NewMessageRepository(db)
	createChat(t, chats, "c1", "u1")

	setClock(base.Add(-time.Hour))
	msg, err := messages.Append(context.Background(), "c1", model.MessageRoleUser, "late")
	require.NoError(t, err)
	assert.True(t, msg.CreatedAt.After(base), "new message must sort after the existing one")
}

func TestMessageRepository_AppendUnknownChat(t *testing.T) {
	messages := NewMessageRepository(newTestDB(t))

	_, err := messages.Append(context.Background(), "missing", model.MessageRoleUser, "hello")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestMessageRepository_ConcurrentAppends(t *testing.T) {
	db := newTestDB(t)
	fixedClock(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	chats := NewChatRepository(db)
	messages := NewMessageRepository(db)
	createChat(t, chats, "c1", "u1")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := messages.Append(context.Background(), "c1", model.MessageRoleUser, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := messages.ListByChat(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, n+1)

	seen := make(map[int64]bool)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].CreatedAt.After(list[i-1].CreatedAt))
		seen[list[i].CreatedAt.UnixMilli()] = true
	}
	assert.Len(t, seen, n)
	assert.Empty(t, messages.locks.locks, "idle locks are released")
}

func TestChatRepository_ListByUserMostRecentFirst(t *testing.T) {
	db := newTestDB(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	setClock := fixedClock(t, base)

	chats := NewChatRepository(db)
	messages := NewMessageRepository(db)

	createChat(t, chats, "old", "u1")
	setClock(base.Add(time.Minute))
	createChat(t, chats, "new", "u1")
	createChat(t, chats, "other", "u2")

	list, total, err := chats.ListByUser(context.Background(), "u1", 1, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)

	// 追加消息后排到最前
	setClock(base.Add(2 * time.Minute))
	_, err = messages.Append(context.Background(), "old", model.MessageRoleUser, "again")
	require.NoError(t, err)

	list, _, err = chats.ListByUser(context.Background(), "u1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, "old", list[0].ID)

	page2, _, err := chats.ListByUser(context.Background(), "u1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "new", page2[0].ID)
}

func TestChatRepository_GetAndDelete(t *testing.T) {
	db := newTestDB(t)
	chats := NewChatRepository(db)
	messages := NewMessageRepository(db)
	createChat(t, chats, "c1", "u1")

	chat, err := chats.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "u1", chat.UserID)

	require.NoError(t, chats.Delete(context.Background(), "c1"))

	chat, err = chats.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, chat)

	list, err := messages.ListByChat(context.Background(), "c1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUserRepository_UpsertExternal(t *testing.T) {
	users := NewUserRepository(newTestDB(t))
	ctx := context.Background()

	user := &model.User{Username: "octocat", Name: "Octo", Provider: model.UserProviderGitHub, Status: 1}
	require.NoError(t, users.UpsertExternal(ctx, user))
	require.NotZero(t, user.ID)
	firstID := user.ID

	avatar := "https://avatars.example.com/octocat.png"
	again := &model.User{Username: "octocat", Name: "The Octocat", Avatar: &avatar, Provider: model.UserProviderGitHub}
	require.NoError(t, users.UpsertExternal(ctx, again))
	assert.Equal(t, firstID, again.ID)

	stored, err := users.GetByUsername(ctx, "octocat")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "The Octocat", stored.Name)
	require.NotNil(t, stored.Avatar)
	assert.Equal(t, avatar, *stored.Avatar)
	assert.EqualValues(t, 1, stored.Status)
}
