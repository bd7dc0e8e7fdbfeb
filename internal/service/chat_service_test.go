package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/repository"
)

func newChatService(t *testing.T) (*ChatService, *repository.ChatRepository, *repository.MessageRepository) {
	t.Helper()
	db := newTestDB(t)
	chats := repository.NewChatRepository(db)
	messages := repository.NewMessageRepository(db)
	return NewChatService(chats, messages, 2), chats, messages
}

func seedChat(t *testing.T, chats *repository.ChatRepository, id, userID, first string) {
	t.Helper()
	require.NoError(t, chats.CreateWithMessage(context.Background(),
		&model.Chat{ID: id, UserID: userID, Title: first + "..."},
		&model.Message{Role: model.MessageRoleUser, Content: first}))
}

func TestChatService_ListChats(t *testing.T) {
	svc, chats, messages := newChatService(t)
	ctx := context.Background()

	seedChat(t, chats, "c1", "alice", "first")
	seedChat(t, chats, "c2", "alice", "second")
	seedChat(t, chats, "c3", "alice", "third")
	seedChat(t, chats, "b1", "bob", "other")

	// c1 收到新消息后排到最前
	time.Sleep(5 * time.Millisecond)
	_, err := messages.Append(ctx, "c1", model.MessageRoleAssistant, "reply")
	require.NoError(t, err)

	list, total, err := svc.ListChats(ctx, "alice", 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 2, "page size is capped by the list limit")
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "c3", list[1].ID)

	list, _, err = svc.ListChats(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c2", list[0].ID)

	_, _, err = svc.ListChats(ctx, "", 1, 10)
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestChatService_GetHistory(t *testing.T) {
	svc, chats, messages := newChatService(t)
	ctx := context.Background()

	seedChat(t, chats, "c1", "alice", "hi")
	_, err := messages.Append(ctx, "c1", model.MessageRoleAssistant, "hello")
	require.NoError(t, err)

	history, err := svc.GetHistory(ctx, "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi...", history.Chat.Title)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, model.MessageRoleUser, history.Messages[0].Role)
	assert.Equal(t, "hello", history.Messages[1].Content)

	_, err = svc.GetHistory(ctx, "bob", "c1")
	assert.ErrorIs(t, err, ErrNoPermission)

	_, err = svc.GetHistory(ctx, "alice", "missing")
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatService_DeleteChat(t *testing.T) {
	svc, chats, messages := newChatService(t)
	ctx := context.Background()

	seedChat(t, chats, "c1", "alice", "hi")

	assert.ErrorIs(t, svc.DeleteChat(ctx, "bob", "c1"), ErrNoPermission)
	require.NoError(t, svc.DeleteChat(ctx, "alice", "c1"))

	chat, err := chats.GetByID(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, chat)

	msgs, err := messages.ListByChat(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
