package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aditi-chat-server/internal/inference"
	"aditi-chat-server/internal/model"
	"aditi-chat-server/internal/prompt"
	"aditi-chat-server/internal/repository"
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

// scriptedBackend 按脚本返回文本块
type scriptedBackend struct {
	chunks  []string
	endErr  error
	genErr  error
	prompts []string
	params  []inference.Params
	streams []*scriptedStream
}

func (b *scriptedBackend) Generate(_ context.Context, p string, params inference.Params) (inference.Stream, error) {
	b.prompts = append(b.prompts, p)
	b.params = append(b.params, params)
	if b.genErr != nil {
		return nil, b.genErr
	}
	s := &scriptedStream{chunks: b.chunks, endErr: b.endErr}
	b.streams = append(b.streams, s)
	return s, nil
}

type scriptedStream struct {
	chunks []string
	endErr error
	read   int
	closed bool
}

func (s *scriptedStream) Next() (string, error) {
	if s.closed {
		return "", errors.New("next after close")
	}
	if s.read < len(s.chunks) {
		c := s.chunks[s.read]
		s.read++
		return c, nil
	}
	if s.endErr != nil {
		return "", s.endErr
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

var errClientGone = errors.New("write: broken pipe")

// recordingSink 记录客户端收到的内容，可以在第 N 次写入时失败
type recordingSink struct {
	begun     int
	chatID    string
	chunks    []string
	failAfter int
	onFail    func()
}

func newSink() *recordingSink {
	return &recordingSink{failAfter: -1}
}

func (s *recordingSink) Begin(chatID string) error {
	s.begun++
	s.chatID = chatID
	return nil
}

func (s *recordingSink) Write(chunk string) error {
	if s.failAfter >= 0 && len(s.chunks) >= s.failAfter {
		if s.onFail != nil {
			s.onFail()
		}
		return errClientGone
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) text() string {
	return strings.Join(s.chunks, "")
}

// failingMessages 保存助手回复时失败
type failingMessages struct {
	*repository.MessageRepository
}

func (f failingMessages) Append(ctx context.Context, chatID, role, content string) (*model.Message, error) {
	if role == model.MessageRoleAssistant {
		return nil, errors.New("database is locked")
	}
	return f.MessageRepository.Append(ctx, chatID, role, content)
}

type recordingReporter struct {
	failures []*PersistenceFailure
}

func (r *recordingReporter) ReportPersistenceFailure(_ context.Context, f *PersistenceFailure) error {
	r.failures = append(r.failures, f)
	return nil
}

// stalledMessages 保存助手回复时一直阻塞到上下文结束
type stalledMessages struct {
	*repository.MessageRepository
}

func (f stalledMessages) Append(ctx context.Context, chatID, role, content string) (*model.Message, error) {
	if role == model.MessageRoleAssistant {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.MessageRepository.Append(ctx, chatID, role, content)
}

// contextReporter 记录上报时上下文的状态
type contextReporter struct {
	failures []*PersistenceFailure
	ctxErrs  []error
}

func (r *contextReporter) ReportPersistenceFailure(ctx context.Context, f *PersistenceFailure) error {
	r.failures = append(r.failures, f)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return ctx.Err()
}

type recordingNotifier struct {
	events []*ChatEvent
}

func (n *recordingNotifier) NotifyChatUpdated(_ context.Context, _ string, e *ChatEvent) {
	n.events = append(n.events, e)
}

type relayFixture struct {
	db       *gorm.DB
	chats    *repository.ChatRepository
	messages *repository.MessageRepository
	backend  *scriptedBackend
	reporter *recordingReporter
	notifier *recordingNotifier
	relay    *RelayService
}

func newRelayFixture(t *testing.T, backend *scriptedBackend) *relayFixture {
	t.Helper()
	db := newTestDB(t)
	f := &relayFixture{
		db:       db,
		chats:    repository.NewChatRepository(db),
		messages: repository.NewMessageRepository(db),
		backend:  backend,
		reporter: &recordingReporter{},
		notifier: &recordingNotifier{},
	}
	f.relay = NewRelayService(f.chats, f.messages, prompt.NewAssembler("You are Aditi.", nil),
		backend, f.reporter, f.notifier, nil, RelayOptions{})
	return f
}

func (f *relayFixture) count(t *testing.T, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(m).Count(&n).Error)
	return n
}

func (f *relayFixture) history(t *testing.T, chatID string) []model.Message {
	t.Helper()
	msgs, err := f.messages.ListByChat(context.Background(), chatID)
	require.NoError(t, err)
	return msgs
}

func TestRelay_NewChatCompletes(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"Hello", " there", "!"}})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.State)
	assert.True(t, res.ChatCreated)
	assert.Equal(t, res.ChatID, sink.chatID)
	assert.Equal(t, 1, sink.begun)
	assert.Equal(t, "Hello there!", sink.text())

	var chat model.Chat
	require.NoError(t, f.db.First(&chat, "id = ?", res.ChatID).Error)
	assert.Equal(t, "Hi...", chat.Title)
	assert.Equal(t, "u1", chat.UserID)
	assert.EqualValues(t, 1, f.count(t, &model.Chat{}))

	msgs := f.history(t, res.ChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, model.MessageRoleAssistant, msgs[1].Role)
	assert.Equal(t, sink.text(), msgs[1].Content)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	require.Len(t, f.backend.streams, 1)
	assert.True(t, f.backend.streams[0].closed)
}

func TestRelay_LongMessageTitle(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"ok"}})
	msg := strings.Repeat("a", 60)

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: msg}, newSink())
	require.NoError(t, err)

	assert.Equal(t, strings.Repeat("a", 50)+"...", res.Title)
}

func TestRelay_WhitespaceOutputSkipsAssistant(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"  ", "\n\t"}})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.State)
	assert.Equal(t, "  \n\t", sink.text())
	assert.Nil(t, res.AssistantMessage)

	msgs := f.history(t, res.ChatID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
}

func TestRelay_EmptyOutputStillBegins(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	require.NoError(t, err)

	assert.Equal(t, 1, sink.begun)
	assert.Equal(t, res.ChatID, sink.chatID)
	assert.Len(t, f.history(t, res.ChatID), 1)
}

func TestRelay_PreconditionsWriteNothing(t *testing.T) {
	tests := []struct {
		name    string
		req     *TurnRequest
		wantErr error
	}{
		{"missing user", &TurnRequest{Message: "Hi"}, ErrMissingUser},
		{"missing user with chat", &TurnRequest{ChatID: "abc", Message: "Hi"}, ErrMissingUser},
		{"blank message", &TurnRequest{UserID: "u1", Message: "   "}, ErrEmptyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t, &scriptedBackend{chunks: []string{"x"}})
			sink := newSink()

			res, err := f.relay.Relay(context.Background(), tt.req, sink)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, res)
			assert.Zero(t, sink.begun)
			assert.Empty(t, f.backend.prompts)
			assert.Zero(t, f.count(t, &model.Chat{}))
			assert.Zero(t, f.count(t, &model.Message{}))
		})
	}
}

func TestRelay_BackendRefusedKeepsUserMessage(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{
		genErr: fmt.Errorf("%w: dial tcp: connection refused", inference.ErrBackendUnavailable),
	})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	require.NotNil(t, res)
	assert.Equal(t, TurnFailed, res.State)
	assert.NotEmpty(t, res.ChatID)
	assert.Zero(t, sink.begun)

	msgs := f.history(t, res.ChatID)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageRoleUser, msgs[0].Role)
}

func TestRelay_BackendFailsBeforeFirstChunk(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{
		endErr: fmt.Errorf("%w: model not found", inference.ErrBackendUnavailable),
	})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Zero(t, sink.begun)
	assert.Len(t, f.history(t, res.ChatID), 1)
	assert.True(t, f.backend.streams[0].closed)
}

func TestRelay_BackendInterruptedPersistsPartial(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{
		chunks: []string{"The answer", " is"},
		endErr: fmt.Errorf("%w: unexpected EOF", inference.ErrStreamInterrupted),
	})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Q"}, sink)
	require.NoError(t, err)

	assert.Equal(t, TurnInterrupted, res.State)
	assert.ErrorIs(t, res.StreamErr, ErrStreamInterrupted)
	assert.False(t, res.ClientGone)
	assert.Equal(t, "The answer is", sink.text())

	msgs := f.history(t, res.ChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "The answer is", msgs[1].Content)
}

func TestRelay_ClientAbortAfterThreeChunks(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"one ", "two ", "three ", "four ", "five"}})
	sink := newSink()
	sink.failAfter = 3

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "count"}, sink)
	require.NoError(t, err)

	assert.Equal(t, TurnInterrupted, res.State)
	assert.True(t, res.ClientGone)
	assert.Equal(t, 3, res.Chunks)

	msgs := f.history(t, res.ChatID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one two three ", msgs[1].Content)
	assert.Equal(t, sink.text(), msgs[1].Content)

	stream := f.backend.streams[0]
	assert.True(t, stream.closed)
	assert.Equal(t, 4, stream.read, "stops consuming after the failed write")
}

func TestRelay_PersistsAfterRequestContextCancelled(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"a", "b", "c"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newSink()
	sink.failAfter = 2
	sink.onFail = cancel

	res, err := f.relay.Relay(ctx, &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	require.NoError(t, err)

	require.NotNil(t, res.AssistantMessage)
	assert.Equal(t, "ab", res.AssistantMessage.Content)
	assert.NoError(t, res.PersistErr)
}

func TestRelay_ExistingChatKeepsTitleAndOrder(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"answer"}})
	ctx := context.Background()

	first, err := f.relay.Relay(ctx, &TurnRequest{UserID: "u1", Message: "First question"}, newSink())
	require.NoError(t, err)

	second, err := f.relay.Relay(ctx, &TurnRequest{UserID: "u1", ChatID: first.ChatID, Message: "Second question"}, newSink())
	require.NoError(t, err)
	assert.False(t, second.ChatCreated)
	assert.Equal(t, first.ChatID, second.ChatID)

	var chat model.Chat
	require.NoError(t, f.db.First(&chat, "id = ?", first.ChatID).Error)
	assert.Equal(t, "First question...", chat.Title)
	assert.EqualValues(t, 1, f.count(t, &model.Chat{}))

	msgs := f.history(t, first.ChatID)
	require.Len(t, msgs, 4)
	roles := []string{msgs[0].Role, msgs[1].Role, msgs[2].Role, msgs[3].Role}
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, roles)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "message %d not after %d", i, i-1)
	}

	require.Len(t, f.backend.prompts, 2)
	assert.Equal(t,
		"\n<|system|>\nYou are Aditi.\n<|user|>\nFirst question\n<|assistant|>\nanswer\n<|user|>\nSecond question\n<|assistant|>\n",
		f.backend.prompts[1])
}

func TestRelay_UnknownChat(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"x"}})
	sink := newSink()

	_, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", ChatID: "missing", Message: "Hi"}, sink)
	assert.ErrorIs(t, err, ErrChatNotFound)
	assert.Zero(t, f.count(t, &model.Message{}))
	assert.Empty(t, f.backend.prompts)
	assert.Zero(t, sink.begun)
}

func TestRelay_AssistantPersistenceFailureIsReported(t *testing.T) {
	db := newTestDB(t)
	messages := repository.NewMessageRepository(db)
	reporter := &recordingReporter{}
	backend := &scriptedBackend{chunks: []string{"lost ", "answer"}}
	relay := NewRelayService(repository.NewChatRepository(db), failingMessages{messages},
		prompt.NewAssembler("P", nil), backend, reporter, nil, nil, RelayOptions{})
	sink := newSink()

	res, err := relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	require.NoError(t, err)

	assert.Equal(t, TurnCompleted, res.State)
	assert.Equal(t, "lost answer", sink.text())
	assert.ErrorIs(t, res.PersistErr, ErrPersistenceFailure)
	assert.Nil(t, res.AssistantMessage)

	require.Len(t, reporter.failures, 1)
	assert.Equal(t, res.ChatID, reporter.failures[0].ChatID)
	assert.Equal(t, "u1", reporter.failures[0].UserID)
	assert.Equal(t, "lost answer", reporter.failures[0].Content)
}

func TestRelay_GenerationParams(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"x"}})
	topK := 5

	_, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "a"}, newSink())
	require.NoError(t, err)
	_, err = f.relay.Relay(context.Background(), &TurnRequest{
		UserID: "u1", Message: "b", Params: inference.Overrides{TopK: &topK},
	}, newSink())
	require.NoError(t, err)

	require.Len(t, f.backend.params, 2)
	assert.Equal(t, inference.DefaultParams(), f.backend.params[0])
	assert.Equal(t, 5, f.backend.params[1].TopK)
	assert.Equal(t, 512, f.backend.params[1].MaxNewTokens)
}

func TestRelay_NotifiesChatUpdates(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"x"}})

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, newSink())
	require.NoError(t, err)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, res.ChatID, f.notifier.events[0].ChatID)
	assert.True(t, f.notifier.events[0].Created)
	assert.Equal(t, "Hi...", f.notifier.events[0].Title)
	assert.Equal(t, TurnCompleted, f.notifier.events[0].State)
}

func TestRelay_PersistTimeoutStillReportsFailure(t *testing.T) {
	db := newTestDB(t)
	reporter := &contextReporter{}
	relay := NewRelayService(repository.NewChatRepository(db), stalledMessages{repository.NewMessageRepository(db)},
		prompt.NewAssembler("P", nil), &scriptedBackend{chunks: []string{"slow ", "db"}}, reporter, nil, nil,
		RelayOptions{PersistTimeout: 50 * time.Millisecond})

	res, err := relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, newSink())
	require.NoError(t, err)

	assert.ErrorIs(t, res.PersistErr, ErrPersistenceFailure)
	require.Len(t, reporter.failures, 1)
	assert.NoError(t, reporter.ctxErrs[0], "report must not reuse the expired save context")
	assert.Equal(t, "slow db", reporter.failures[0].Content)
	require.NotNil(t, res.UserMessage)
	assert.Equal(t, res.UserMessage.ID, reporter.failures[0].ReplyTo)
}

func TestRelay_InterruptedBeforeFirstChunkIsUnavailable(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{
		endErr: fmt.Errorf("%w: connection reset", inference.ErrStreamInterrupted),
	})
	sink := newSink()

	res, err := f.relay.Relay(context.Background(), &TurnRequest{UserID: "u1", Message: "Hi"}, sink)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.ErrorIs(t, err, ErrStreamInterrupted)
	require.NotNil(t, res)
	assert.Equal(t, TurnFailed, res.State)
	assert.Zero(t, sink.begun)
	assert.Len(t, f.history(t, res.ChatID), 1)
	assert.True(t, f.backend.streams[0].closed)
}

func TestRelay_RequireOwner(t *testing.T) {
	f := newRelayFixture(t, &scriptedBackend{chunks: []string{"ok"}})
	ctx := context.Background()

	owned, err := f.relay.Relay(ctx, &TurnRequest{UserID: "alice", Message: "mine"}, newSink())
	require.NoError(t, err)

	t.Run("other user", func(t *testing.T) {
		sink := newSink()
		_, err := f.relay.Relay(ctx, &TurnRequest{
			UserID: "mallory", ChatID: owned.ChatID, Message: "let me in", RequireOwner: true,
		}, sink)
		assert.ErrorIs(t, err, ErrNoPermission)
		assert.Zero(t, sink.begun)
		assert.Len(t, f.history(t, owned.ChatID), 2)
	})

	t.Run("unknown chat", func(t *testing.T) {
		_, err := f.relay.Relay(ctx, &TurnRequest{
			UserID: "alice", ChatID: "missing", Message: "hi", RequireOwner: true,
		}, newSink())
		assert.ErrorIs(t, err, ErrChatNotFound)
	})

	t.Run("owner", func(t *testing.T) {
		res, err := f.relay.Relay(ctx, &TurnRequest{
			UserID: "alice", ChatID: owned.ChatID, Message: "again", RequireOwner: true,
		}, newSink())
		require.NoError(t, err)
		assert.Equal(t, TurnCompleted, res.State)
		assert.Len(t, f.history(t, owned.ChatID), 4)
	})
}
