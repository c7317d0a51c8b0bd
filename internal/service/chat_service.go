package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
	"github.com/cwrk-planet/guzosync-realtime/internal/realtime"

	"github.com/google/uuid"
)

const maxMessageRunes = 4000

type ChatService struct {
	store   ChatStore // может быть nil
	rooms   RoomDirectory
	out     Dispatcher
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewChatService(store ChatStore, rooms RoomDirectory, out Dispatcher, timeout time.Duration, logger *slog.Logger) *ChatService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		store:   store,
		rooms:   rooms,
		out:     out,
		timeout: timeout,
		logger:  logger.With("component", "chat"),
		now:     time.Now,
	}
}

// Send сохраняет сообщение и рассылает его всей комнате разговора, включая отправителя.
// Если сохранить не удалось, сообщение всё равно уходит со сгенерированным id.
func (s *ChatService) Send(ctx context.Context, senderID, conversationID, content string) (realtime.NewMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return realtime.NewMessage{}, fmt.Errorf("empty message: %w", domain.ErrInvalidInput)
	}
	if utf8.RuneCountInString(content) > maxMessageRunes {
		return realtime.NewMessage{}, fmt.Errorf("message too long: %w", domain.ErrInvalidInput)
	}
	roomID := realtime.ConversationRoom(conversationID)
	if !s.rooms.IsMember(senderID, roomID) {
		return realtime.NewMessage{}, fmt.Errorf("not in conversation %s: %w", conversationID, domain.ErrForbidden)
	}

	msg := realtime.NewMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
	}
	if saved := s.save(ctx, conversationID, senderID, content); saved != nil {
		msg.MessageID = saved.ID
		msg.Timestamp = saved.CreatedAt.UTC()
	} else {
		msg.MessageID = uuid.NewString()
		msg.Timestamp = s.now().UTC()
	}

	s.out.SendRoom(ctx, roomID, msg)
	return msg, nil
}

func (s *ChatService) save(ctx context.Context, conversationID, senderID, content string) *domain.ChatMessage {
	if s.store == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	saved, err := s.store.Save(sctx, conversationID, senderID, content)
	if err != nil {
		s.logger.Warn("chat save failed", "conversation", conversationID, "user", senderID,
			"err", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
		return nil
	}
	return saved
}

// Typing рассылает статус набора всем, кроме автора.
func (s *ChatService) Typing(ctx context.Context, userID, conversationID string, isTyping bool) int {
	return s.out.SendRoom(ctx, realtime.ConversationRoom(conversationID), realtime.TypingStatus{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	}, userID)
}

// MarkRead отмечает сообщение прочитанным и уведомляет остальных участников.
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID, messageID string) (int, error) {
	if strings.TrimSpace(messageID) == "" {
		return 0, fmt.Errorf("empty message id: %w", domain.ErrInvalidInput)
	}
	if s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.store.MarkRead(sctx, conversationID, messageID, userID)
		cancel()
		if err != nil {
			s.logger.Warn("mark read failed", "conversation", conversationID, "message", messageID,
				"err", fmt.Errorf("%w: %v", domain.ErrPersistence, err))
		}
	}

	n := s.out.SendRoom(ctx, realtime.ConversationRoom(conversationID), realtime.MessageRead{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
	}, userID)
	return n, nil
}
