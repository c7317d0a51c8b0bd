package postgres

import (
	"context"

	"github.com/cwrk-planet/guzosync-realtime/internal/domain"
)

type ChatRepository struct {
	q querier
}

func NewChatRepository(q querier) *ChatRepository {
	return &ChatRepository{q: q}
}

func (r *ChatRepository) Save(ctx context.Context, conversationID, senderID, content string) (*domain.ChatMessage, error) {
	var m domain.ChatMessage
	err := r.q.QueryRow(ctx, querySaveMessage, conversationID, senderID, content).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.CreatedAt)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &m, nil
}

// MarkRead идемпотентна; сообщение из чужого разговора молча игнорируется.
func (r *ChatRepository) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	_, err := r.q.Exec(ctx, queryMarkRead, conversationID, messageID, userID)
	return mapPgError(err)
}
