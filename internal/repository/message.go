package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
	"github.com/livechat/internal/pager"
)

const messageCols = `id, conversation_id, sender_id, body, media_url, media_mime, media_size, is_read, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	var (
		url, mime *string
		size      *int64
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &url, &mime, &size, &m.IsRead, &m.CreatedAt); err != nil {
		return err
	}
	if url != nil {
		m.Media = &model.Media{URL: *url}
		if mime != nil {
			m.Media.MimeType = *mime
		}
		if size != nil {
			m.Media.Size = *size
		}
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return nil
}

func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	var (
		url, mime *string
		size      *int64
	)
	if m.Media != nil {
		url, mime, size = &m.Media.URL, &m.Media.MimeType, &m.Media.Size
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (`+messageCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, url, mime, size, m.IsRead, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create: %w", err)
	}
	return nil
}

// Latest returns up to limit messages, newest first.
func (r *MessageRepository) Latest(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Latest", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Latest query: %w", err)
	}
	return collectMessages(rows, limit, "msgRepo.Latest")
}

// Before returns up to limit messages strictly older than key in
// (created_at, id) order, newest first. An empty key id means "before key.At".
func (r *MessageRepository) Before(ctx context.Context, conversationID string, key pager.Key, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.Before", time.Now())()
	anchorID := key.ID
	if anchorID == "" {
		anchorID = uuid.Nil.String()
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1 AND (created_at, id) < ($2, $3::uuid)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4`, conversationID, key.At, anchorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.Before query: %w", err)
	}
	return collectMessages(rows, limit, "msgRepo.Before")
}

func collectMessages(rows pgx.Rows, limit int, op string) ([]model.Message, error) {
	defer rows.Close()
	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s rows: %w", op, err)
	}
	return messages, nil
}

// MarkRead flags the other party's unread messages in a direct conversation.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE conversation_id = $1 AND sender_id != $2 AND is_read = false`,
		conversationID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return tag.RowsAffected(), nil
}
