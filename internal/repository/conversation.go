package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
)

const conversationCols = `id, kind, name, created_by, created_at, last_message_at, last_message_text, last_sender_id`

type ConversationRepository struct {
	pool *pgxpool.Pool
}

func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

func scanConversation(s interface{ Scan(dest ...any) error }, c *model.Conversation) error {
	var kind string
	if err := s.Scan(&c.ID, &kind, &c.Name, &c.CreatedBy, &c.CreatedAt, &c.LastMessageAt, &c.LastMessageText, &c.LastSenderID); err != nil {
		return err
	}
	k, err := model.ParseConversationKind(kind)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", c.ID, err)
	}
	c.Kind = k
	return nil
}

// Create inserts the conversation and its members in one transaction.
func (r *ConversationRepository) Create(ctx context.Context, c *model.Conversation, memberIDs []string) error {
	defer logger.DeferLogDuration("conversation.Create", time.Now())()
	if c.Kind == model.ConversationDirect && len(memberIDs) != 2 {
		return fmt.Errorf("conversationRepo.Create: direct conversation needs exactly 2 members, got %d", len(memberIDs))
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("conversationRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO conversations (id, kind, name, created_by, created_at, last_sender_id, last_message_text)
		 VALUES ($1, $2, $3, $4, $5, '', '')`,
		c.ID, string(c.Kind), c.Name, c.CreatedBy, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("conversationRepo.Create: %w", err)
	}
	for _, uid := range memberIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_members (conversation_id, user_id, joined_at) VALUES ($1, $2, $3)`,
			c.ID, uid, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("conversationRepo.Create member %s: %w", uid, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("conversationRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	defer logger.DeferLogDuration("conversation.GetByID", time.Now())()
	if !validID(id) {
		return nil, ErrNotFound
	}
	c := &model.Conversation{}
	row := r.pool.QueryRow(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	if err := scanConversation(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("conversationRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ConversationRepository) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	defer logger.DeferLogDuration("conversation.IsMember", time.Now())()
	if !validID(conversationID) || !validID(userID) {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conversationRepo.IsMember: %w", err)
	}
	return exists, nil
}

func (r *ConversationRepository) MemberIDs(ctx context.Context, conversationID string) ([]string, error) {
	defer logger.DeferLogDuration("conversation.MemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = $1`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.MemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("conversationRepo.MemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversationRepo.MemberIDs rows: %w", err)
	}
	return ids, nil
}

// RoomIDs returns the rooms userID belongs to. Presence changes are
// broadcast into these groups.
func (r *ConversationRepository) RoomIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("conversation.RoomIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT c.id FROM conversations c
		 JOIN conversation_members cm ON cm.conversation_id = c.id
		 WHERE cm.user_id = $1 AND c.kind = $2`, userID, string(model.ConversationRoom),
	)
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.RoomIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("conversationRepo.RoomIDs: %w", err)
	}
	return ids, nil
}

// UpdatePreview stores m as the latest message unless a newer one already is.
func (r *ConversationRepository) UpdatePreview(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("conversation.UpdatePreview", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE conversations
		 SET last_message_at = $2, last_message_text = $3, last_sender_id = $4
		 WHERE id = $1 AND (last_message_at IS NULL OR last_message_at <= $2)`,
		m.ConversationID, m.CreatedAt, m.Preview(), m.SenderID,
	)
	if err != nil {
		return fmt.Errorf("conversationRepo.UpdatePreview: %w", err)
	}
	return nil
}
