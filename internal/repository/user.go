package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/livechat/internal/logger"
	"github.com/livechat/internal/model"
)

var ErrNotFound = errors.New("not found")

// validID reports whether id can name a row. Ids are UUIDs in Postgres, so
// anything else is simply not found.
func validID(id string) bool { return uuid.Validate(id) == nil }

const userCols = `id, display_name, status, custom_message, last_seen, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// scanUser scans a row in userCols order.
func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	var status string
	if err := s.Scan(&u.ID, &u.DisplayName, &status, &u.CustomMessage, &u.LastSeen, &u.CreatedAt); err != nil {
		return err
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	u.Status = st
	return nil
}

func (r *UserRepository) Create(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Create", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, display_name, status, custom_message, last_seen, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.DisplayName, u.Status.String(), u.CustomMessage, u.LastSeen, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Create: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	if !validID(id) {
		return nil, ErrNotFound
	}
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

// SetPresence stores the preference written by a connect/disconnect transition.
func (r *UserRepository) SetPresence(ctx context.Context, id string, status model.Status, lastSeen time.Time) error {
	defer logger.DeferLogDuration("user.SetPresence", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, last_seen = $2 WHERE id = $3`,
		status.String(), lastSeen, id,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetPresence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus stores an explicit choice from the status picker.
func (r *UserRepository) SetStatus(ctx context.Context, id string, status model.Status, customMessage string) error {
	defer logger.DeferLogDuration("user.SetStatus", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1, custom_message = $2 WHERE id = $3`,
		status.String(), customMessage, id,
	)
	if err != nil {
		return fmt.Errorf("userRepo.SetStatus: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetOnline flips every stored Online preference to Offline. Run at boot,
// before any connection is accepted.
func (r *UserRepository) ResetOnline(ctx context.Context) (int64, error) {
	defer logger.DeferLogDuration("user.ResetOnline", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE users SET status = $1 WHERE status = $2`,
		model.StatusOffline.String(), model.StatusOnline.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("userRepo.ResetOnline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListFriends returns the user's active friends ordered by display name.
func (r *UserRepository) ListFriends(ctx context.Context, userID string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.ListFriends", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.display_name, u.status, u.custom_message, u.last_seen, u.created_at
		 FROM friendships f
		 JOIN users u ON u.id = f.friend_id
		 WHERE f.user_id = $1
		 ORDER BY u.display_name, u.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ListFriends query: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.ListFriends scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.ListFriends rows: %w", err)
	}
	return users, nil
}

func (r *UserRepository) FriendIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("user.FriendIDs", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT friend_id FROM friendships WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("userRepo.FriendIDs query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("userRepo.FriendIDs: %w", err)
	}
	return ids, nil
}

func (r *UserRepository) AreFriends(ctx context.Context, a, b string) (bool, error) {
	defer logger.DeferLogDuration("user.AreFriends", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM friendships WHERE user_id = $1 AND friend_id = $2)`, a, b,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("userRepo.AreFriends: %w", err)
	}
	return exists, nil
}

// AddFriendship links a and b in both directions.
func (r *UserRepository) AddFriendship(ctx context.Context, a, b string) error {
	defer logger.DeferLogDuration("user.AddFriendship", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2), ($2, $1)
		 ON CONFLICT DO NOTHING`, a, b,
	)
	if err != nil {
		return fmt.Errorf("userRepo.AddFriendship: %w", err)
	}
	return nil
}

// RemoveFriendship unlinks a and b. Direct conversations stay readable but
// no longer accept new messages.
func (r *UserRepository) RemoveFriendship(ctx context.Context, a, b string) error {
	defer logger.DeferLogDuration("user.RemoveFriendship", time.Now())()
	_, err := r.pool.Exec(ctx,
		`DELETE FROM friendships WHERE (user_id = $1 AND friend_id = $2) OR (user_id = $2 AND friend_id = $1)`, a, b,
	)
	if err != nil {
		return fmt.Errorf("userRepo.RemoveFriendship: %w", err)
	}
	return nil
}
