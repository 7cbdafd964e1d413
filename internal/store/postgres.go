package store

import (
	"cmp"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.im.chat/internal/model"
	"sudooom.im.chat/internal/status"
)

//go:embed schema.sql
var schemaSQL string

const messageColumns = `id, sender, receiver, body, image_url, video_url, voice_url,
	reply_to, reply_body, reply_image_url, COALESCE(status, ''), created_at`

// PostgresStore 基于 pgxpool 的 ChatStore
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore 创建 PostgreSQL 存储
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate 建表（幂等）
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg model.NewMessage) (*model.Message, error) {
	query := `
		INSERT INTO messages (sender, receiver, body, image_url, video_url, voice_url,
			reply_to, reply_body, reply_image_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + messageColumns

	row := s.db.QueryRow(ctx, query,
		msg.Sender,
		msg.Receiver,
		msg.Body,
		msg.ImageUrl,
		msg.VideoUrl,
		msg.VoiceUrl,
		msg.ReplyToId,
		msg.ReplyBody,
		msg.ReplyImageUrl,
		status.Sent.String(),
	)

	m, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id int64, sender, receiver string, to status.Status) (bool, error) {
	from := status.Predecessors(to)
	if len(from) == 0 {
		return false, nil
	}

	query := `
		UPDATE messages SET status = $4
		WHERE id = $1 AND sender = $2 AND receiver = $3 AND status = ANY($5)`
	tag, err := s.db.Exec(ctx, query, id, sender, receiver, to.String(), status.Strings(from))
	if err != nil {
		return false, fmt.Errorf("update message %d status: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) BatchUpdateStatus(ctx context.Context, sender, receiver string, to status.Status) ([]int64, error) {
	from := status.Predecessors(to)
	if len(from) == 0 {
		return nil, nil
	}

	query := `
		UPDATE messages SET status = $3
		WHERE sender = $1 AND receiver = $2 AND status = ANY($4)
		RETURNING id
	`
	rows, err := s.db.Query(ctx, query, sender, receiver, to.String(), status.Strings(from))
	if err != nil {
		return nil, fmt.Errorf("batch update status: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("batch update status: %w", err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *PostgresStore) DeliverPending(ctx context.Context, receiver string) ([]model.StatusChange, error) {
	query := `
		UPDATE messages SET status = $2
		WHERE receiver = $1 AND status = $3
		RETURNING id, sender
	`
	rows, err := s.db.Query(ctx, query, receiver, status.Delivered.String(), status.Sent.String())
	if err != nil {
		return nil, fmt.Errorf("deliver pending: %w", err)
	}
	defer rows.Close()

	var changes []model.StatusChange
	for rows.Next() {
		c := model.StatusChange{Receiver: receiver, Status: status.Delivered}
		if err := rows.Scan(&c.MessageId, &c.Sender); err != nil {
			return nil, fmt.Errorf("deliver pending: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deliver pending: %w", err)
	}

	slices.SortFunc(changes, func(a, b model.StatusChange) int {
		return cmp.Compare(a.MessageId, b.MessageId)
	})
	return changes, nil
}

func (s *PostgresStore) FetchMessageSnapshot(ctx context.Context, id int64) (*model.Snapshot, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.Snapshot{Body: m.Body, AttachmentRef: m.AttachmentRef()}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	m, err := scanMessage(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) TombstoneMessage(ctx context.Context, id int64, sender, receiver string) (bool, error) {
	query := `
		UPDATE messages
		SET body = $4, image_url = NULL, video_url = NULL, voice_url = NULL, status = NULL
		WHERE id = $1 AND sender = $2 AND receiver = $3 AND status IS NOT NULL
	`
	tag, err := s.db.Exec(ctx, query, id, sender, receiver, model.DeletedBody)
	if err != nil {
		return false, fmt.Errorf("tombstone message %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ClearRepliesTo(ctx context.Context, id int64) (int64, error) {
	query := `
		UPDATE messages
		SET reply_to = NULL, reply_body = $2, reply_image_url = NULL
		WHERE reply_to = $1
	`
	tag, err := s.db.Exec(ctx, query, id, model.DeletedReplyBody)
	if err != nil {
		return 0, fmt.Errorf("clear replies to %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SetUserPresence(ctx context.Context, identity string, st model.PresenceStatus, lastLoginAt time.Time) error {
	query := `
		INSERT INTO user_presence (identity, status, last_login_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO UPDATE
		SET status = EXCLUDED.status, last_login_at = EXCLUDED.last_login_at
	`
	if _, err := s.db.Exec(ctx, query, identity, string(st), lastLoginAt); err != nil {
		return fmt.Errorf("set presence for %s: %w", identity, err)
	}
	return nil
}

func (s *PostgresStore) CountUnread(ctx context.Context, receiver, sender string) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE receiver = $1 AND sender = $2 AND status <> $3
	`
	var count int
	if err := s.db.QueryRow(ctx, query, receiver, sender, status.Read.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UnreadCounts(ctx context.Context, receiver string) ([]model.UnreadCount, error) {
	query := `
		SELECT sender, COUNT(*) FROM messages
		WHERE receiver = $1 AND status <> $2
		GROUP BY sender
		ORDER BY sender
	`
	rows, err := s.db.Query(ctx, query, receiver, status.Read.String())
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	defer rows.Close()

	var counts []model.UnreadCount
	for rows.Next() {
		var c model.UnreadCount
		if err := rows.Scan(&c.Sender, &c.Count); err != nil {
			return nil, fmt.Errorf("unread counts: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ListConversation(ctx context.Context, a, b string, limit int) ([]*model.Message, error) {
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT * FROM messages
			WHERE (sender = $1 AND receiver = $2) OR (sender = $2 AND receiver = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY created_at, id
	`
	rows, err := s.db.Query(ctx, query, a, b, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	defer rows.Close()

	var messages []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list conversation: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m  model.Message
		st string
	)
	err := row.Scan(
		&m.Id,
		&m.Sender,
		&m.Receiver,
		&m.Body,
		&m.ImageUrl,
		&m.VideoUrl,
		&m.VoiceUrl,
		&m.ReplyToId,
		&m.ReplyBody,
		&m.ReplyImageUrl,
		&st,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if m.Status, err = status.Parse(st); err != nil {
		return nil, err
	}
	return &m, nil
}

// Connect 按配置创建连接池
func Connect(ctx context.Context, dsn string, maxConns, minConns int32, maxLifetime time.Duration) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = minConns
	if maxLifetime > 0 {
		poolConfig.MaxConnLifetime = maxLifetime
	}
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	return pgxpool.NewWithConfig(ctx, poolConfig)
}
