package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/infrastructure/database"
)

const repliesSchema = `
	CREATE TABLE IF NOT EXISTS investigation_replies (
		id           UUID PRIMARY KEY,
		query_hash   TEXT NOT NULL,
		query_string TEXT NOT NULL,
		expert       TEXT NOT NULL,
		items        JSONB NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_investigation_replies_query_hash
		ON investigation_replies (query_hash, received_at)`

// ReplyRepository archives accepted replies
type ReplyRepository struct {
	db database.DBTX
}

// NewReplyRepository creates a new reply repository
func NewReplyRepository(db database.DBTX) *ReplyRepository {
	return &ReplyRepository{db: db}
}

// EnsureSchema creates the archive table when missing
func (r *ReplyRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, repliesSchema); err != nil {
		return fmt.Errorf("failed to create reply archive schema: %w", err)
	}
	return nil
}

// AppendReply inserts one reply
func (r *ReplyRepository) AppendReply(ctx context.Context, reply *models.ArchivedReply) error {
	if reply.ID == uuid.Nil {
		reply.ID = uuid.New()
	}
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = time.Now().UTC()
	}

	items, err := json.Marshal(reply.Items)
	if err != nil {
		return fmt.Errorf("failed to encode reply items: %w", err)
	}

	query := `
		INSERT INTO investigation_replies (
			id, query_hash, query_string, expert, items, received_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.Exec(ctx, query,
		reply.ID, reply.QueryHash, reply.QueryString, reply.Expert, items, reply.ReceivedAt,
	); err != nil {
		return fmt.Errorf("failed to archive reply: %w", err)
	}
	return nil
}

// ListByQuery returns the archived replies to one query in arrival order
func (r *ReplyRepository) ListByQuery(ctx context.Context, queryHash string, limit int) ([]*models.ArchivedReply, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, query_hash, query_string, expert, items, received_at
		FROM investigation_replies
		WHERE query_hash = $1
		ORDER BY received_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, queryHash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived replies: %w", err)
	}
	defer rows.Close()

	var replies []*models.ArchivedReply
	for rows.Next() {
		reply, err := scanReply(rows)
		if err != nil {
			return nil, err
		}
		replies = append(replies, reply)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate archived replies: %w", err)
	}
	return replies, nil
}

func scanReply(row pgx.Row) (*models.ArchivedReply, error) {
	var (
		reply models.ArchivedReply
		items []byte
	)
	if err := row.Scan(&reply.ID, &reply.QueryHash, &reply.QueryString, &reply.Expert, &items, &reply.ReceivedAt); err != nil {
		return nil, fmt.Errorf("failed to scan archived reply: %w", err)
	}
	if err := json.Unmarshal(items, &reply.Items); err != nil {
		return nil, fmt.Errorf("failed to decode reply items: %w", err)
	}
	return &reply, nil
}
