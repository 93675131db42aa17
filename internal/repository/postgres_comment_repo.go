package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hitoshi/projecthub/internal/model"
)

// PostgresCommentRepo はPostgreSQLを使用したコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

// Create はコメントを作成し、IDと作成日時をcommentに設定する。
// IDが空の場合はUUIDを採番する。
func (r *PostgresCommentRepo) Create(ctx context.Context, comment *model.Comment) error {
	if comment.ID == "" {
		comment.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO comments (id, project_id, user_id, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		comment.ID, comment.ProjectID, comment.UserID, comment.Content,
	).Scan(&comment.CreatedAt)
	return Classify("comments.create", err)
}

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// CountUnread はユーザー宛ての未読メッセージ数を返す。
func (r *PostgresMessageRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM messages WHERE recipient_id = $1 AND is_read = false`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, Classify("messages.count_unread", err)
	}
	return n, nil
}

var (
	_ CommentRepository = (*PostgresCommentRepo)(nil)
	_ MessageRepository = (*PostgresMessageRepo)(nil)
)
