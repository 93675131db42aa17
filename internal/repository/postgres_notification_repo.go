package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/hitoshi/projecthub/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// CountUnread はユーザーの未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND is_read = false`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, Classify("notifications.count_unread", err)
	}
	return n, nil
}

// ListUnreadByType は指定種別の未読通知を作成日時の降順でlimit件返す。
func (r *PostgresNotificationRepo) ListUnreadByType(ctx context.Context, userID string, typ model.NotificationType, limit int) ([]*model.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, type, title, content, link, is_read, created_at,
		        project_id, comment_id, domain_id, days_remaining
		 FROM notifications
		 WHERE user_id = $1 AND type = $2 AND is_read = false
		 ORDER BY created_at DESC
		 LIMIT $3`,
		userID, typ, limit,
	)
	if err != nil {
		return nil, Classify("notifications.list_unread", err)
	}
	defer rows.Close()

	var list []*model.Notification
	for rows.Next() {
		n := &model.Notification{}
		var link, projectID, commentID, domainID sql.NullString
		var days sql.NullInt32
		if err := rows.Scan(
			&n.ID, &n.UserID, &n.Type, &n.Title, &n.Content, &link, &n.IsRead, &n.CreatedAt,
			&projectID, &commentID, &domainID, &days,
		); err != nil {
			return nil, Classify("notifications.list_unread", err)
		}
		n.Link = nullStringPtr(link)
		n.ProjectID = nullStringPtr(projectID)
		n.CommentID = nullStringPtr(commentID)
		n.DomainID = nullStringPtr(domainID)
		if days.Valid {
			d := int(days.Int32)
			n.DaysRemaining = &d
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("notifications.list_unread", err)
	}
	return list, nil
}

// MarkRead は通知を既読にする。対象が存在しない場合はfalseを返す。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, Classify("notifications.mark_read", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, Classify("notifications.mark_read", err)
	}
	return n > 0, nil
}

// MarkAllReadByType は指定種別の未読通知を全て既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllReadByType(ctx context.Context, userID string, typ model.NotificationType) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = true
		 WHERE user_id = $1 AND type = $2 AND is_read = false`,
		userID, typ,
	)
	if err != nil {
		return 0, Classify("notifications.mark_all_read", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, Classify("notifications.mark_all_read", err)
	}
	return n, nil
}

// Create は通知を作成し、採番されたIDと作成日時をnに設定する。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, project_id, comment_id, domain_id, days_remaining)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at`,
		n.ID, n.UserID, n.Type, n.Title, n.Content, n.Link, n.ProjectID, n.CommentID, n.DomainID, n.DaysRemaining,
	).Scan(&n.CreatedAt)
	return Classify("notifications.create", err)
}

// CreateDomainExpiry はドメイン期限通知を作成する。
// (domain_id, days_remaining) が既に存在する場合は何もせずfalseを返す。
func (r *PostgresNotificationRepo) CreateDomainExpiry(ctx context.Context, n *model.Notification) (bool, error) {
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO notifications (id, user_id, type, title, content, link, project_id, domain_id, days_remaining)
		 VALUES ($1, $2, 'domain_expiry', $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (domain_id, days_remaining) WHERE type = 'domain_expiry' DO NOTHING
		 RETURNING id, created_at`,
		id, n.UserID, n.Title, n.Content, n.Link, n.ProjectID, n.DomainID, n.DaysRemaining,
	).Scan(&n.ID, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, Classify("notifications.create_domain_expiry", err)
	}
	n.Type = model.NotificationTypeDomainExpiry
	return true, nil
}

var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
