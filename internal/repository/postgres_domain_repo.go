package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
)

// PostgresDomainRepo はPostgreSQLを使用したドメインリポジトリ。
type PostgresDomainRepo struct {
	db *sql.DB
}

// NewPostgresDomainRepo はPostgresDomainRepoを生成する。
func NewPostgresDomainRepo(db *sql.DB) *PostgresDomainRepo {
	return &PostgresDomainRepo{db: db}
}

// ListExpiringByUser はuntilまでに期限を迎えるユーザーのドメインを期限の昇順で返す。
func (r *PostgresDomainRepo) ListExpiringByUser(ctx context.Context, userID string, until time.Time) ([]*model.Domain, error) {
	return r.list(ctx, "domains.list_expiring_by_user",
		`SELECT id, user_id, project_id, name, expiry_date, created_at, updated_at
		 FROM domains
		 WHERE user_id = $1 AND expiry_date <= $2
		 ORDER BY expiry_date ASC`,
		userID, until,
	)
}

// ListExpiringAll はuntilまでに期限を迎える全ユーザーのドメインを返す。
func (r *PostgresDomainRepo) ListExpiringAll(ctx context.Context, until time.Time) ([]*model.Domain, error) {
	return r.list(ctx, "domains.list_expiring",
		`SELECT id, user_id, project_id, name, expiry_date, created_at, updated_at
		 FROM domains
		 WHERE expiry_date <= $1
		 ORDER BY expiry_date ASC`,
		until,
	)
}

func (r *PostgresDomainRepo) list(ctx context.Context, op, query string, args ...any) ([]*model.Domain, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(op, err)
	}
	defer rows.Close()

	var domains []*model.Domain
	for rows.Next() {
		d := &model.Domain{}
		var projectID sql.NullString
		if err := rows.Scan(&d.ID, &d.UserID, &projectID, &d.Name, &d.ExpiryDate, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, Classify(op, err)
		}
		d.ProjectID = nullStringPtr(projectID)
		domains = append(domains, d)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(op, err)
	}
	return domains, nil
}

// CountByUser はユーザーのドメイン数を返す。
func (r *PostgresDomainRepo) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM domains WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, Classify("domains.count", err)
	}
	return n, nil
}

// nullStringPtr はsql.NullStringを*stringに変換する。NULLの場合はnilを返す。
func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

var _ DomainRepository = (*PostgresDomainRepo)(nil)
