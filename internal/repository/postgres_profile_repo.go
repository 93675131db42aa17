package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/projecthub/internal/model"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	p := &model.Profile{}
	var lastSeen sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, display_name, status, is_online, last_seen, created_at, updated_at
		 FROM profiles WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Email, &p.DisplayName, &p.Status, &p.IsOnline, &lastSeen, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Classify("profiles.find", err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	return p, nil
}

// SetOnline はオンライン状態とlast_seenを更新する。
func (r *PostgresProfileRepo) SetOnline(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET is_online = $2, last_seen = $3, updated_at = now() WHERE id = $1`,
		id, online, lastSeen,
	)
	return Classify("profiles.set_online", err)
}

var _ ProfileRepository = (*PostgresProfileRepo)(nil)
