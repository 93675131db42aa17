package repository

import (
	"context"
	"database/sql"

	"github.com/hitoshi/projecthub/internal/model"
)

// PostgresProjectRepo はPostgreSQLを使用したプロジェクトリポジトリ。
type PostgresProjectRepo struct {
	db *sql.DB
}

// NewPostgresProjectRepo はPostgresProjectRepoを生成する。
func NewPostgresProjectRepo(db *sql.DB) *PostgresProjectRepo {
	return &PostgresProjectRepo{db: db}
}

const projectColumns = `id, owner_id, name, description, status, created_at, updated_at`

func scanProject(s interface{ Scan(...any) error }) (*model.Project, error) {
	p := &model.Project{}
	err := s.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// FindByID は指定IDのプロジェクトを取得する。見つからない場合はnilを返す。
func (r *PostgresProjectRepo) FindByID(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(r.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, Classify("projects.find", err)
	}
	return p, nil
}

// ListByOwner はユーザーが所有するプロジェクトを更新日時の降順で返す。
func (r *PostgresProjectRepo) ListByOwner(ctx context.Context, ownerID string) ([]*model.Project, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY updated_at DESC`,
		ownerID,
	)
	if err != nil {
		return nil, Classify("projects.list", err)
	}
	defer rows.Close()

	var projects []*model.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, Classify("projects.list", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("projects.list", err)
	}
	return projects, nil
}

// CountByOwner はユーザーのプロジェクト総数と進行中の数を返す。
func (r *PostgresProjectRepo) CountByOwner(ctx context.Context, ownerID string) (int, int, error) {
	var total, active int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status = 'active')
		 FROM projects WHERE owner_id = $1`,
		ownerID,
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, Classify("projects.count", err)
	}
	return total, active, nil
}

var _ ProjectRepository = (*PostgresProjectRepo)(nil)
