package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/lib/pq"

	"github.com/hitoshi/projecthub/internal/model"
)

// timeoutError はnet.Errorを満たすテスト用エラー。
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.ErrorKind
	}{
		{"行なし", sql.ErrNoRows, model.ErrorKindNotFound},
		{"デッドライン超過", fmt.Errorf("query: %w", context.DeadlineExceeded), model.ErrorKindTransient},
		{"不正コネクション", driver.ErrBadConn, model.ErrorKindTransient},
		{"ネットワークタイムアウト", &net.OpError{Op: "dial", Err: timeoutError{}}, model.ErrorKindTransient},
		{"接続例外", &pq.Error{Code: "08006"}, model.ErrorKindTransient},
		{"シリアライズ失敗", &pq.Error{Code: "40001"}, model.ErrorKindTransient},
		{"クエリキャンセル", &pq.Error{Code: "57014"}, model.ErrorKindTransient},
		{"権限不足", &pq.Error{Code: "42501"}, model.ErrorKindPermissionDenied},
		{"認証失敗", &pq.Error{Code: "28P01"}, model.ErrorKindPermissionDenied},
		{"一意制約違反", &pq.Error{Code: "23505"}, model.ErrorKindUnknown},
		{"その他", errors.New("boom"), model.ErrorKindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("test.op", tt.err)
			if got := model.KindOf(err); got != tt.want {
				t.Errorf("KindOf(Classify(%v)) = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("分類後のエラーは元のエラーをラップしていなければならない")
			}
		})
	}
}

func TestClassify_NilAndAlreadyClassified(t *testing.T) {
	if Classify("op", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}

	original := &model.BackendError{Kind: model.ErrorKindPermissionDenied, Op: "inner", Err: errors.New("denied")}
	wrapped := fmt.Errorf("outer: %w", original)
	if got := model.KindOf(Classify("outer.op", wrapped)); got != model.ErrorKindPermissionDenied {
		t.Errorf("already-classified error should keep its kind, got %v", got)
	}
}

// 各PostgreSQL実装がインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ ProfileRepository = NewPostgresProfileRepo(nil)
	var _ SessionRepository = NewPostgresSessionRepo(nil)
	var _ ProjectRepository = NewPostgresProjectRepo(nil)
	var _ DomainRepository = NewPostgresDomainRepo(nil)
	var _ CommentRepository = NewPostgresCommentRepo(nil)
	var _ MessageRepository = NewPostgresMessageRepo(nil)
	var _ NotificationRepository = NewPostgresNotificationRepo(nil)
}

func TestNullStringPtr(t *testing.T) {
	if nullStringPtr(sql.NullString{}) != nil {
		t.Error("NULL should map to nil")
	}
	if p := nullStringPtr(sql.NullString{String: "x", Valid: true}); p == nil || *p != "x" {
		t.Errorf("valid string should map to pointer, got %v", p)
	}
}
